package snapshot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	updatemirror "github.com/wolfeidau/update-mirror"
)

const (
	// MaxSize bounds a snapshot payload, both as saved and after
	// decompression. It matches the largest body the mirror client accepts.
	MaxSize = 10 << 20

	// minCompressSize is the smallest payload worth a zstd frame.
	minCompressSize = 2 << 10
)

// Encoding identifies how a snapshot payload is stored.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

var (
	// ErrTooLarge is returned for payloads above MaxSize.
	ErrTooLarge = errors.New("snapshot: payload too large")

	// ErrDigestMismatch is returned when an opened payload does not hash to
	// the recorded digest.
	ErrDigestMismatch = errors.New("snapshot: digest mismatch")

	// ErrUnknownEncoding is returned for an encoding this codec cannot open.
	ErrUnknownEncoding = errors.New("snapshot: unknown encoding")
)

// Codec seals mirror responses into snapshots and opens them again. It is
// safe for concurrent use until Close.
type Codec struct {
	mu  sync.RWMutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a codec with one shared zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Close releases the zstd state. It may be called more than once.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil {
		_ = c.enc.Close()
		c.enc = nil
	}
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
}

// Seal sets the digest, size, encoding and payload of snap from raw. Bodies
// of at least 2 KiB are stored compressed when that makes them smaller.
func (c *Codec) Seal(snap *Snapshot, raw []byte) error {
	if len(raw) > MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}

	snap.Digest = updatemirror.HashBytes(raw).Digest()
	snap.Size = len(raw)
	snap.Encoding = EncodingIdentity
	snap.Payload = raw

	if len(raw) < minCompressSize {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.enc == nil {
		return nil
	}
	if packed := c.enc.EncodeAll(raw, nil); len(packed) < len(raw) {
		snap.Encoding = EncodingZstd
		snap.Payload = packed
	}
	return nil
}

// Open restores snap's payload to the bytes it was sealed from and checks
// them against the recorded digest. An empty digest is not checked.
func (c *Codec) Open(snap *Snapshot) error {
	raw, err := c.unpack(snap)
	if err != nil {
		return err
	}

	if snap.Digest != "" {
		want, err := updatemirror.ParseDigest(snap.Digest)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDigestMismatch, err)
		}
		if updatemirror.HashBytes(raw) != want {
			return ErrDigestMismatch
		}
	}

	snap.Payload = raw
	snap.Encoding = EncodingIdentity
	return nil
}

func (c *Codec) unpack(snap *Snapshot) ([]byte, error) {
	switch snap.Encoding {
	case EncodingIdentity, "":
		return snap.Payload, nil
	case EncodingZstd:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, snap.Encoding)
	}

	if snap.Size > MaxSize {
		return nil, fmt.Errorf("%w: recorded size %d", ErrTooLarge, snap.Size)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dec == nil {
		return nil, errors.New("snapshot: codec closed")
	}

	raw, err := c.dec.DecodeAll(snap.Payload, make([]byte, 0, max(snap.Size, 0)))
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}
	if len(raw) > MaxSize {
		return nil, ErrTooLarge
	}
	return raw, nil
}
