// Package snapshot persists the most recent bulk mirror response per category
// so that a later merge pass can replay it without going back to the network.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/update-mirror/store"
	"github.com/wolfeidau/update-mirror/telemetry"
)

// KeyPrefix is the option key prefix for snapshots.
const KeyPrefix = "snapshot_"

// Snapshot is the stored envelope around a raw mirror response body.
type Snapshot struct {
	Category  string    `json:"category"`
	FetchedAt time.Time `json:"fetched_at"`
	Digest    string    `json:"digest"`
	Encoding  Encoding  `json:"encoding"`
	Size      int       `json:"size"`
	Payload   []byte    `json:"payload"`
}

// Store reads and writes snapshots through an option store.
type Store struct {
	options store.OptionStore
	codec   *Codec
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a snapshot store.
func New(options store.OptionStore, codec *Codec, opts ...Option) *Store {
	s := &Store{
		options: options,
		codec:   codec,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the option key for a category.
func Key(category string) string {
	return KeyPrefix + category
}

// Save overwrites the snapshot for category with payload.
func (s *Store) Save(ctx context.Context, category string, payload []byte) error {
	snap := Snapshot{
		Category:  category,
		FetchedAt: s.now().UTC(),
	}
	if err := s.codec.Seal(&snap, payload); err != nil {
		return fmt.Errorf("sealing snapshot: %w", err)
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	if err := s.options.Set(ctx, Key(category), data); err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}

	telemetry.RecordSnapshotWrite(ctx, category, int64(len(payload)), snap.Encoding == EncodingZstd)
	return nil
}

// Get returns the stored envelope for category with its payload decoded.
// Returns store.ErrNotFound if no snapshot exists.
func (s *Store) Get(ctx context.Context, category string) (*Snapshot, error) {
	data, err := s.options.Get(ctx, Key(category))
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}

	if err := s.codec.Open(&snap); err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", category, err)
	}

	return &snap, nil
}

// Load returns the raw mirror response stored for category.
func (s *Store) Load(ctx context.Context, category string) ([]byte, error) {
	snap, err := s.Get(ctx, category)
	if err != nil {
		return nil, err
	}
	return snap.Payload, nil
}

// Delete removes the snapshot for category.
func (s *Store) Delete(ctx context.Context, category string) error {
	return s.options.Delete(ctx, Key(category))
}

// DeleteAll removes the snapshots for every given category.
func (s *Store) DeleteAll(ctx context.Context, categories ...string) error {
	var errs []error
	for _, c := range categories {
		if err := s.Delete(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("deleting snapshot %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}
