// Package metadb provides a bbolt-backed option store.
package metadb

import (
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/update-mirror/store"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "default"

// bucketOptions holds namespace -> key -> value compound entries.
var bucketOptions = []byte("options")

// BoltDB implements store.OptionStore using bbolt.
type BoltDB struct {
	db        *bbolt.DB
	namespace string
	logger    *slog.Logger
	noSync    bool // disables fsync per transaction (for testing only)
}

var (
	_ store.OptionStore = (*BoltDB)(nil)
	_ store.Lister      = (*BoltDB)(nil)
)

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNamespace scopes every key to the given namespace, allowing several
// managed sites to share one database file.
func WithNamespace(namespace string) BoltDBOption {
	return func(b *BoltDB) {
		b.namespace = namespace
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		namespace: DefaultNamespace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens (or creates) the database file at path.
func Open(path string, opts ...BoltDBOption) (*BoltDB, error) {
	b := NewBoltDB(opts...)
	if err := b.Open(path); err != nil {
		return nil, err
	}
	return b, nil
}

// DB returns the underlying bbolt database.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

// Namespace returns the configured key namespace.
func (b *BoltDB) Namespace() string {
	return b.namespace
}

func (b *BoltDB) boltOptions() *bbolt.Options {
	return &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	}
}
