// Package redisdb provides a Redis-backed option store.
package redisdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wolfeidau/update-mirror/store"
)

const (
	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "update_mirror:"

	scanCount = 1000
)

// Store implements store.OptionStore with one Redis STRING per option.
type Store struct {
	cl     *redis.Client
	prefix string
	log    *slog.Logger
}

var (
	_ store.OptionStore = (*Store)(nil)
	_ store.Lister      = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New wraps an existing client.
func New(cl *redis.Client, opts ...Option) *Store {
	s := &Store{
		cl:     cl,
		prefix: DefaultPrefix,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("item", "RedisOptionStore"))
	return s
}

// Dial parses a redis:// URL, connects and verifies the connection with PING.
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	cl := redis.NewClient(opt)
	if _, err := cl.Ping(ctx).Result(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return New(cl, opts...), nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get implements store.OptionStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.cl.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot get option %s: %w", key, err)
	}
	return val, nil
}

// Set implements store.OptionStore. Options never expire.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.cl.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("cannot set option %s: %w", key, err)
	}
	return nil
}

// Delete implements store.OptionStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.cl.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("cannot delete option %s: %w", key, err)
	}
	return nil
}

// Keys implements store.Lister using SCAN.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := s.key(prefix) + "*"

	for {
		batch, next, err := s.cl.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("cannot scan options: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	s.log.Debug("scanned options", slog.String("prefix", prefix), slog.Int("count", len(keys)))
	return keys, nil
}

// Close implements store.OptionStore.
func (s *Store) Close() error {
	return s.cl.Close()
}
