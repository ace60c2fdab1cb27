// Package health tracks mirror reachability and disables the mechanism
// after a sustained outage.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/wolfeidau/update-mirror/store"
)

// StateKey is the option key holding the last success timestamp.
const StateKey = "last_success"

// Tracker persists the time of the last successful mirror response.
type Tracker struct {
	options store.OptionStore

	mu      sync.Mutex
	cleared bool
}

// NewTracker creates a tracker over options.
func NewTracker(options store.OptionStore) *Tracker {
	return &Tracker{options: options}
}

// RecordSuccess stores at as the last success. It is a no-op once the
// tracker has been cleared.
func (t *Tracker) RecordSuccess(ctx context.Context, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cleared {
		return nil
	}

	data, err := proto.Marshal(timestamppb.New(at))
	if err != nil {
		return fmt.Errorf("marshaling timestamp: %w", err)
	}
	if err := t.options.Set(ctx, StateKey, data); err != nil {
		return fmt.Errorf("storing health state: %w", err)
	}
	return nil
}

// LastSuccess returns the stored timestamp.
// Returns store.ErrNotFound if none has been recorded.
func (t *Tracker) LastSuccess(ctx context.Context) (time.Time, error) {
	data, err := t.options.Get(ctx, StateKey)
	if err != nil {
		return time.Time{}, err
	}

	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(data, &ts); err != nil {
		return time.Time{}, fmt.Errorf("unmarshaling health state: %w", err)
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("invalid health state: %w", err)
	}
	return ts.AsTime(), nil
}

// Clear deletes the health state and stops further recording.
func (t *Tracker) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cleared = true
	return t.options.Delete(ctx, StateKey)
}

// Cleared reports whether Clear has been called.
func (t *Tracker) Cleared() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleared
}
