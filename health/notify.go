package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/update-mirror/store"
)

// NoticeKey is the option key of the persisted notice.
const NoticeKey = "notice"

// Notice is a terminal, user-visible message.
type Notice struct {
	Name    string    `json:"name"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier surfaces notices to users.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Registry is the host's set of active mechanisms.
type Registry interface {
	Deactivate(ctx context.Context, name string) error
}

// LogNotifier writes notices to a logger at error level.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, n Notice) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, n.Message, "name", n.Name, "at", n.At)
	return nil
}

// StoreNotifier persists the notice so it can be shown later.
type StoreNotifier struct {
	Options store.OptionStore
}

// Notify implements Notifier.
func (s StoreNotifier) Notify(ctx context.Context, n Notice) error {
	data, err := json.Marshal(&n)
	if err != nil {
		return fmt.Errorf("marshaling notice: %w", err)
	}
	return s.Options.Set(ctx, NoticeKey, data)
}

// LoadNotice returns the persisted notice.
// Returns store.ErrNotFound if there is none.
func LoadNotice(ctx context.Context, options store.OptionStore) (*Notice, error) {
	data, err := options.Get(ctx, NoticeKey)
	if err != nil {
		return nil, err
	}
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("unmarshaling notice: %w", err)
	}
	return &n, nil
}

// MultiNotifier sends a notice to every notifier.
type MultiNotifier []Notifier

// Notify implements Notifier. It returns the first error after notifying all.
func (m MultiNotifier) Notify(ctx context.Context, n Notice) error {
	var first error
	for _, nf := range m {
		if err := nf.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
