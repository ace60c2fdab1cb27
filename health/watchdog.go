package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/update-mirror/store"
	"github.com/wolfeidau/update-mirror/telemetry"
)

const (
	// DefaultThreshold is the tolerated time since the last mirror success.
	DefaultThreshold = 48 * time.Hour

	// DefaultInterval is how often the watchdog checks.
	DefaultInterval = time.Hour

	// DefaultName is the scheduled task and registry name.
	DefaultName = "update-mirror"
)

// ErrStopped is returned by Start after Teardown or disablement.
var ErrStopped = errors.New("health: watchdog stopped")

// State is the watchdog state.
type State int32

const (
	Healthy State = iota
	Expired
	Disabled
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Expired:
		return "expired"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds watchdog configuration.
type Config struct {
	// Name identifies the mechanism to the scheduler and registry.
	Name string

	// Threshold is the health window. Elapsed time beyond it disables the
	// mechanism.
	Threshold time.Duration

	// Interval is the check period.
	Interval time.Duration

	Logger *slog.Logger
}

// Watchdog evaluates the tracker periodically and disables the mechanism
// after a sustained outage. Disablement is final for the watchdog.
type Watchdog struct {
	config    Config
	tracker   *Tracker
	scheduler Scheduler
	registry  Registry
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	checkMu sync.Mutex
	state   atomic.Int32
	stopped atomic.Bool
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithRegistry sets the registry notified on disablement.
func WithRegistry(r Registry) WatchdogOption {
	return func(w *Watchdog) {
		w.registry = r
	}
}

// WithNotifier sets the notifier used on disablement.
func WithNotifier(n Notifier) WatchdogOption {
	return func(w *Watchdog) {
		w.notifier = n
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) WatchdogOption {
	return func(w *Watchdog) {
		w.now = now
	}
}

// NewWatchdog creates a watchdog.
func NewWatchdog(tracker *Tracker, scheduler Scheduler, cfg Config, opts ...WatchdogOption) *Watchdog {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &Watchdog{
		config:    cfg,
		tracker:   tracker,
		scheduler: scheduler,
		logger:    cfg.Logger.With("component", "watchdog"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.notifier == nil {
		w.notifier = LogNotifier{Logger: w.logger}
	}
	return w
}

// Start seeds the health state if none exists and schedules the periodic
// check.
func (w *Watchdog) Start(ctx context.Context) error {
	if w.stopped.Load() {
		return ErrStopped
	}

	if _, err := w.tracker.LastSuccess(ctx); errors.Is(err, store.ErrNotFound) {
		if err := w.tracker.RecordSuccess(ctx, w.now()); err != nil {
			return fmt.Errorf("seeding health state: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("reading health state: %w", err)
	}

	if w.scheduler == nil {
		return nil
	}
	err := w.scheduler.Register(ctx, w.config.Name, w.config.Interval, func(ctx context.Context) {
		w.Check(ctx)
	})
	if err != nil && !errors.Is(err, ErrTaskExists) {
		return fmt.Errorf("scheduling watchdog: %w", err)
	}

	w.logger.Info("watchdog started", "threshold", w.config.Threshold, "interval", w.config.Interval)
	return nil
}

// Check evaluates the health window once and returns the resulting state.
func (w *Watchdog) Check(ctx context.Context) State {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	if w.stopped.Load() {
		return w.State()
	}

	last, err := w.tracker.LastSuccess(ctx)
	if errors.Is(err, store.ErrNotFound) {
		// Missing state restarts the grace period.
		if err := w.tracker.RecordSuccess(ctx, w.now()); err != nil {
			w.logger.WarnContext(ctx, "seeding health state", "error", err)
		}
		return w.State()
	}
	if err != nil {
		w.logger.WarnContext(ctx, "reading health state", "error", err)
		return w.State()
	}

	elapsed := w.now().Sub(last)
	if elapsed <= w.config.Threshold {
		w.state.Store(int32(Healthy))
		telemetry.RecordWatchdogCheck(ctx, Healthy.String(), elapsed)
		w.logger.DebugContext(ctx, "mirror healthy", "since_success", elapsed)
		return Healthy
	}

	w.state.Store(int32(Expired))
	telemetry.RecordWatchdogCheck(ctx, Expired.String(), elapsed)
	w.logger.ErrorContext(ctx, "mirror unreachable beyond health window, disabling",
		"since_success", elapsed,
		"threshold", w.config.Threshold,
	)

	w.disable(ctx, last)
	return Disabled
}

func (w *Watchdog) disable(ctx context.Context, last time.Time) {
	if w.registry != nil {
		if err := w.registry.Deactivate(ctx, w.config.Name); err != nil {
			w.logger.WarnContext(ctx, "deactivating mechanism", "error", err)
		}
	}

	notice := Notice{
		Name: w.config.Name,
		Message: fmt.Sprintf("%s was deactivated: the update mirror has not responded since %s",
			w.config.Name, last.UTC().Format(time.RFC3339)),
		At: w.now().UTC(),
	}
	if err := w.notifier.Notify(ctx, notice); err != nil {
		w.logger.WarnContext(ctx, "raising notice", "error", err)
	}

	if err := w.teardown(ctx); err != nil {
		w.logger.WarnContext(ctx, "tearing down", "error", err)
	}

	w.state.Store(int32(Disabled))
	telemetry.RecordWatchdogDisabled(ctx)
}

// Teardown cancels the periodic check and deletes the health state.
func (w *Watchdog) Teardown(ctx context.Context) error {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()
	return w.teardown(ctx)
}

func (w *Watchdog) teardown(ctx context.Context) error {
	w.stopped.Store(true)
	if w.scheduler != nil {
		w.scheduler.Unregister(w.config.Name)
	}
	if err := w.tracker.Clear(ctx); err != nil {
		return fmt.Errorf("clearing health state: %w", err)
	}
	return nil
}

// MarkDisabled puts the watchdog straight into the Disabled state without
// notifying or tearing down. Used when disablement happened in an earlier
// process.
func (w *Watchdog) MarkDisabled() {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()
	w.stopped.Store(true)
	w.state.Store(int32(Disabled))
}

// State returns the last evaluated state.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

// Stopped reports whether the watchdog has been torn down.
func (w *Watchdog) Stopped() bool {
	return w.stopped.Load()
}

// Status is a point-in-time report of the watchdog.
type Status struct {
	State        State      `json:"state"`
	Stopped      bool       `json:"stopped"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	SinceSuccess string     `json:"since_success,omitempty"`
	Threshold    string     `json:"threshold"`
}

// Status reports the current state without changing it.
func (w *Watchdog) Status(ctx context.Context) (Status, error) {
	st := Status{
		State:     w.State(),
		Stopped:   w.Stopped(),
		Threshold: w.config.Threshold.String(),
	}

	last, err := w.tracker.LastSuccess(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return st, nil
	case err != nil:
		return st, err
	}

	st.LastSuccess = &last
	st.SinceSuccess = w.now().Sub(last).Round(time.Second).String()
	return st, nil
}
