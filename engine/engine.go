// Package engine assembles the mirror fallback mechanism: the mirror client,
// resolvers, overlay, package rewriter and the health watchdog.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/update-mirror/health"
	"github.com/wolfeidau/update-mirror/mirror"
	"github.com/wolfeidau/update-mirror/overlay"
	"github.com/wolfeidau/update-mirror/packageurl"
	"github.com/wolfeidau/update-mirror/snapshot"
	"github.com/wolfeidau/update-mirror/store"
	"github.com/wolfeidau/update-mirror/telemetry"
	"github.com/wolfeidau/update-mirror/update"
)

// DisabledKey is the option key marking the mechanism as deactivated. It
// outlives the process that disabled it.
const DisabledKey = "disabled"

// Config holds engine configuration.
type Config struct {
	// Name identifies the mechanism to the host registry and scheduler.
	Name string

	MirrorURL       string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// OnlyMissing skips items already present in a record set.
	OnlyMissing bool

	Threshold time.Duration
	Interval  time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Name:            health.DefaultName,
		MirrorURL:       mirror.DefaultBaseURL,
		Timeout:         mirror.DefaultTimeout,
		BreakerFailures: mirror.DefaultBreakerFailures,
		BreakerCooldown: mirror.DefaultBreakerCooldown,
		OnlyMissing:     true,
		Threshold:       health.DefaultThreshold,
		Interval:        health.DefaultInterval,
	}
}

// Engine is one installation of the mechanism.
type Engine struct {
	config    Config
	options   store.OptionStore
	inventory update.Inventory
	scheduler health.Scheduler
	ownSched  *health.TickerScheduler
	transport *http.Transport
	notifier  health.Notifier
	now       func() time.Time
	logger    *slog.Logger

	codec     *snapshot.Codec
	snapshots *snapshot.Store
	client    *mirror.Client
	tracker   *health.Tracker
	resolver  *update.Resolver
	merger    *update.Merger
	overlay   *overlay.Overlay
	rewriter  *packageurl.Rewriter
	watchdog  *health.Watchdog

	active atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithInventory sets the default inventory used by Check.
func WithInventory(inv update.Inventory) Option {
	return func(e *Engine) {
		e.inventory = inv
	}
}

// WithScheduler replaces the built-in ticker scheduler.
func WithScheduler(s health.Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = s
	}
}

// WithTransport sets the base HTTP transport for mirror requests.
func WithTransport(t *http.Transport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithNotifier sets where the disablement notice is sent, in addition to
// the option store.
func WithNotifier(n health.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithNow sets the clock for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine storing its state in options. The engine starts
// inactive when options carry a disabled marker. The caller owns options and
// must close it after Close.
func New(ctx context.Context, options store.OptionStore, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = health.DefaultName
	}

	e := &Engine{
		config:  cfg,
		options: options,
		now:     time.Now,
		logger:  cfg.Logger.With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	codec, err := snapshot.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("creating snapshot codec: %w", err)
	}
	e.codec = codec
	e.snapshots = snapshot.New(options, codec, snapshot.WithNow(e.now))
	e.tracker = health.NewTracker(options)

	clientOpts := []mirror.Option{
		mirror.WithRecorder(e.tracker),
		mirror.WithBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		mirror.WithLogger(cfg.Logger),
		mirror.WithNow(e.now),
	}
	if cfg.MirrorURL != "" {
		clientOpts = append(clientOpts, mirror.WithBaseURL(cfg.MirrorURL))
	}
	if cfg.Timeout > 0 {
		clientOpts = append(clientOpts, mirror.WithTimeout(cfg.Timeout))
	}
	if e.transport != nil {
		clientOpts = append(clientOpts, mirror.WithTransport(e.transport))
	}
	e.client = mirror.NewClient(clientOpts...)

	e.resolver = update.NewResolver(e.client,
		update.WithInventory(e.inventory),
		update.WithSnapshots(e.snapshots),
		update.WithOnlyMissing(cfg.OnlyMissing),
		update.WithLogger(cfg.Logger),
	)
	e.merger = update.NewMerger(e.snapshots, cfg.Logger)
	e.overlay = overlay.New(e.client, overlay.WithLogger(cfg.Logger))
	e.rewriter = packageurl.New(e.client.BaseURL())

	if e.scheduler == nil {
		e.ownSched = health.NewTickerScheduler(health.WithSchedulerLogger(cfg.Logger))
		e.scheduler = e.ownSched
	}

	notifier := health.MultiNotifier{
		health.LogNotifier{Logger: cfg.Logger},
		health.StoreNotifier{Options: options},
	}
	if e.notifier != nil {
		notifier = append(notifier, e.notifier)
	}

	e.watchdog = health.NewWatchdog(e.tracker, e.scheduler, health.Config{
		Name:      cfg.Name,
		Threshold: cfg.Threshold,
		Interval:  cfg.Interval,
		Logger:    cfg.Logger,
	}, health.WithRegistry(e), health.WithNotifier(notifier), health.WithNow(e.now))

	disabled, err := e.disabled(ctx)
	if err != nil {
		return nil, err
	}
	if disabled {
		e.watchdog.MarkDisabled()
		e.logger.InfoContext(ctx, "mechanism is deactivated", "name", cfg.Name)
		return e, nil
	}

	e.active.Store(true)
	return e, nil
}

func (e *Engine) disabled(ctx context.Context) (bool, error) {
	_, err := e.options.Get(ctx, DisabledKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("reading disabled marker: %w", err)
	}
}

// Start begins watching mirror health.
func (e *Engine) Start(ctx context.Context) error {
	if !e.Active() {
		return health.ErrStopped
	}
	return e.watchdog.Start(ctx)
}

// Active reports whether the mechanism is still enabled.
func (e *Engine) Active() bool {
	return e.active.Load()
}

// Deactivate implements health.Registry. The marker it writes keeps later
// engines over the same options inactive until Enable.
func (e *Engine) Deactivate(ctx context.Context, name string) error {
	if e.active.CompareAndSwap(true, false) {
		e.logger.WarnContext(ctx, "mechanism deactivated", "name", name)
	}
	at := e.now().UTC().Format(time.RFC3339)
	if err := e.options.Set(ctx, DisabledKey, []byte(at)); err != nil {
		return fmt.Errorf("persisting disabled marker: %w", err)
	}
	return nil
}

// Enable clears a persisted deactivation and its notice. It applies to
// engines created afterwards; a disabled engine stays disabled.
func (e *Engine) Enable(ctx context.Context) error {
	return errors.Join(
		e.options.Delete(ctx, DisabledKey),
		e.options.Delete(ctx, health.NoticeKey),
	)
}

// Check resolves missing entries for category. inv overrides the configured
// inventory when non-nil. An inactive engine returns rs unchanged.
func (e *Engine) Check(ctx context.Context, category update.Category, rs *update.RecordSet, inv update.Inventory) (*update.RecordSet, error) {
	if !e.Active() {
		return rs, nil
	}
	if inv == nil {
		inv = e.inventory
	}
	return e.resolver.ResolveWith(ctx, category, rs, inv)
}

// Merge replays the category snapshot into rs.
func (e *Engine) Merge(ctx context.Context, category update.Category, rs *update.RecordSet) *update.RecordSet {
	if !e.Active() {
		return rs
	}
	return e.merger.Merge(ctx, category, rs)
}

// Overlay applies the info overlay for category.
func (e *Engine) Overlay(ctx context.Context, category string, primary overlay.Result, primaryErr error, action string, args any) (overlay.Result, error) {
	if !e.Active() {
		return primary, primaryErr
	}
	return e.overlay.Apply(ctx, category, primary, primaryErr, action, args)
}

// Rewrite points a package download at the mirror.
func (e *Engine) Rewrite(ctx context.Context, opts packageurl.Options) packageurl.Options {
	if !e.Active() {
		return opts
	}
	out, kind := e.rewriter.Rewrite(opts)
	if kind != "" {
		telemetry.RecordPackageRewrite(ctx, kind)
	}
	return out
}

// Teardown unregisters the mechanism: it cancels the watchdog, deletes the
// health state, removes persisted snapshots and clears the disabled marker.
func (e *Engine) Teardown(ctx context.Context) error {
	e.active.Store(false)

	categories := make([]string, len(update.Categories))
	for i, c := range update.Categories {
		categories[i] = string(c)
	}

	return errors.Join(
		e.watchdog.Teardown(ctx),
		e.snapshots.DeleteAll(ctx, categories...),
		e.options.Delete(ctx, DisabledKey),
	)
}

// CheckHealth runs one watchdog evaluation immediately.
func (e *Engine) CheckHealth(ctx context.Context) health.State {
	return e.watchdog.Check(ctx)
}

// Status describes the engine.
type Status struct {
	Active    bool           `json:"active"`
	Name      string         `json:"name"`
	MirrorURL string         `json:"mirror_url"`
	Health    health.Status  `json:"health"`
	Notice    *health.Notice `json:"notice,omitempty"`
}

// Status reports the engine and watchdog state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	hs, err := e.watchdog.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reading health status: %w", err)
	}

	st := Status{
		Active:    e.Active(),
		Name:      e.config.Name,
		MirrorURL: e.client.BaseURL(),
		Health:    hs,
	}

	notice, err := health.LoadNotice(ctx, e.options)
	switch {
	case err == nil:
		st.Notice = notice
	case !errors.Is(err, store.ErrNotFound):
		return Status{}, fmt.Errorf("reading notice: %w", err)
	}
	return st, nil
}

// Close stops the built-in scheduler and releases the snapshot codec.
func (e *Engine) Close() error {
	if e.ownSched != nil {
		e.ownSched.Stop()
	}
	e.codec.Close()
	return nil
}
