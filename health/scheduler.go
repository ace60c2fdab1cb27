package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTaskExists is returned when registering a name that is already scheduled.
	ErrTaskExists = errors.New("health: task already registered")

	// ErrSchedulerStopped is returned when registering after Stop.
	ErrSchedulerStopped = errors.New("health: scheduler stopped")
)

// Scheduler runs named recurring tasks.
type Scheduler interface {
	Register(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) error
	Unregister(name string)
}

// TickerScheduler runs each task on its own goroutine driven by a ticker.
type TickerScheduler struct {
	logger         *slog.Logger
	runImmediately bool

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
	wg      sync.WaitGroup
}

type task struct {
	stopCh chan struct{}
	once   sync.Once
}

func (t *task) stop() {
	t.once.Do(func() { close(t.stopCh) })
}

// SchedulerOption configures a TickerScheduler.
type SchedulerOption func(*TickerScheduler)

// WithRunImmediately runs each task once as soon as it is registered.
func WithRunImmediately(v bool) SchedulerOption {
	return func(s *TickerScheduler) {
		s.runImmediately = v
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *TickerScheduler) {
		s.logger = l
	}
}

// NewTickerScheduler creates a scheduler.
func NewTickerScheduler(opts ...SchedulerOption) *TickerScheduler {
	s := &TickerScheduler{
		logger: slog.Default(),
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Register starts running fn every interval until Unregister or Stop.
func (s *TickerScheduler) Register(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		return errors.New("health: interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}
	if _, ok := s.tasks[name]; ok {
		return ErrTaskExists
	}

	t := &task{stopCh: make(chan struct{})}
	s.tasks[name] = t
	s.wg.Add(1)
	go s.run(ctx, name, interval, fn, t)

	s.logger.Debug("task registered", "name", name, "interval", interval)
	return nil
}

// Unregister stops the named task. It does not wait for a running
// invocation to finish, so tasks may unregister themselves.
func (s *TickerScheduler) Unregister(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()

	if ok {
		t.stop()
		s.logger.Debug("task unregistered", "name", name)
	}
}

// Registered reports whether name is scheduled.
func (s *TickerScheduler) Registered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Stop stops every task and waits for them to exit.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for name, t := range s.tasks {
		t.stop()
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *TickerScheduler) run(ctx context.Context, name string, interval time.Duration, fn func(context.Context), t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if s.runImmediately {
		fn(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			// A tick may race with Unregister; prefer stopping.
			select {
			case <-t.stopCh:
				return
			default:
			}
			fn(ctx)
		}
	}
}
