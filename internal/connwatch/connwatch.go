// Package connwatch monitors connectivity to the services the bot cannot
// run without: the OneBot WebSocket endpoint and the chat completion API.
//
// Each watched service gets its own goroutine running a two-phase loop:
//
//  1. Startup: probe with exponential backoff until the service answers or
//     the retry budget is exhausted. The process keeps running either way;
//     a dependency that is down at boot is reported, not fatal.
//  2. Background: poll on a fixed interval and fire transition callbacks
//     when the service changes state (ready -> down, down -> ready).
//
// Callbacks run in their own goroutines so a slow OnReady (say, a WebSocket
// redial) never blocks the poll loop.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BackoffConfig controls startup retry pacing and background polling.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed startup probe.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// MaxRetries bounds the number of startup probe attempts.
	MaxRetries int

	// PollInterval is the background phase check period.
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the pacing used for both upstream services:
// 2s, 4s, 8s, 16s, 32s, 60s (capped), ten startup attempts, then a
// 60-second background poll.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// ProbeFunc checks whether a service is reachable. It must respect ctx and
// return nil only when the service would accept real traffic.
type ProbeFunc func(ctx context.Context) error

// WatcherConfig describes one service to watch.
type WatcherConfig struct {
	// Name identifies the service in logs and status output.
	Name string

	// Probe is called to test connectivity.
	Probe ProbeFunc

	// Backoff controls retry pacing. Zero-valued fields get defaults.
	Backoff BackoffConfig

	// OnReady fires on the down -> ready transition, including the first
	// successful probe. Runs in its own goroutine.
	OnReady func()

	// OnDown fires on the ready -> down transition with the probe error.
	// Runs in its own goroutine.
	OnDown func(err error)
}

// Watcher tracks the connectivity of a single service.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff BackoffConfig
	onReady func()
	onDown  func(error)
	logger  *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// ServiceStatus is a point-in-time snapshot of one watcher.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

func newWatcher(cfg WatcherConfig, logger *slog.Logger) *Watcher {
	return &Watcher{
		name:    cfg.Name,
		probe:   cfg.Probe,
		backoff: cfg.Backoff,
		onReady: cfg.OnReady,
		onDown:  cfg.OnDown,
		logger:  logger.With("service", cfg.Name),
		done:    make(chan struct{}),
	}
}

// run executes the two-phase watch loop until ctx is cancelled.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if w.startupPhase(ctx) {
		w.logger.Info("service ready")
	} else {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("service unavailable after startup retries, continuing to poll",
			"retries", w.backoff.MaxRetries,
			"last_error", w.lastErrString(),
		)
	}

	w.pollPhase(ctx)
}

// startupPhase probes with exponential backoff. Returns true once a probe
// succeeds, false when retries are exhausted or ctx is cancelled.
func (w *Watcher) startupPhase(ctx context.Context) bool {
	delay := w.backoff.InitialDelay

	for attempt := 0; ; attempt++ {
		err := w.probeOnce(ctx)
		if err == nil {
			w.setReady(true, nil)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		w.logger.Debug("startup probe failed",
			"attempt", attempt+1,
			"max_retries", w.backoff.MaxRetries,
			"error", err,
		)

		if attempt+1 >= w.backoff.MaxRetries {
			return false
		}

		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = time.Duration(float64(delay) * w.backoff.Multiplier)
		if delay > w.backoff.MaxDelay {
			delay = w.backoff.MaxDelay
		}
	}
}

// pollPhase rechecks the service on a fixed interval and drives the
// transition callbacks.
func (w *Watcher) pollPhase(ctx context.Context) {
	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probeOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				w.setReady(true, nil)
			} else {
				w.setReady(false, err)
			}
		}
	}
}

// probeOnce runs a single probe under ProbeTimeout and records the result.
func (w *Watcher) probeOnce(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()

	err := w.probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	return err
}

// setReady records the new state and fires the matching callback on a
// transition. Repeated successes or failures do not re-fire callbacks.
func (w *Watcher) setReady(ready bool, err error) {
	was := w.ready.Swap(ready)
	if was == ready {
		return
	}

	if ready {
		w.logger.Info("service recovered")
		if w.onReady != nil {
			go w.onReady()
		}
	} else {
		w.logger.Warn("service went down", "error", err)
		if w.onDown != nil {
			go w.onDown(err)
		}
	}
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil when the last
// probe succeeded.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns a snapshot of the watcher state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watch loop exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Watcher) lastErrString() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastErr == nil {
		return ""
	}
	return w.lastErr.Error()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers for all upstream services.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager returns an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers a service and starts its watch loop. Panics when the
// config lacks a name or probe, since both indicate a wiring bug.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic(fmt.Sprintf("connwatch: Watch called with empty Name: %+v", cfg))
	}
	if cfg.Probe == nil {
		panic(fmt.Sprintf("connwatch: Watch called with nil Probe for %q", cfg.Name))
	}
	cfg.Backoff = fillDefaults(cfg.Backoff)

	w := newWatcher(cfg, m.logger)

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns a snapshot of every registered watcher, keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}

// fillDefaults replaces zero-valued pacing fields with defaults so a
// partially specified BackoffConfig still behaves sensibly.
func fillDefaults(b BackoffConfig) BackoffConfig {
	def := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.Multiplier <= 1.0 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = def.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = def.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = def.ProbeTimeout
	}
	return b
}
