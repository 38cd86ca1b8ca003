// Package runtime is the composition root of the client: it assembles the
// settings store, diagnostics bridge, recovery store, and session manager
// into one owned object with a well-defined lifecycle. The presentation
// layer talks to a Runtime and to nothing below it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/avreli/modelhost/pkg/diag"
	"github.com/avreli/modelhost/pkg/engine"
	"github.com/avreli/modelhost/pkg/history"
	"github.com/avreli/modelhost/pkg/params"
	"github.com/avreli/modelhost/pkg/recovery"
	"github.com/avreli/modelhost/pkg/session"
	"github.com/avreli/modelhost/pkg/settings"
	"github.com/avreli/modelhost/pkg/transport"
)

// ErrNotConnected is returned by operations that need a live engine link
// before Connect has succeeded.
var ErrNotConnected = errors.New("runtime: not connected")

// Config assembles a Runtime.
type Config struct {
	// Settings is the persisted settings store. Required.
	Settings *settings.Store

	// Dialer opens the engine transport. Defaults to a WebSocket dial of
	// the settings' daemon URL.
	Dialer engine.Dialer

	// MarkerPath is the recovery marker database. Empty disables durable
	// recovery markers.
	MarkerPath string

	// HistoryPath is the conversation history log. Empty disables it.
	HistoryPath string

	// Overrides are the transient parameter overrides parsed once at
	// startup. They never mutate the persisted base.
	Overrides params.Overrides
}

// Runtime supervises the engine connection and its sessions.
type Runtime struct {
	cfg       Config
	bus       *session.EventBus
	bridge    *diag.Bridge
	marks     *recovery.Store
	hist      *history.Recorder
	overrides params.Overrides

	followCancel context.CancelFunc

	mu         sync.Mutex
	handle     *engine.Handle
	mgr        *session.Manager
	reconciled bool
}

// New creates a Runtime. The engine is not dialed until Connect.
func New(cfg Config) (*Runtime, error) {
	if cfg.Settings == nil {
		return nil, errors.New("runtime: settings store is required")
	}

	r := &Runtime{
		cfg:       cfg,
		bus:       session.NewEventBus(),
		bridge:    diag.New(cfg.Settings.Current().Verbosity),
		overrides: cfg.Overrides,
	}

	if cfg.MarkerPath != "" {
		marks, err := recovery.Open(cfg.MarkerPath)
		if err != nil {
			return nil, err
		}
		r.marks = marks
	}

	if cfg.HistoryPath != "" {
		hist, err := history.NewRecorder(cfg.HistoryPath)
		if err != nil {
			r.closeStores()
			return nil, err
		}
		r.hist = hist
	}

	if r.overrides.Any() {
		r.bridge.Logger().Info("transient parameter overrides active")
	}

	// Reactive link between persisted settings and verbosity.
	followCtx, cancel := context.WithCancel(context.Background())
	r.followCancel = cancel
	go r.bridge.Follow(followCtx, cfg.Settings)

	return r, nil
}

// Events returns the runtime's event bus. Subscribers see connection state
// changes, session status transitions, and appended fragments.
func (r *Runtime) Events() *session.EventBus { return r.bus }

// Logger returns the runtime's logger; its level follows the verbosity.
func (r *Runtime) Logger() *zap.Logger { return r.bridge.Logger() }

// Connected reports last-known engine liveness without blocking.
func (r *Runtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle != nil && r.handle.Alive()
}

// Connect establishes the engine link: reconcile dangling sessions first,
// dial with the current verbosity, then bring up the session manager.
// A failed or timed-out attempt leaves the runtime disconnected; retrying is
// up to the caller, never automatic.
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle != nil && r.handle.Alive() {
		return nil
	}

	// Interrupted sessions from a previous run must be settled before any
	// new session can start.
	if err := r.reconcileLocked(); err != nil {
		return err
	}

	// Drain the previous manager, if any, so its pump is gone before a new
	// link is created.
	if r.mgr != nil {
		_ = r.mgr.Close()
		r.mgr = nil
		r.handle = nil
	}

	dial := r.cfg.Dialer
	if dial == nil {
		url := r.cfg.Settings.Current().DaemonURL
		dial = func(ctx context.Context) (transport.Transport, error) {
			return transport.DialWS(ctx, url)
		}
	}

	h, err := engine.Connect(ctx, dial, engine.Options{Verbosity: r.bridge.Level()})
	if err != nil {
		return err
	}

	r.handle = h
	r.bridge.Attach(ctx, h)

	mcfg := session.Config{Sink: r.sink(), Logger: r.bridge.Logger()}
	if r.marks != nil {
		mcfg.Marker = r.marks
	}
	r.mgr = session.NewManager(h, r.bus, mcfg)

	r.bus.Publish(session.Event{Kind: session.EventConnectionState, Connected: true})
	r.bridge.Logger().Info("engine connected")
	return nil
}

// sink returns the history sink or nil, without wrapping a nil pointer in a
// non-nil interface.
func (r *Runtime) sink() session.Sink {
	if r.hist == nil {
		return nil
	}
	return r.hist
}

func (r *Runtime) reconcileLocked() error {
	if r.reconciled || r.marks == nil {
		r.reconciled = true
		return nil
	}

	rec := recovery.NewReconciler(r.marks, r.bus, r.bridge.Logger())
	n, err := rec.Run()
	if err != nil {
		return fmt.Errorf("runtime: reconcile: %w", err)
	}
	if n > 0 {
		r.bridge.Logger().Info("reconciled interrupted sessions", zap.Int("count", n))
	}
	r.reconciled = true
	return nil
}

// Generate resolves the effective config (persisted base merged with the
// startup overrides) and starts a streaming session.
func (r *Runtime) Generate(ctx context.Context, prompt string) (*session.Session, error) {
	r.mu.Lock()
	mgr := r.mgr
	r.mu.Unlock()

	if mgr == nil {
		return nil, ErrNotConnected
	}

	base := r.cfg.Settings.Current().BaseConfig()
	cfg := params.Resolve(base, r.overrides)
	if r.overrides.Any() {
		r.bridge.Logger().Debug("resolved config with overrides", zap.String("model", cfg.Model))
	}

	return mgr.Start(ctx, prompt, cfg)
}

// Cancel cancels a session: local state flips immediately, the engine is
// told best-effort.
func (r *Runtime) Cancel(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	mgr := r.mgr
	r.mu.Unlock()

	if mgr == nil {
		return ErrNotConnected
	}
	return mgr.Cancel(ctx, sessionID)
}

// Wait blocks until the session reaches a terminal status or ctx is done.
func (r *Runtime) Wait(ctx context.Context, sessionID string) (session.Status, error) {
	r.mu.Lock()
	mgr := r.mgr
	r.mu.Unlock()

	if mgr == nil {
		return "", ErrNotConnected
	}
	return mgr.Wait(ctx, sessionID)
}

// SetVerbosity persists the new level and applies it locally and to the
// engine. The settings subscription would apply it as well; doing it directly
// keeps the change synchronous for the caller.
func (r *Runtime) SetVerbosity(ctx context.Context, level string) error {
	if err := r.bridge.SetVerbosity(ctx, level); err != nil {
		return err
	}
	return r.cfg.Settings.Update(func(s *settings.Settings) { s.Verbosity = level })
}

// Close tears down the runtime: the engine link (best-effort; the engine
// process may outlive us), the settings subscription, and the stores.
func (r *Runtime) Close() error {
	r.followCancel()

	r.mu.Lock()
	mgr := r.mgr
	r.mgr = nil
	r.handle = nil
	r.mu.Unlock()

	var firstErr error
	if mgr != nil {
		if err := mgr.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.closeStores(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *Runtime) closeStores() error {
	var firstErr error
	if r.marks != nil {
		if err := r.marks.Close(); err != nil {
			firstErr = err
		}
	}
	if r.hist != nil {
		if err := r.hist.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
