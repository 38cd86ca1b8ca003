// Package engine establishes and supervises the link to the inference engine
// process. A Handle is the single shared view of that link: its liveness, its
// diagnostic verbosity, and the identity of the session currently bound to it.
// Exactly one Handle exists per client lifetime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avreli/modelhost/pkg/transport"
	"github.com/avreli/modelhost/pkg/wire"
)

// ErrConnection reports that the engine process cannot be reached, either
// because the dial failed, the ready handshake timed out, or the link dropped.
// Generation is unavailable until a new Connect succeeds; retrying is the
// caller's decision, never automatic.
var ErrConnection = errors.New("engine: connection unavailable")

// DefaultConnectTimeout bounds the wait for the engine's ready event so the
// caller is never stuck in a connecting state.
const DefaultConnectTimeout = 10 * time.Second

// Dialer opens a fresh transport to the engine process.
type Dialer func(ctx context.Context) (transport.Transport, error)

// Options configures Connect.
type Options struct {
	// Verbosity is the diagnostic level sent with init. Empty means "info".
	Verbosity string

	// Timeout bounds the whole connect attempt. Zero means
	// DefaultConnectTimeout.
	Timeout time.Duration
}

// Handle is the live connection to the engine process. It has a single writer
// (the session lifecycle) and multiple readers (presentation, diagnostics);
// the mutex only guards the small shared flags, all protocol traffic is
// serialized by the transport itself.
type Handle struct {
	t transport.Transport

	mu        sync.Mutex
	alive     bool
	verbosity string
	bound     string
}

// Connect dials the engine, sends init, and waits for ready. A dial failure
// or a handshake that produces neither success nor failure within the timeout
// is reported as ErrConnection and the transport is torn down.
func Connect(ctx context.Context, dial Dialer, opts Options) (*Handle, error) {
	verbosity := opts.Verbosity
	if verbosity == "" {
		verbosity = "info"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if err := t.Send(ctx, wire.NewInit(verbosity)); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("%w: init: %v", ErrConnection, err)
	}

	// The first event on a fresh link must be ready. Anything else means the
	// peer is not an engine daemon.
	select {
	case evt, ok := <-t.Events():
		if !ok {
			return nil, fmt.Errorf("%w: link closed during handshake", ErrConnection)
		}
		if evt.Type != wire.EvtReady {
			_ = t.Close()
			return nil, fmt.Errorf("%w: unexpected %s before ready", ErrConnection, evt.Type)
		}
	case <-ctx.Done():
		_ = t.Close()
		return nil, fmt.Errorf("%w: no ready within %s", ErrConnection, timeout)
	}

	return &Handle{t: t, alive: true, verbosity: verbosity}, nil
}

// Alive reports last-known liveness without blocking. It is refreshed lazily
// by Send failures and by the event pump observing the link close, not by
// polling, so a backgrounded engine is never woken just to be checked.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// MarkDisconnected records that the link is down. Called by whoever observes
// the event channel closing.
func (h *Handle) MarkDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = false
}

// Send issues a command, re-checking liveness first. A send on a dead handle
// fails fast with ErrConnection; a send that errors marks the handle dead.
func (h *Handle) Send(ctx context.Context, cmd wire.Command) error {
	h.mu.Lock()
	alive := h.alive
	h.mu.Unlock()

	if !alive {
		return fmt.Errorf("%w: handle is disconnected", ErrConnection)
	}

	if err := h.t.Send(ctx, cmd); err != nil {
		h.MarkDisconnected()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// Events exposes the ordered event stream of the underlying link.
func (h *Handle) Events() <-chan wire.Event { return h.t.Events() }

// Verbosity returns the engine's last applied diagnostic level.
func (h *Handle) Verbosity() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verbosity
}

// SetVerbosity records the level after it has been propagated to the engine.
func (h *Handle) SetVerbosity(level string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.verbosity = level
}

// Bind records the session currently owning the engine. It fails if another
// session is already bound; the engine is a sequential resource.
func (h *Handle) Bind(sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bound != "" {
		return fmt.Errorf("engine: handle already bound to session %s", h.bound)
	}
	h.bound = sessionID
	return nil
}

// Unbind releases the session binding if it matches.
func (h *Handle) Unbind(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bound == sessionID {
		h.bound = ""
	}
}

// BoundSession returns the bound session id, or false if none.
func (h *Handle) BoundSession() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound, h.bound != ""
}

// Close tears down the link. Best-effort: the engine process itself may
// outlive the client.
func (h *Handle) Close() error {
	h.MarkDisconnected()
	return h.t.Close()
}
