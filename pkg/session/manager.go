package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avreli/modelhost/pkg/engine"
	"github.com/avreli/modelhost/pkg/wire"
)

// ErrEngineBusy is returned by Start while another session is streaming. The
// engine is a sequential resource; whether to queue or drop the request is
// the caller's policy, the manager never reorders.
var ErrEngineBusy = errors.New("session: another session is streaming")

// Marker persists durable recovery markers for streaming sessions. Implemented
// by the recovery store; a nil Marker disables persistence.
type Marker interface {
	Mark(sessionID string) error
	Clear(sessionID string) error
}

// Sink is notified of stream lifecycle for conversation history. The manager
// calls it synchronously from the event pump, so implementations should be
// fast or buffer internally. A nil Sink disables notifications.
type Sink interface {
	StreamStarted(sessionID, prompt string)
	FragmentAppended(sessionID, fragment string)
	StreamEnded(sessionID string, status Status, output string)
}

// Config carries the manager's optional collaborators.
type Config struct {
	Marker Marker
	Sink   Sink
	Logger *zap.Logger
}

// Manager owns the engine handle's session lifecycle. All engine events are
// consumed by a single pump goroutine, so state transitions are serialized
// structurally rather than by locking around the whole lifecycle.
type Manager struct {
	handle *engine.Handle
	bus    *EventBus
	marks  Marker
	sink   Sink
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	active   *Session

	pumpDone chan struct{}
}

// NewManager creates a Manager on a connected handle and starts its event
// pump. The pump runs until the handle's event channel closes.
func NewManager(handle *engine.Handle, bus *EventBus, cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		handle:   handle,
		bus:      bus,
		marks:    cfg.Marker,
		sink:     cfg.Sink,
		log:      log,
		sessions: make(map[string]*Session),
		pumpDone: make(chan struct{}),
	}
	go m.pump()
	return m
}

// Start begins a new streaming session for the given prompt and resolved
// config. It fails with ErrEngineBusy if a session is already streaming and
// with engine.ErrConnection if the handle is dead. The returned session is
// already streaming; its recovery marker is written before Start returns.
func (m *Manager) Start(ctx context.Context, prompt string, config wire.GenConfig) (*Session, error) {
	s := newSession(uuid.NewString(), prompt, config)

	m.mu.Lock()
	if m.active != nil && !m.active.Status().Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrEngineBusy, m.active.ID())
	}
	m.active = s
	m.sessions[s.id] = s
	m.mu.Unlock()

	if err := m.handle.Bind(s.id); err != nil {
		m.clearActive(s)
		return nil, fmt.Errorf("%w: %v", ErrEngineBusy, err)
	}

	// Transition and write the marker before the generate command goes out:
	// once the engine sees the command, fragments may race the return path.
	s.markStreaming()
	if m.marks != nil {
		if err := m.marks.Mark(s.id); err != nil {
			m.log.Warn("recovery marker write failed", zap.String("session", s.id), zap.Error(err))
		}
	}

	if err := m.handle.Send(ctx, wire.NewGenerate(s.id, prompt, config)); err != nil {
		m.finish(s, StatusFailed, err.Error())
		return nil, err
	}

	m.bus.Publish(Event{Kind: EventSessionStatus, SessionID: s.id, Status: StatusStreaming})
	if m.sink != nil {
		m.sink.StreamStarted(s.id, prompt)
	}

	m.log.Debug("session started",
		zap.String("session", s.id),
		zap.String("model", config.Model))

	return s, nil
}

// Cancel transitions the session to cancelled immediately and tells the
// engine best-effort. It does not wait for the engine to acknowledge: the
// engine may be unresponsive and the caller must not block on cancellation.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	s, ok := m.Session(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	if !m.finish(s, StatusCancelled, "") {
		return nil // already terminal; cancelling twice is a no-op
	}

	if err := m.handle.Send(ctx, wire.NewCancel(sessionID)); err != nil {
		// Local state already says cancelled; the engine will drop the
		// stream when it notices the link state.
		m.log.Debug("cancel command not delivered", zap.String("session", sessionID), zap.Error(err))
	}
	return nil
}

// Session returns a session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	return s, ok
}

// Active returns the session currently owning the engine, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.Status().Terminal() {
		return nil, false
	}
	return m.active, true
}

// Wait blocks until the session reaches a terminal status or ctx is done.
func (m *Manager) Wait(ctx context.Context, sessionID string) (Status, error) {
	s, ok := m.Session(sessionID)
	if !ok {
		return "", fmt.Errorf("session: %s not found", sessionID)
	}
	return s.Wait(ctx)
}

// Close tears down the handle and waits for the event pump to drain.
func (m *Manager) Close() error {
	err := m.handle.Close()
	<-m.pumpDone
	return err
}

// pump consumes the engine's ordered event stream. It is the only goroutine
// that applies engine-driven transitions, which keeps fragment order intact
// without per-fragment locking across components.
func (m *Manager) pump() {
	defer close(m.pumpDone)

	for evt := range m.handle.Events() {
		switch evt.Type {
		case wire.EvtFragment:
			m.onFragment(evt.Fragment.ID, evt.Fragment.Text)
		case wire.EvtDone:
			m.onDone(evt.Done.ID)
		case wire.EvtError:
			m.onError(evt.Error.ID, evt.Error.Reason)
		case wire.EvtReady:
			// Ready after the handshake is engine noise; ignore.
		}
	}

	// Link dropped. Fail the active session rather than leaving it
	// streaming forever.
	m.handle.MarkDisconnected()
	if s, ok := m.Active(); ok {
		m.finish(s, StatusFailed, ReasonConnectionLost)
	}
	m.bus.Publish(Event{Kind: EventConnectionState, Connected: false})
}

func (m *Manager) onFragment(id, text string) {
	s, ok := m.Session(id)
	if !ok {
		m.log.Debug("fragment for unknown session discarded", zap.String("session", id))
		return
	}

	if !s.append(text) {
		// Late fragment after cancel or completion; silently discarded.
		return
	}

	m.bus.Publish(Event{Kind: EventSessionFragment, SessionID: id, Fragment: text})
	if m.sink != nil {
		m.sink.FragmentAppended(id, text)
	}
}

func (m *Manager) onDone(id string) {
	s, ok := m.Session(id)
	if !ok {
		return
	}
	m.finish(s, StatusCompleted, "")
}

func (m *Manager) onError(id, reason string) {
	s, ok := m.Session(id)
	if !ok {
		return
	}
	// Partial output is preserved on the session; failure is a state
	// transition, not a raised error.
	m.finish(s, StatusFailed, reason)
}

// finish applies a terminal transition exactly once: session state, recovery
// marker, handle binding, bus, and history sink. Returns false if the session
// was already terminal.
func (m *Manager) finish(s *Session, status Status, reason string) bool {
	if !s.finish(status, reason) {
		return false
	}

	if m.marks != nil {
		if err := m.marks.Clear(s.id); err != nil {
			m.log.Warn("recovery marker clear failed", zap.String("session", s.id), zap.Error(err))
		}
	}

	m.handle.Unbind(s.id)
	m.clearActive(s)

	m.bus.Publish(Event{Kind: EventSessionStatus, SessionID: s.id, Status: status})
	if m.sink != nil {
		m.sink.StreamEnded(s.id, status, s.Output())
	}

	m.log.Debug("session finished",
		zap.String("session", s.id),
		zap.String("status", string(status)),
		zap.String("reason", reason))

	return true
}

func (m *Manager) clearActive(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}
