// Package session runs generation requests as cancellable streaming sessions.
// A Session is one request's lifecycle from submission to a terminal outcome;
// the Manager serializes sessions on the engine handle, pumps engine events
// into state transitions, and exposes every transition on an EventBus.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/avreli/modelhost/pkg/wire"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a terminal outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// ReasonConnectionLost is the failure reason recorded when the engine link
// drops mid-stream.
const ReasonConnectionLost = "connection-lost"

// Session is one generation request. Fragments accumulate in arrival order;
// once a terminal status is reached the output is frozen and late fragments
// are discarded.
type Session struct {
	id     string
	prompt string
	config wire.GenConfig

	mu         sync.Mutex
	status     Status
	fragments  []string
	failReason string
	done       chan struct{}
}

func newSession(id, prompt string, config wire.GenConfig) *Session {
	return &Session{
		id:     id,
		prompt: prompt,
		config: config,
		status: StatusPending,
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Prompt returns the submitted prompt.
func (s *Session) Prompt() string { return s.prompt }

// Config returns the resolved generation config used for this session.
func (s *Session) Config() wire.GenConfig { return s.config }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Output returns the accumulated output so far. For failed sessions this is
// the preserved partial output.
func (s *Session) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.fragments, "")
}

// Fragments returns a copy of the accumulated fragments in arrival order.
func (s *Session) Fragments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.fragments))
	copy(out, s.fragments)
	return out
}

// FailReason returns the captured failure reason, or "" if the session did
// not fail.
func (s *Session) FailReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// Wait blocks until the session reaches a terminal status or ctx is done.
func (s *Session) Wait(ctx context.Context) (Status, error) {
	select {
	case <-s.done:
		return s.Status(), nil
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// markStreaming moves pending to streaming. Returns false if the session is
// not pending.
func (s *Session) markStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPending {
		return false
	}
	s.status = StatusStreaming
	return true
}

// append adds a fragment in arrival order. Fragments arriving after a
// terminal transition (a late fragment racing a cancel) are discarded.
func (s *Session) append(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusStreaming {
		return false
	}
	s.fragments = append(s.fragments, text)
	return true
}

// finish moves the session to the given terminal status. Returns false if a
// terminal status was already reached; the first terminal transition wins.
func (s *Session) finish(status Status, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.failReason = reason
	close(s.done)
	return true
}
