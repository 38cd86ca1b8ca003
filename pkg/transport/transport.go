// Package transport carries wire messages between the client and the engine
// process. The client sees a Transport: an ordered, asynchronous command/event
// link. The engine process sees the mirror image, an EngineConn. Both sides of
// an in-memory Pipe are provided for tests and embedded engines; the
// WebSocket implementation connects to a detached engine daemon.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/avreli/modelhost/pkg/wire"
)

// ErrClosed is returned by Send and Emit after the link has been closed.
var ErrClosed = errors.New("transport: closed")

// Transport is the client side of an engine link. Events are delivered on a
// single ordered channel; the channel is closed when the link goes down, which
// is the client's only disconnection signal.
type Transport interface {
	// Send enqueues a command. It does not wait for the engine to act on it.
	Send(ctx context.Context, cmd wire.Command) error

	// Events returns the ordered event stream. Closed on disconnect.
	Events() <-chan wire.Event

	// Close tears down the link. Safe to call more than once.
	Close() error
}

// EngineConn is the engine side of a link.
type EngineConn interface {
	// Commands returns the ordered command stream. Closed on disconnect.
	Commands() <-chan wire.Command

	// Emit enqueues an event for the client.
	Emit(ctx context.Context, evt wire.Event) error

	// Close tears down the link. Safe to call more than once.
	Close() error
}

// pipeBuf is the channel depth of an in-memory pipe. Large enough that a
// streaming engine never blocks on a reading client in tests.
const pipeBuf = 256

type pipe struct {
	cmds   chan wire.Command
	events chan wire.Event

	mu     sync.Mutex
	closed bool
}

type pipeClient struct{ *pipe }

type pipeEngine struct{ *pipe }

// Pipe returns the two ends of an in-memory link. Messages flow in order with
// no encoding step.
func Pipe() (Transport, EngineConn) {
	p := &pipe{
		cmds:   make(chan wire.Command, pipeBuf),
		events: make(chan wire.Event, pipeBuf),
	}
	return pipeClient{p}, pipeEngine{p}
}

func (p *pipe) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.cmds)
	close(p.events)
	return nil
}

func (c pipeClient) Send(ctx context.Context, cmd wire.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c pipeClient) Events() <-chan wire.Event { return c.events }

func (c pipeClient) Close() error { return c.close() }

func (e pipeEngine) Commands() <-chan wire.Command { return e.cmds }

func (e pipeEngine) Emit(ctx context.Context, evt wire.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	select {
	case e.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e pipeEngine) Close() error { return e.close() }
