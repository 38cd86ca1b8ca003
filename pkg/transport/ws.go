package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/avreli/modelhost/pkg/wire"
)

// wsEventBuf is the event channel depth of a WebSocket link. Events beyond it
// apply backpressure on the read loop, never reorder.
const wsEventBuf = 256

// WS is a Transport over a WebSocket connection to the engine daemon.
type WS struct {
	conn   *websocket.Conn
	events chan wire.Event

	closeOnce sync.Once
}

// DialWS connects to the engine daemon at the given ws:// or wss:// URL and
// starts the read loop. The returned transport's event channel closes when
// the connection drops.
func DialWS(ctx context.Context, url string) (*WS, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	t := &WS{
		conn:   conn,
		events: make(chan wire.Event, wsEventBuf),
	}
	go t.readLoop()
	return t, nil
}

// readLoop decodes incoming events in arrival order. Any read or decode error
// ends the loop and closes the event channel; the ordering guarantee comes
// from the single reader on the single connection.
func (t *WS) readLoop() {
	defer close(t.events)
	for {
		_, data, err := t.conn.Read(context.Background())
		if err != nil {
			return
		}
		evt, err := wire.DecodeEvent(data)
		if err != nil {
			// A malformed frame means the peer is not speaking our
			// protocol; drop the link rather than guess.
			_ = t.Close()
			return
		}
		t.events <- evt
	}
}

// Send encodes and writes one command.
func (t *WS) Send(ctx context.Context, cmd wire.Command) error {
	data, err := wire.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: send %s: %w", cmd.Type, err)
	}
	return nil
}

// Events returns the ordered event stream.
func (t *WS) Events() <-chan wire.Event { return t.events }

// Close closes the connection. The read loop then closes the event channel.
func (t *WS) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
	return nil
}

// WSEngineConn adapts an accepted server-side WebSocket connection to the
// EngineConn interface. Used by the daemon.
type WSEngineConn struct {
	conn *websocket.Conn
	cmds chan wire.Command

	closeOnce sync.Once
}

// NewWSEngineConn wraps an accepted connection and starts its command read
// loop.
func NewWSEngineConn(conn *websocket.Conn) *WSEngineConn {
	c := &WSEngineConn{
		conn: conn,
		cmds: make(chan wire.Command, wsEventBuf),
	}
	go c.readLoop()
	return c
}

func (c *WSEngineConn) readLoop() {
	defer close(c.cmds)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}
		cmd, err := wire.DecodeCommand(data)
		if err != nil {
			_ = c.Close()
			return
		}
		c.cmds <- cmd
	}
}

// Commands returns the ordered command stream.
func (c *WSEngineConn) Commands() <-chan wire.Command { return c.cmds }

// Emit encodes and writes one event.
func (c *WSEngineConn) Emit(ctx context.Context, evt wire.Event) error {
	data, err := wire.EncodeEvent(evt)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: emit %s: %w", evt.Type, err)
	}
	return nil
}

// Close closes the connection.
func (c *WSEngineConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "engine closing")
	})
	return nil
}

// Accept upgrades an HTTP request to a WebSocket engine connection. The
// daemon calls this from its handler.
func Accept(w http.ResponseWriter, r *http.Request) (*WSEngineConn, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return NewWSEngineConn(conn), nil
}
