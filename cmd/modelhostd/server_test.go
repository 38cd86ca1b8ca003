package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/avreli/modelhost/pkg/transport"
	"github.com/avreli/modelhost/pkg/wire"
)

// blockingBackend parks every generation until released or cancelled.
type blockingBackend struct {
	started chan string
	release chan struct{}
	fail    error
}

func (b *blockingBackend) Generate(ctx context.Context, req wire.GenerateCommand, emit func(string) error) error {
	b.started <- req.ID
	select {
	case <-b.release:
		if b.fail != nil {
			return b.fail
		}
		return emit("out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{started: make(chan string, 4), release: make(chan struct{})}
}

func serveRig(t *testing.T, backend Backend) transport.Transport {
	t.Helper()

	client, eng := transport.Pipe()
	srv := &server{
		backend: backend,
		log:     zap.NewNop(),
		level:   zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serve(eng)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("serve loop did not stop")
		}
	})

	return client
}

func nextEvent(t *testing.T, client transport.Transport) wire.Event {
	t.Helper()
	select {
	case evt := <-client.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event")
		return wire.Event{}
	}
}

func TestServe_InitThenGenerate(t *testing.T) {
	client := serveRig(t, &echoBackend{})
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, wire.NewInit("info")))
	assert.Equal(t, wire.EvtReady, nextEvent(t, client).Type)

	require.NoError(t, client.Send(ctx, wire.NewGenerate("s1", "one two", wire.GenConfig{MaxTokens: 10})))

	var got string
	for {
		evt := nextEvent(t, client)
		if evt.Type == wire.EvtDone {
			assert.Equal(t, "s1", evt.Done.ID)
			break
		}
		require.Equal(t, wire.EvtFragment, evt.Type)
		got += evt.Fragment.Text
	}
	assert.Equal(t, "one two", got)
}

func TestServe_SecondGenerateIsBusy(t *testing.T) {
	backend := newBlockingBackend()
	client := serveRig(t, backend)
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, wire.NewInit("info")))
	require.Equal(t, wire.EvtReady, nextEvent(t, client).Type)

	require.NoError(t, client.Send(ctx, wire.NewGenerate("s1", "p", wire.GenConfig{})))
	require.Equal(t, "s1", <-backend.started)

	require.NoError(t, client.Send(ctx, wire.NewGenerate("s2", "q", wire.GenConfig{})))

	evt := nextEvent(t, client)
	require.Equal(t, wire.EvtError, evt.Type)
	assert.Equal(t, "s2", evt.Error.ID)
	assert.Contains(t, evt.Error.Reason, "busy")

	close(backend.release)
	for {
		evt := nextEvent(t, client)
		if evt.Type == wire.EvtDone {
			assert.Equal(t, "s1", evt.Done.ID)
			return
		}
	}
}

func TestServe_CancelStopsGeneration(t *testing.T) {
	backend := newBlockingBackend()
	client := serveRig(t, backend)
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, wire.NewInit("info")))
	require.Equal(t, wire.EvtReady, nextEvent(t, client).Type)

	require.NoError(t, client.Send(ctx, wire.NewGenerate("s1", "p", wire.GenConfig{})))
	require.Equal(t, "s1", <-backend.started)

	require.NoError(t, client.Send(ctx, wire.NewCancel("s1")))

	// A cancelled generation ends silently; the client settled it already.
	select {
	case evt := <-client.Events():
		t.Fatalf("unexpected event %s after cancel", evt.Type)
	case <-time.After(100 * time.Millisecond):
	}

	// The slot is free again.
	require.NoError(t, client.Send(ctx, wire.NewGenerate("s2", "q", wire.GenConfig{})))
	require.Equal(t, "s2", <-backend.started)
}

func TestServe_BackendFailureEmitsError(t *testing.T) {
	backend := newBlockingBackend()
	backend.fail = errors.New("model exploded")
	client := serveRig(t, backend)
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, wire.NewInit("info")))
	require.Equal(t, wire.EvtReady, nextEvent(t, client).Type)

	require.NoError(t, client.Send(ctx, wire.NewGenerate("s1", "p", wire.GenConfig{})))
	require.Equal(t, "s1", <-backend.started)
	close(backend.release)

	evt := nextEvent(t, client)
	require.Equal(t, wire.EvtError, evt.Type)
	assert.Equal(t, "s1", evt.Error.ID)
	assert.Contains(t, evt.Error.Reason, "model exploded")
}

func TestServe_SetLogLevel(t *testing.T) {
	client, eng := transport.Pipe()
	srv := &server{
		backend: &echoBackend{},
		log:     zap.NewNop(),
		level:   zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	done := make(chan struct{})
	go func() { defer close(done); srv.serve(eng) }()

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, wire.NewInit("debug")))
	require.Equal(t, wire.EvtReady, nextEvent(t, client).Type)
	require.Eventually(t, func() bool {
		return srv.level.Level() == zapcore.DebugLevel
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Send(ctx, wire.NewSetLogLevel("error")))
	require.Eventually(t, func() bool {
		return srv.level.Level() == zapcore.ErrorLevel
	}, time.Second, 10*time.Millisecond)

	// Unknown levels are ignored.
	require.NoError(t, client.Send(ctx, wire.NewSetLogLevel("loud")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, zapcore.ErrorLevel, srv.level.Level())

	_ = client.Close()
	<-done
}

func TestEchoBackend_RespectsMaxTokens(t *testing.T) {
	b := &echoBackend{}
	var frags []string
	err := b.Generate(context.Background(), wire.GenerateCommand{
		ID:     "s",
		Prompt: "a b c d e",
		Config: wire.GenConfig{MaxTokens: 2},
	}, func(text string) error {
		frags = append(frags, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a ", "b"}, frags)
}
