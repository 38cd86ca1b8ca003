package runtime

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avreli/modelhost/pkg/engine"
	"github.com/avreli/modelhost/pkg/params"
	"github.com/avreli/modelhost/pkg/recovery"
	"github.com/avreli/modelhost/pkg/session"
	"github.com/avreli/modelhost/pkg/settings"
	"github.com/avreli/modelhost/pkg/transport"
	"github.com/avreli/modelhost/pkg/wire"
)

// scriptedEngine fakes the daemon: every dial yields a fresh link whose
// engine side answers init with ready and streams the scripted fragments for
// each generate.
type scriptedEngine struct {
	fragments []string

	mu        sync.Mutex
	generates []wire.GenerateCommand
	logLevels []string
	cancels   []string
	conns     []transport.EngineConn
}

func (f *scriptedEngine) dialer() engine.Dialer {
	return func(context.Context) (transport.Transport, error) {
		client, eng := transport.Pipe()

		f.mu.Lock()
		f.conns = append(f.conns, eng)
		f.mu.Unlock()

		go func() {
			ctx := context.Background()
			for cmd := range eng.Commands() {
				switch cmd.Type {
				case wire.CmdInit:
					_ = eng.Emit(ctx, wire.NewReady())
				case wire.CmdGenerate:
					f.mu.Lock()
					f.generates = append(f.generates, *cmd.Generate)
					f.mu.Unlock()
					for _, frag := range f.fragments {
						_ = eng.Emit(ctx, wire.NewFragment(cmd.Generate.ID, frag))
					}
					_ = eng.Emit(ctx, wire.NewDone(cmd.Generate.ID))
				case wire.CmdCancel:
					f.mu.Lock()
					f.cancels = append(f.cancels, cmd.Cancel.ID)
					f.mu.Unlock()
				case wire.CmdSetLogLevel:
					f.mu.Lock()
					f.logLevels = append(f.logLevels, cmd.SetLogLevel.Level)
					f.mu.Unlock()
				}
			}
		}()

		return client, nil
	}
}

func (f *scriptedEngine) lastGenerate(t *testing.T) wire.GenerateCommand {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.generates)
	return f.generates[len(f.generates)-1]
}

func (f *scriptedEngine) dropLink(t *testing.T) {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.conns)
	require.NoError(t, f.conns[len(f.conns)-1].Close())
}

func newRuntime(t *testing.T, fake *scriptedEngine, mutate func(*Config)) *Runtime {
	t.Helper()

	st, err := settings.Load(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	cfg := Config{Settings: st, Dialer: fake.dialer()}
	if mutate != nil {
		mutate(&cfg)
	}

	rt, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRuntime_GenerateEndToEnd(t *testing.T) {
	fake := &scriptedEngine{fragments: []string{"Hello, ", "world"}}
	rt := newRuntime(t, fake, nil)

	sub := rt.Events().Subscribe(64)
	defer rt.Events().Unsubscribe(sub)

	require.NoError(t, rt.Connect(context.Background()))
	assert.True(t, rt.Connected())

	s, err := rt.Generate(context.Background(), "hello")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := rt.Wait(ctx, s.ID())
	require.NoError(t, err)

	assert.Equal(t, session.StatusCompleted, status)
	assert.Equal(t, "Hello, world", s.Output())

	// Bus saw streaming, at least one fragment, and exactly one terminal
	// status for this session.
	var streaming, fragments, terminals int
	deadline := time.After(time.Second)
	for terminals == 0 {
		select {
		case e := <-sub.C:
			if e.SessionID != s.ID() {
				continue
			}
			switch {
			case e.Kind == session.EventSessionFragment:
				fragments++
			case e.Kind == session.EventSessionStatus && e.Status == session.StatusStreaming:
				streaming++
			case e.Kind == session.EventSessionStatus && e.Status.Terminal():
				terminals++
			}
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
	assert.Equal(t, 1, streaming)
	assert.GreaterOrEqual(t, fragments, 1)
	assert.Equal(t, 1, terminals)
}

func TestRuntime_GenerateBeforeConnect(t *testing.T) {
	rt := newRuntime(t, &scriptedEngine{}, nil)

	_, err := rt.Generate(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotConnected)

	err = rt.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRuntime_OverridesReachEngine(t *testing.T) {
	fake := &scriptedEngine{fragments: []string{"x"}}
	rt := newRuntime(t, fake, func(c *Config) {
		c.Overrides = params.ParseQueryString("temperature=0.1&max_tokens=64")
	})

	require.NoError(t, rt.Connect(context.Background()))

	s, err := rt.Generate(context.Background(), "p")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = rt.Wait(ctx, s.ID())
	require.NoError(t, err)

	gen := fake.lastGenerate(t)
	assert.Equal(t, 0.1, gen.Config.Temperature)
	assert.Equal(t, 64, gen.Config.MaxTokens)
	// Fields without overrides carry the persisted base (here: defaults).
	assert.Equal(t, params.Default.Model, gen.Config.Model)
}

func TestRuntime_ReconcilesDanglingOnConnect(t *testing.T) {
	markerPath := filepath.Join(t.TempDir(), "markers.db")

	// A previous run died mid-stream.
	st, err := recovery.Open(markerPath)
	require.NoError(t, err)
	require.NoError(t, st.Mark("old-session"))
	require.NoError(t, st.Close())

	fake := &scriptedEngine{fragments: []string{"x"}}
	rt := newRuntime(t, fake, func(c *Config) { c.MarkerPath = markerPath })

	sub := rt.Events().Subscribe(16)
	defer rt.Events().Unsubscribe(sub)

	require.NoError(t, rt.Connect(context.Background()))

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Kind == session.EventSessionStatus && e.SessionID == "old-session" {
				assert.Equal(t, session.StatusCancelled, e.Status)
				return
			}
		case <-deadline:
			t.Fatal("dangling session was not reconciled")
		}
	}
}

func TestRuntime_ReconnectAfterDrop(t *testing.T) {
	fake := &scriptedEngine{fragments: []string{"x"}}
	rt := newRuntime(t, fake, nil)

	require.NoError(t, rt.Connect(context.Background()))
	require.True(t, rt.Connected())

	fake.dropLink(t)
	require.Eventually(t, func() bool { return !rt.Connected() }, time.Second, 10*time.Millisecond)

	// Retry is caller-initiated; a second Connect dials a fresh link.
	require.NoError(t, rt.Connect(context.Background()))
	assert.True(t, rt.Connected())

	s, err := rt.Generate(context.Background(), "again")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := rt.Wait(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, status)
}

func TestRuntime_SetVerbosityPersistsAndPropagates(t *testing.T) {
	fake := &scriptedEngine{}
	st, err := settings.Load(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	rt, err := New(Config{Settings: st, Dialer: fake.dialer()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Connect(context.Background()))
	require.NoError(t, rt.SetVerbosity(context.Background(), "debug"))

	assert.Equal(t, "debug", st.Current().Verbosity)

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		for _, lvl := range fake.logLevels {
			if lvl == "debug" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRuntime_ConnectFailureLeavesDisconnected(t *testing.T) {
	st, err := settings.Load(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	// Dial succeeds but the peer never sends ready.
	rt, err := New(Config{
		Settings: st,
		Dialer: func(context.Context) (transport.Transport, error) {
			client, _ := transport.Pipe()
			return client, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = rt.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrConnection)
	assert.False(t, rt.Connected())
}
