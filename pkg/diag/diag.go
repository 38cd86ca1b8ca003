// Package diag keeps diagnostic verbosity synchronized between the client
// and the engine process. The local zap logger and the engine's log level are
// driven from one knob: set it before a connection exists and it is applied
// at the next connect; change it while connected and it is forwarded
// immediately.
package diag

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/avreli/modelhost/pkg/engine"
	"github.com/avreli/modelhost/pkg/settings"
	"github.com/avreli/modelhost/pkg/wire"
)

// Bridge owns the process-wide verbosity level.
type Bridge struct {
	atom zap.AtomicLevel
	log  *zap.Logger

	mu     sync.Mutex
	level  string
	handle *engine.Handle
}

// New creates a Bridge at the given level. An unknown level falls back to
// info rather than failing: verbosity comes from user settings and is not
// worth refusing to start over.
func New(level string) *Bridge {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
		level = "info"
	}

	atom := zap.NewAtomicLevelAt(parsed)
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), atom)

	return &Bridge{
		atom:  atom,
		log:   zap.New(core),
		level: level,
	}
}

// Logger returns the bridge's logger. Its level follows SetVerbosity.
func (b *Bridge) Logger() *zap.Logger { return b.log }

// Level returns the current verbosity level name.
func (b *Bridge) Level() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// SetVerbosity applies the level locally and propagates it to the engine if
// one is attached. With no engine attached the level is remembered and
// applied at the next Attach.
func (b *Bridge) SetVerbosity(ctx context.Context, level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("diag: unknown verbosity %q: %w", level, err)
	}

	b.atom.SetLevel(parsed)

	b.mu.Lock()
	b.level = level
	h := b.handle
	b.mu.Unlock()

	if h == nil || !h.Alive() {
		return nil
	}

	if err := h.Send(ctx, wire.NewSetLogLevel(level)); err != nil {
		// The engine will pick the level up at the next connect; local
		// logging already follows it.
		b.log.Debug("verbosity not propagated", zap.String("level", level), zap.Error(err))
		return nil
	}
	h.SetVerbosity(level)
	return nil
}

// Attach binds the bridge to a connected handle. If the handle's init-time
// level differs from the bridge's current one, the current level is forwarded
// immediately after attach.
func (b *Bridge) Attach(ctx context.Context, h *engine.Handle) {
	b.mu.Lock()
	b.handle = h
	level := b.level
	b.mu.Unlock()

	if h == nil || h.Verbosity() == level {
		return
	}

	if err := h.Send(ctx, wire.NewSetLogLevel(level)); err != nil {
		b.log.Debug("verbosity not propagated on attach", zap.String("level", level), zap.Error(err))
		return
	}
	h.SetVerbosity(level)
}

// Detach drops the handle binding, e.g. after a disconnect.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.handle = nil
	b.mu.Unlock()
}

// Follow re-applies the verbosity whenever the settings change, until ctx is
// done. Run it as a goroutine; it is the explicit subscription between the
// settings store and the session manager's diagnostics.
func (b *Bridge) Follow(ctx context.Context, store *settings.Store) {
	for {
		cur, err := store.WaitChange(ctx)
		if err != nil {
			return
		}
		if cur.Verbosity == b.Level() {
			continue
		}
		if err := b.SetVerbosity(ctx, cur.Verbosity); err != nil {
			b.log.Warn("ignoring invalid verbosity from settings", zap.String("level", cur.Verbosity))
		}
	}
}
