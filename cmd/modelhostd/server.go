package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/avreli/modelhost/pkg/transport"
	"github.com/avreli/modelhost/pkg/wire"
)

// server hosts the engine over WebSocket. Each accepted connection gets its
// own serve loop; generations on a connection are serialized, a second
// generate while one is running is answered with an error event.
type server struct {
	backend Backend
	log     *zap.Logger
	level   zap.AtomicLevel
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/engine", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Accept(w, r)
		if err != nil {
			s.log.Warn("accept failed", zap.Error(err))
			return
		}
		s.log.Info("client connected", zap.String("remote", r.RemoteAddr))
		s.serve(conn)
		s.log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
	})
	return mux
}

// serve runs the command loop for one connection until the client goes away.
func (s *server) serve(conn transport.EngineConn) {
	defer conn.Close()

	var (
		mu        sync.Mutex
		activeID  string
		cancelGen context.CancelFunc
		wg        sync.WaitGroup
	)

	clear := func(id string) {
		mu.Lock()
		if activeID == id {
			activeID = ""
			cancelGen = nil
		}
		mu.Unlock()
	}

	for cmd := range conn.Commands() {
		switch cmd.Type {
		case wire.CmdInit:
			s.setLevel(cmd.Init.Verbosity)
			if err := conn.Emit(context.Background(), wire.NewReady()); err != nil {
				s.log.Warn("ready emit failed", zap.Error(err))
			}

		case wire.CmdGenerate:
			req := *cmd.Generate

			mu.Lock()
			if activeID != "" {
				mu.Unlock()
				_ = conn.Emit(context.Background(), wire.NewError(req.ID, "engine busy"))
				continue
			}
			genCtx, cancel := context.WithCancel(context.Background())
			activeID = req.ID
			cancelGen = cancel
			mu.Unlock()

			s.log.Debug("generation started",
				zap.String("session", req.ID),
				zap.String("model", req.Config.Model))

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer cancel()
				defer clear(req.ID)
				s.runGeneration(genCtx, conn, req)
			}()

		case wire.CmdCancel:
			mu.Lock()
			if activeID == cmd.Cancel.ID && cancelGen != nil {
				cancelGen()
			}
			mu.Unlock()

		case wire.CmdSetLogLevel:
			s.setLevel(cmd.SetLogLevel.Level)
		}
	}

	// Connection gone; tear down any in-flight generation.
	mu.Lock()
	if cancelGen != nil {
		cancelGen()
	}
	mu.Unlock()
	wg.Wait()
}

func (s *server) runGeneration(ctx context.Context, conn transport.EngineConn, req wire.GenerateCommand) {
	err := s.backend.Generate(ctx, req, func(text string) error {
		return conn.Emit(ctx, wire.NewFragment(req.ID, text))
	})

	switch {
	case err == nil:
		_ = conn.Emit(context.Background(), wire.NewDone(req.ID))
		s.log.Debug("generation done", zap.String("session", req.ID))
	case errors.Is(err, context.Canceled):
		// Cancelled by the client, which has already settled the session
		// locally. Nothing to report.
		s.log.Debug("generation cancelled", zap.String("session", req.ID))
	default:
		s.log.Warn("generation failed", zap.String("session", req.ID), zap.Error(err))
		_ = conn.Emit(context.Background(), wire.NewError(req.ID, err.Error()))
	}
}

// setLevel applies a client-requested verbosity to the daemon logger. An
// unknown level is ignored, matching the client's never-fail override rule.
func (s *server) setLevel(level string) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		s.log.Warn("unknown log level", zap.String("level", level))
		return
	}
	s.level.SetLevel(parsed)
	s.log.Debug("log level set", zap.String("level", level))
}
