// modelhostd is the engine daemon: a long-lived process hosting model
// generation behind the WebSocket command protocol. It keeps running when
// clients come and go; the client side owns session bookkeeping and recovery.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	listenAddr  string
	backendName string
	verbosity   string
)

var rootCmd = &cobra.Command{
	Use:   "modelhostd",
	Short: "Engine daemon for modelhost",
	Long: `modelhostd hosts model generation behind a WebSocket endpoint.

Clients connect to ws://<listen>/engine, initialize the link, and stream
generation sessions over it. The daemon outlives its clients; a client that
crashes mid-stream reconciles its sessions on the next connect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8091", "address to listen on")
	rootCmd.Flags().StringVar(&backendName, "backend", "ollama", "generation backend (ollama or echo)")
	rootCmd.Flags().StringVar(&verbosity, "verbosity", "info", "initial log level")
}

func runServe(ctx context.Context) error {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if parsed, err := zapcore.ParseLevel(verbosity); err == nil {
		level.SetLevel(parsed)
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = level
	log, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	backend, err := newBackend(backendName)
	if err != nil {
		return err
	}

	srv := &server{backend: backend, log: log, level: level}
	httpSrv := &http.Server{Addr: listenAddr, Handler: srv.handler()}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", listenAddr), zap.String("backend", backendName))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newBackend(name string) (Backend, error) {
	switch name {
	case "ollama":
		return newOllamaBackend()
	case "echo":
		return &echoBackend{delay: 20 * time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
