package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avreli/modelhost/pkg/engine"
	"github.com/avreli/modelhost/pkg/params"
	"github.com/avreli/modelhost/pkg/runtime"
	"github.com/avreli/modelhost/pkg/session"
	"github.com/avreli/modelhost/pkg/settings"
)

var overrideRaw string

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Stream one generation session",
	Long: `Connects to the daemon, reconciles any sessions interrupted by a
previous crash, and streams the generated output to stdout.

Overrides apply to this invocation only, e.g.:

  modelhost run --override "temperature=0.2&max_tokens=256" explain monads`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().StringVar(&overrideRaw, "override", "", "query-string parameter overrides for this run")
	rootCmd.AddCommand(runCmd)
}

func runGenerate(ctx context.Context, prompt string) error {
	st, err := settings.Load(settingsPath())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dataDir(), 0o755); err != nil {
		return err
	}

	rt, err := runtime.New(runtime.Config{
		Settings:    st,
		MarkerPath:  filepath.Join(dataDir(), "markers.db"),
		HistoryPath: filepath.Join(dataDir(), "history.jsonl"),
		Overrides:   params.ParseQueryString(overrideRaw),
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	// Edits to the settings file apply mid-run; verbosity changes reach the
	// daemon through the diagnostics bridge.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() { _ = st.WatchFile(watchCtx) }()

	sub := rt.Events().Subscribe(256)
	defer rt.Events().Unsubscribe(sub)

	connectCtx, cancel := context.WithTimeout(ctx, engine.DefaultConnectTimeout)
	err = rt.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", st.Current().DaemonURL, err)
	}

	s, err := rt.Generate(ctx, prompt)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// After the first interrupt the done channel is nilled out so the loop
	// keeps draining events until the terminal status arrives.
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = rt.Cancel(cancelCtx, s.ID())
			cancel()

		case e := <-sub.C:
			if e.SessionID != s.ID() {
				continue
			}
			switch {
			case e.Kind == session.EventSessionFragment:
				fmt.Print(e.Fragment)
			case e.Kind == session.EventSessionStatus && e.Status.Terminal():
				fmt.Println()
				return reportOutcome(s)
			}
		}
	}
}

func reportOutcome(s *session.Session) error {
	switch s.Status() {
	case session.StatusCompleted:
		return nil
	case session.StatusCancelled:
		fmt.Fprintln(os.Stderr, "cancelled")
		return nil
	case session.StatusFailed:
		return fmt.Errorf("generation failed: %s", s.FailReason())
	default:
		return nil
	}
}
