package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/avreli/modelhost/pkg/runtime"
	"github.com/avreli/modelhost/pkg/settings"
)

var verbosityCmd = &cobra.Command{
	Use:   "verbosity [level]",
	Short: "Show or set the diagnostic verbosity",
	Long: `Without an argument, prints the persisted verbosity. With one,
persists it and forwards it to the daemon if one is reachable. Running
clients pick the change up through their settings watcher.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return showVerbosity()
		}
		return setVerbosity(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(verbosityCmd)
}

func showVerbosity() error {
	st, err := settings.Load(settingsPath())
	if err != nil {
		return err
	}
	fmt.Println(st.Current().Verbosity)
	return nil
}

func setVerbosity(ctx context.Context, level string) error {
	if _, err := zapcore.ParseLevel(level); err != nil {
		return fmt.Errorf("unknown level %q", level)
	}

	st, err := settings.Load(settingsPath())
	if err != nil {
		return err
	}

	rt, err := runtime.New(runtime.Config{Settings: st})
	if err != nil {
		return err
	}
	defer rt.Close()

	// Forwarding needs a live daemon, persisting does not.
	connectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	connected := rt.Connect(connectCtx) == nil
	cancel()

	if err := rt.SetVerbosity(ctx, level); err != nil {
		return err
	}
	if !connected {
		fmt.Fprintln(os.Stderr, "daemon unreachable; level persisted, applies on next connect")
	}
	return nil
}
