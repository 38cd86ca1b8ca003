package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/avreli/modelhost/pkg/settings"
	"github.com/avreli/modelhost/pkg/transport"
	"github.com/avreli/modelhost/pkg/wire"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Ask the daemon to stop a running generation",
	Long: `Sends a best-effort cancel for a session started by another client
process. The owning client settles the session on its side; this only stops
the daemon from burning tokens on it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCancel(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(ctx context.Context, sessionID string) error {
	st, err := settings.Load(settingsPath())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tr, err := transport.DialWS(ctx, st.Current().DaemonURL)
	if err != nil {
		return err
	}
	defer tr.Close()

	if err := tr.Send(ctx, wire.NewInit(st.Current().Verbosity)); err != nil {
		return err
	}

	// The daemon acknowledges init before acting on anything else.
	select {
	case evt, ok := <-tr.Events():
		if !ok || evt.Type != wire.EvtReady {
			return fmt.Errorf("daemon did not acknowledge init")
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := tr.Send(ctx, wire.NewCancel(sessionID)); err != nil {
		return err
	}
	fmt.Printf("cancel sent for %s\n", sessionID)
	return nil
}
