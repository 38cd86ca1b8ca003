// modelhost is the client CLI: it connects to a running modelhostd daemon,
// streams generation sessions, and manages the persisted settings that every
// session resolves its parameters from.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	settingsFlag string
	envFile      string
)

var rootCmd = &cobra.Command{
	Use:   "modelhost",
	Short: "Client for the modelhost engine daemon",
	Long: `modelhost talks to a modelhostd daemon over WebSocket.

Generation parameters come from the settings file; transient overrides for a
single invocation are passed as a query string via --override and never touch
the persisted settings.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotEnv(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFlag, "settings", "", "path to settings file (default: ~/.modelhost/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "path to .env file (ignored if missing)")
}

// dataDir is where settings, recovery markers, and history live.
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".modelhost"
	}
	return filepath.Join(home, ".modelhost")
}

func settingsPath() string {
	if settingsFlag != "" {
		return settingsFlag
	}
	return filepath.Join(dataDir(), "settings.yaml")
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
