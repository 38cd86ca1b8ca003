package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/avreli/modelhost/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage the persisted settings file",
}

var settingsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a settings file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := settingsPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		st, err := settings.Load(path)
		if err != nil {
			return err
		}
		// Load starts from defaults when the file is missing; an empty
		// update persists them.
		if err := st.Update(func(*settings.Settings) {}); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := settings.Load(settingsPath())
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(st.Current())
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsInitCmd, settingsShowCmd)
	rootCmd.AddCommand(settingsCmd)
}
