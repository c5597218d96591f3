package main

import (
	"fmt"
	"path/filepath"

	"github.com/loykin/sidecar"
	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/process"
	"github.com/spf13/cobra"
)

func createSettingsCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect or change the saved data directory",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the settings file location",
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := settingsPath(globalFlags.ConfigPath)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get",
			Short: "Print the saved and the effective data directory",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := sidecar.LoadConfig(globalFlags.ConfigPath)
				if err != nil {
					return fmt.Errorf("error loading config: %w", err)
				}
				s := config.LoadSettings(cfg.App.ID, nil)
				eff, err := process.ResolveDataDir("", s.DataDirectory, cfg.Launch.HomeDirName)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"dataDirectory": s.DataDirectory,
					"effective":     eff,
				})
			},
		},
		&cobra.Command{
			Use:   "set <dir>",
			Short: "Save the preferred data directory (empty string clears it)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := settingsPath(globalFlags.ConfigPath)
				if err != nil {
					return err
				}
				dir := args[0]
				if dir != "" {
					if dir, err = filepath.Abs(dir); err != nil {
						return err
					}
				}
				if err := config.WriteSettings(p, config.Settings{DataDirectory: dir}); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", p)
				return nil
			},
		},
	)
	return cmd
}

func settingsPath(configPath string) (string, error) {
	cfg, err := sidecar.LoadConfig(configPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	return config.SettingsPath(cfg.App.ID)
}
