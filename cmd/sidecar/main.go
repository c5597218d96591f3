package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for run and serve
type RunFlags struct {
	DataDir       string
	Serve         bool
	ExitWithChild bool
}

// APIFlags holds flags for commands talking to a running supervisor
type APIFlags struct {
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
	DataDir    string
}

func (f *APIFlags) client() *APIClient {
	return NewAPIClient(f.APIUrl, f.APITimeout).WithToken(f.APIToken)
}

// ProbeFlags holds flags for the probe command
type ProbeFlags struct {
	Port     uint16
	Attempts int
	Interval time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createServeCommand(globalFlags),
		createStatusCommand(),
		createStartCommand(),
		createStopCommand(),
		createRestartCommand(),
		createProbeCommand(globalFlags),
		createSettingsCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidecar",
		Short: "Launch and supervise an application's helper process",
		Long: `Sidecar starts a helper server next to a host application, waits for it
to announce its port and pass its health check, and stops it again on exit.

Examples:
  sidecar run --config sidecar.toml
  sidecar serve --config sidecar.toml      # control API only, start on demand
  sidecar status --api-url=http://127.0.0.1:8089/api
  sidecar settings set /srv/notes-data`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sidecar and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd.Context(), globalFlags.ConfigPath, *flags, true)
		},
	}
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "data directory handed to the sidecar")
	cmd.Flags().BoolVar(&flags.Serve, "serve", false, "also expose the control API on [server].listen")
	cmd.Flags().BoolVar(&flags.ExitWithChild, "exit-with-child", true, "exit when the sidecar terminates")
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{Serve: true}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the control API; the sidecar is started on request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd.Context(), globalFlags.ConfigPath, *flags, false)
		},
	}
	return cmd
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "control API URL (e.g. http://127.0.0.1:8089/api)")
	cmd.Flags().StringVar(&flags.APIToken, "api-token", os.Getenv("SIDECAR_SERVER_TOKEN"), "bearer token for the control API")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createStatusCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := flags.client().Status()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createStartCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Ask a running supervisor to start the sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := flags.client().Start(flags.DataDir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	addAPIFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "absolute data directory for this start")
	return cmd
}

func createStopCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running supervisor to stop the sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := flags.client().Stop()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createRestartCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Ask a running supervisor to restart the sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := flags.client().Restart(flags.DataDir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	addAPIFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "absolute data directory for the new child")
	return cmd
}
