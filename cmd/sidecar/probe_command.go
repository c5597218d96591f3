package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/sidecar"
	"github.com/loykin/sidecar/internal/probe"
	"github.com/spf13/cobra"
)

func createProbeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ProbeFlags{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run the readiness check against a port",
		Long: `Probe polls http://<probe.host>:<port><probe.path> the way the supervisor
does after a start and exits non-zero if it never answers with 2xx.

Examples:
  sidecar probe --port 4100
  sidecar probe --port 4100 --attempts 5 --interval 1s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sidecar.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			pc := cfg.Probe
			if flags.Attempts > 0 {
				pc.Attempts = flags.Attempts
			}
			if flags.Interval > 0 {
				pc.Interval = flags.Interval
			}
			log, closeLog, err := setupLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer closeLog()

			out := runProbe(cmd, probe.New(pc, log), flags.Port)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), out.Message())
			if out.Kind != probe.Ready {
				return errors.New(out.Kind.String())
			}
			return nil
		},
	}
	cmd.Flags().Uint16Var(&flags.Port, "port", 0, "port to probe (required)")
	cmd.Flags().IntVar(&flags.Attempts, "attempts", 0, "override probe.attempts")
	cmd.Flags().DurationVar(&flags.Interval, "interval", 0, "override probe.interval")
	if err := cmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	return cmd
}

func runProbe(cmd *cobra.Command, p *probe.Prober, port uint16) probe.Outcome {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return p.Probe(ctx, func() (uint16, bool) { return port, port != 0 })
}
