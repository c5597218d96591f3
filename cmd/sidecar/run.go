package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/sidecar"
	"github.com/loykin/sidecar/internal/logger"
)

// childExitError reports a sidecar that exited with a non-zero status.
type childExitError struct {
	pid  int
	code *int
}

func (e childExitError) Error() string {
	if e.code == nil {
		return fmt.Sprintf("sidecar %d was killed by a signal", e.pid)
	}
	return fmt.Sprintf("sidecar %d exited with status %d", e.pid, *e.code)
}

func setupLogger(cfg logger.Config) (*slog.Logger, func(), error) {
	log, closer, err := logger.New(cfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return log, func() {
		if closer != nil {
			_ = closer.Close()
		}
	}, nil
}

func runSupervisor(ctx context.Context, configPath string, flags RunFlags, autoStart bool) error {
	cfg, err := sidecar.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closeLog, err := setupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("error configuring logger: %w", err)
	}
	defer closeLog()

	sup, err := sidecar.New(cfg, sidecar.WithLogger(log))
	if err != nil {
		return err
	}
	defer sup.ShutdownHook()

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		ms := sidecar.NewMetricsServer(cfg.Metrics.Listen)
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
		defer func() { _ = ms.Close() }()
		log.Info("serving metrics", "listen", cfg.Metrics.Listen)
	}

	if flags.Serve {
		srv, err := sup.Serve()
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()
		log.Info("serving control API", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", cfg.Server.TLS.Enabled)
	}

	events, cancel := sup.Events(256)
	defer cancel()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if autoStart {
		if _, err := sup.Start(ctx, sidecar.LaunchRequest{DataDir: flags.DataDir}); err != nil {
			return err
		}
	}
	return watch(ctx, log, events, autoStart && flags.ExitWithChild)
}

// watch logs bus events until ctx ends or, with exitWithChild, until the
// child terminates on its own. Terminations caused by stop or restart do not
// end the watch.
func watch(ctx context.Context, log *slog.Logger, events <-chan sidecar.Event, exitWithChild bool) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Type {
			case sidecar.OutputLine:
				log.Info(e.Line, "pid", e.PID, "stream", "stdout")
			case sidecar.ErrorLine:
				log.Warn(e.Line, "pid", e.PID, "stream", "stderr")
			case sidecar.Ready:
				log.Info("sidecar ready", "pid", e.PID, "port", e.Port)
			case sidecar.StartFailed:
				log.Error("sidecar failed to start", "pid", e.PID, "message", e.Message)
			case sidecar.ChildStopped:
				log.Info("sidecar stopped", "pid", e.PID)
			case sidecar.ChildTerminated:
				if e.Requested {
					log.Debug("stopped sidecar exited", "pid", e.PID)
					continue
				}
				if !exitWithChild {
					log.Warn("sidecar exited", "pid", e.PID)
					continue
				}
				if e.ExitCode != nil && *e.ExitCode == 0 {
					return nil
				}
				return childExitError{pid: e.PID, code: e.ExitCode}
			}
		}
	}
}
