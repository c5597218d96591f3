// Command echo-sidecar is a minimal child for the supervisor: it listens on a
// free loopback port, announces it as PORT=<n> on stdout, answers
// /api/health and keeps its files under $DATA_DIR.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(os.Stdout, os.Getenv("DATA_DIR"), log); err != nil {
		log.Error("echo-sidecar failed", "error", err)
		os.Exit(1)
	}
}

func run(stdout io.Writer, dataDir string, log *slog.Logger) error {
	if dataDir == "" {
		return errors.New("DATA_DIR is not set")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	e := newServer(dataDir)
	e.Listener = ln

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start("") }()

	port := ln.Addr().(*net.TCPAddr).Port
	if err := announce(stdout, port); err != nil {
		_ = e.Close()
		return err
	}
	log.Info("echo-sidecar listening", "port", port, "data_dir", dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// announce writes the port line the supervisor waits for.
func announce(w io.Writer, port int) error {
	_, err := fmt.Fprintf(w, "PORT=%d\n", port)
	return err
}

type health struct {
	Status  string `json:"status"`
	DataDir string `json:"data_dir"`
}

type note struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

func newServer(dataDir string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	api := e.Group("/api")
	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, health{Status: "ok", DataDir: dataDir})
	})
	api.GET("/echo", func(c echo.Context) error {
		return c.String(http.StatusOK, c.QueryParam("msg"))
	})
	// notes live in <DATA_DIR>/storage so restarts with the same directory keep them
	api.PUT("/notes/:name", func(c echo.Context) error {
		name := c.Param("name")
		if !validName(name) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid note name")
		}
		var n note
		if err := c.Bind(&n); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		dir := filepath.Join(dataDir, "storage")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name+".txt"), []byte(n.Body), 0o600); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	})
	api.GET("/notes/:name", func(c echo.Context) error {
		name := c.Param("name")
		if !validName(name) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid note name")
		}
		b, err := os.ReadFile(filepath.Join(dataDir, "storage", name+".txt"))
		if errors.Is(err, os.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound, "no such note")
		}
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, note{Name: name, Body: string(b)})
	})
	return e
}

func validName(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
