package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/manager"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/probe"
	"github.com/loykin/sidecar/internal/process"
	itls "github.com/loykin/sidecar/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SIDECAR_PROBE_ATTEMPTS.
const EnvPrefix = "SIDECAR"

// DefaultAppID names the per-user config directory holding settings.json.
const DefaultAppID = "sidecar"

// Config represents the top-level TOML structure.
type Config struct {
	App       AppConfig               `mapstructure:"app"`
	Launch    process.Config          `mapstructure:"launch"`
	EnvFiles  []string                `mapstructure:"env_files"`
	Probe     probe.Config            `mapstructure:"probe"`
	Lifecycle manager.LifecycleConfig `mapstructure:"lifecycle"`
	Log       logger.Config           `mapstructure:"log"`
	Metrics   MetricsConfig           `mapstructure:"metrics"`
	Server    ServerConfig            `mapstructure:"server"`
	History   HistoryConfig           `mapstructure:"history"`
}

type AppConfig struct {
	ID string `mapstructure:"id"` // settings live under <user config dir>/<id>
}

type MetricsConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Listen  string              `mapstructure:"listen"`
	Usage   metrics.UsageConfig `mapstructure:"usage"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Token    string      `mapstructure:"token"` // bearer token; empty leaves the API open
	TLS      itls.Config `mapstructure:"tls"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.id", DefaultAppID)

	v.SetDefault("launch.runtime", "")
	v.SetDefault("launch.script", "")
	v.SetDefault("launch.binary", "")
	v.SetDefault("launch.dev_markers", process.DefaultDevMarkers)
	v.SetDefault("launch.sub_dirs", process.DefaultSubDirs)
	v.SetDefault("launch.home_dir_name", process.DefaultHomeDirName)
	v.SetDefault("launch.install_path", "")
	v.SetDefault("launch.env", []string{})
	v.SetDefault("launch.pid_file", "sidecar.pid")
	v.SetDefault("env_files", []string{})

	v.SetDefault("probe.attempts", probe.DefaultAttempts)
	v.SetDefault("probe.interval", probe.DefaultInterval)
	v.SetDefault("probe.host", probe.DefaultHost)
	v.SetDefault("probe.path", probe.DefaultPath)
	v.SetDefault("probe.request_timeout", probe.DefaultRequestTimeout)

	v.SetDefault("lifecycle.settle_delay", manager.DefaultSettleDelay)
	v.SetDefault("lifecycle.shutdown_grace", manager.DefaultShutdownGrace)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.show_time", true)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
	v.SetDefault("metrics.usage.enabled", false)
	v.SetDefault("metrics.usage.interval", 5*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:8089")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.token", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.max_version", "")

	v.SetDefault("history.dsns", []string{})
}

// Load reads the optional TOML file at path, applies SIDECAR_* environment
// overrides and fills defaults. An empty path loads defaults and env only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Validate checks the settings needed to launch a child.
func (c *Config) Validate() error {
	if c.Launch.Binary == "" && c.Launch.Runtime == "" {
		return errors.New("launch: binary or runtime must be set")
	}
	if c.Launch.Runtime != "" && c.Launch.Script == "" {
		return errors.New("launch: runtime requires script")
	}
	if c.Probe.Attempts < 0 {
		return fmt.Errorf("probe: attempts must not be negative, got %d", c.Probe.Attempts)
	}
	if strings.TrimSpace(c.App.ID) == "" {
		return errors.New("app: id must not be empty")
	}
	return nil
}

// ChildEnv returns the variables handed to the child: env_files in order,
// then launch.env entries overriding them.
func (c *Config) ChildEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	return append(out, c.Launch.Env...), nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes) and returns them in file order. Lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
