package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SettingsFile is the settings file name inside the app config directory.
const SettingsFile = "settings.json"

// dataDirectoryKey is the settings key holding the preferred data directory.
const dataDirectoryKey = "dataDirectory"

// Settings are the user preferences persisted next to the application.
type Settings struct {
	DataDirectory string `json:"dataDirectory,omitempty"`
}

// SettingsPath returns <user config dir>/<appID>/settings.json.
func SettingsPath(appID string) (string, error) {
	if appID == "" {
		appID = DefaultAppID
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, appID, SettingsFile), nil
}

// ReadSettings reads the settings file. A missing file, unparsable JSON or a
// missing or non-string dataDirectory all yield empty settings; the reason is
// logged at debug level and never returned.
func ReadSettings(path string, log *slog.Logger) Settings {
	if log == nil {
		log = slog.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		log.Debug("no usable settings file", "path", path, "error", err)
		return Settings{}
	}
	raw, ok := v.Get(dataDirectoryKey).(string)
	if !ok || raw == "" {
		log.Debug("settings file has no data directory", "path", path)
		return Settings{}
	}
	return Settings{DataDirectory: raw}
}

// LoadSettings resolves the settings path for appID and reads it.
func LoadSettings(appID string, log *slog.Logger) Settings {
	path, err := SettingsPath(appID)
	if err != nil {
		if log != nil {
			log.Debug("settings path unavailable", "error", err)
		}
		return Settings{}
	}
	return ReadSettings(path, log)
}

// WriteSettings stores s at path, creating the directory. Keys keep their
// camel case, which viper's writer would lower-case.
func WriteSettings(path string, s Settings) error {
	if path == "" {
		return errors.New("empty settings path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}
