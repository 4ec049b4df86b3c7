package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool   `json:"crashReporting"`          // Whether to send crash reports to Sentry
	DefaultReader  string `json:"defaultReader,omitempty"` // Reader name preferred by the CLI
	LogLevel       string `json:"logLevel,omitempty"`      // Minimum level kept in the log buffer
}

var (
	current      *Settings
	mu           sync.RWMutex
	pathOverride string
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
		LogLevel:       "info",
	}
}

// SetPath points Load and Save at path instead of the user config
// directory. An empty path restores the default.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOverride = path
	current = nil
}

// getSettingsPath returns the path to the settings file.
func getSettingsPath() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "mifare-agent", "settings.json"), nil
}

// Validate checks field values.
func (s *Settings) Validate() error {
	if s.LogLevel != "" {
		if _, ok := logging.ParseLevel(s.LogLevel); !ok {
			return fmt.Errorf("invalid log level %q", s.LogLevel)
		}
	}
	return nil
}

// Load reads settings from disk, or returns defaults if file doesn't exist.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	path, err := getSettingsPath()
	if err != nil {
		current = DefaultSettings()
		return current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		current = DefaultSettings()
		if os.IsNotExist(err) {
			return current, nil
		}
		return current, err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		current = DefaultSettings()
		return current, err
	}
	if err := s.Validate(); err != nil {
		current = DefaultSettings()
		return current, err
	}

	current = s
	return current, nil
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := getSettingsPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}

	// Replace the file in one step so a crash mid-write keeps the old one.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Get returns a copy of the current settings (loads from disk if not yet
// loaded).
func Get() Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return *current
	}
	mu.RUnlock()

	// Not loaded yet, load now
	s, _ := Load()
	return *s
}

// Update applies fn to the current settings, validates the result and
// saves it. Nothing changes if validation fails.
func Update(fn func(*Settings)) (Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		current = DefaultSettings()
	}
	next := *current
	fn(&next)
	if err := next.Validate(); err != nil {
		return *current, err
	}
	current = &next
	return next, saveLocked()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	_, err := Update(func(s *Settings) { s.CrashReporting = enabled })
	return err
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}
