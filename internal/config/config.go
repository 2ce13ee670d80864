// Package config loads environment configuration and persists user
// settings between runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Workers sizes the extraction pool. Zero means one per CPU.
	Workers int
	// CacheDir holds the per-run sqlite cache. Empty places the cache
	// inside the scanned directory.
	CacheDir string
	// SettingsPath is the persisted-settings YAML file location.
	SettingsPath string

	LogLevel  string
	LogFormat string
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	return &Config{
		Workers:      envInt("DUPSNAP_WORKERS", 0),
		CacheDir:     os.Getenv("DUPSNAP_CACHE_DIR"),
		SettingsPath: envString("DUPSNAP_SETTINGS", defaultSettingsPath()),
		LogLevel:     envString("DUPSNAP_LOG_LEVEL", "info"),
		LogFormat:    envString("DUPSNAP_LOG_FORMAT", "console"),
	}
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dupsnap", "settings.yaml")
}

// Settings are the last-used tuning knobs, reloaded as defaults on the next
// run. Calibrated threshold values are never persisted: they are valid only
// within the batch they were computed from.
type Settings struct {
	SimilarityThreshold int     `yaml:"similarity_threshold"`
	BlurPercentile      float64 `yaml:"blur_percentile"`
	NoisePercentile     float64 `yaml:"noise_percentile"`
	BlurMethod          string  `yaml:"blur_method"`
	Fingerprint         string  `yaml:"fingerprint"`
}

func DefaultSettings() Settings {
	return Settings{
		SimilarityThreshold: 5,
		BlurPercentile:      20,
		NoisePercentile:     80,
		BlurMethod:          "vol+hfr",
		Fingerprint:         "phash",
	}
}

// LoadSettings reads persisted settings; a missing file yields defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

// Save persists settings, creating parent directories as needed.
func (s Settings) Save(path string) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return nil
}
