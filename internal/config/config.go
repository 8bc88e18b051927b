package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is built once in main and passed by value. The remote base URLs
// exist so tests can point the auth flow at local fixtures; production
// never overrides them.
type Config struct {
	ListenAddr   string `yaml:"listen_addr" env:"ALTDECK_LISTEN_ADDR"`
	Secret       string `yaml:"secret" env:"ALTDECK_SECRET"`
	SnapshotPath string `yaml:"snapshot_path" env:"ALTDECK_SNAPSHOT_PATH"`
	HistoryDB    string `yaml:"history_db" env:"ALTDECK_HISTORY_DB"`

	RequestTimeout time.Duration `yaml:"request_timeout" env:"ALTDECK_REQUEST_TIMEOUT"`

	AuthBaseURL     string `yaml:"auth_base_url" env:"ALTDECK_AUTH_BASE_URL"`
	WebBaseURL      string `yaml:"web_base_url" env:"ALTDECK_WEB_BASE_URL"`
	UsersBaseURL    string `yaml:"users_base_url" env:"ALTDECK_USERS_BASE_URL"`
	LauncherBaseURL string `yaml:"launcher_base_url" env:"ALTDECK_LAUNCHER_BASE_URL"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:7963",
		SnapshotPath:    defaultSnapshotPath(),
		HistoryDB:       defaultHistoryDBPath(),
		RequestTimeout:  30 * time.Second,
		AuthBaseURL:     "https://auth.roblox.com",
		WebBaseURL:      "https://www.roblox.com",
		UsersBaseURL:    "https://users.roblox.com",
		LauncherBaseURL: "https://assetgame.roblox.com/game/PlaceLauncher.ashx",
	}
}

// Load layers the optional YAML file, then environment overrides, on top
// of the defaults. A missing file at the default path is fine; a missing
// file at an explicitly requested path is an error.
func Load(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env overrides: %w", err)
	}
	return cfg, nil
}

func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "altdeck", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "altdeck.yaml"
	}
	return filepath.Join(home, ".config", "altdeck", "config.yaml")
}

func defaultSnapshotPath() string {
	return filepath.Join(defaultDataDir(), "accounts.json")
}

func defaultHistoryDBPath() string {
	return filepath.Join(defaultDataDir(), "history.db")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "altdeck")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".altdeck"
	}
	return filepath.Join(home, ".local", "share", "altdeck")
}
