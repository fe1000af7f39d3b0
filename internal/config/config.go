// Package config loads the scan queue configuration from a TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Recorder kinds.
const (
	RecorderPostgres = "postgres"
	RecorderRedis    = "redis"
)

const (
	defaultConfigPath = "~/.config/scanqueue/config.toml"
	defaultDataDir    = "~/.local/share/scanqueue"
	defaultListenAddr = "127.0.0.1:7490"
	defaultLogLevel   = "info"
	defaultRedisList  = "scanqueue:collections"
)

// QueueConfig tunes deduplication and retention.
type QueueConfig struct {
	DuplicateWindow        time.Duration
	MaxRetries             int
	CleanupMaxAge          time.Duration
	CleanupMaxRetries      int
	StalePendingMultiplier int
	PurgeStalePending      bool
	CleanupSchedule        string
}

// NetworkConfig tunes the connectivity monitor.
type NetworkConfig struct {
	Debounce          time.Duration
	ReconnectDebounce time.Duration
	InitialOnline     bool
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	AutoSync      bool
	RecordTimeout time.Duration
}

// RecorderConfig selects and configures the remote ledger.
type RecorderConfig struct {
	Kind          string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisList     string
}

// Config is the full scan queue configuration.
type Config struct {
	DataDir    string
	ListenAddr string
	LogLevel   string
	Queue      QueueConfig
	Network    NetworkConfig
	Sync       SyncConfig
	Recorder   RecorderConfig
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:    mustExpand(defaultDataDir),
		ListenAddr: defaultListenAddr,
		LogLevel:   defaultLogLevel,
		Queue: QueueConfig{
			DuplicateWindow:        5 * time.Minute,
			MaxRetries:             3,
			CleanupMaxAge:          24 * time.Hour,
			CleanupMaxRetries:      5,
			StalePendingMultiplier: 7,
			PurgeStalePending:      true,
			CleanupSchedule:        "@every 1h",
		},
		Network: NetworkConfig{
			Debounce:          time.Second,
			ReconnectDebounce: 2 * time.Second,
			InitialOnline:     true,
		},
		Sync: SyncConfig{
			AutoSync:      true,
			RecordTimeout: 30 * time.Second,
		},
		Recorder: RecorderConfig{
			Kind:      RecorderPostgres,
			RedisList: defaultRedisList,
		},
	}
}

// rawConfig mirrors the file; pointers tell "absent" from zero values.
type rawConfig struct {
	DataDir    string `toml:"data_dir"`
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`
	Queue      struct {
		DuplicateWindow        string `toml:"duplicate_window"`
		MaxRetries             *int   `toml:"max_retries"`
		CleanupMaxAge          string `toml:"cleanup_max_age"`
		CleanupMaxRetries      *int   `toml:"cleanup_max_retries"`
		StalePendingMultiplier *int   `toml:"stale_pending_multiplier"`
		PurgeStalePending      *bool  `toml:"purge_stale_pending"`
		CleanupSchedule        string `toml:"cleanup_schedule"`
	} `toml:"queue"`
	Network struct {
		Debounce          string `toml:"debounce"`
		ReconnectDebounce string `toml:"reconnect_debounce"`
		InitialOnline     *bool  `toml:"initial_online"`
	} `toml:"network"`
	Sync struct {
		AutoSync      *bool  `toml:"auto_sync"`
		RecordTimeout string `toml:"record_timeout"`
	} `toml:"sync"`
	Recorder struct {
		Kind          string `toml:"kind"`
		PostgresDSN   string `toml:"postgres_dsn"`
		RedisAddr     string `toml:"redis_addr"`
		RedisPassword string `toml:"redis_password"`
		RedisDB       *int   `toml:"redis_db"`
		RedisList     string `toml:"redis_list"`
	} `toml:"recorder"`
}

// Load reads path (or the default location when empty), falling back to
// defaults when the file is missing, then applies environment overrides.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return Config{}, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := apply(&cfg, data); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	cfg.DataDir = mustExpand(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg *Config, data []byte) error {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	setString(&cfg.DataDir, raw.DataDir)
	setString(&cfg.ListenAddr, raw.ListenAddr)
	setString(&cfg.LogLevel, raw.LogLevel)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"queue.duplicate_window", raw.Queue.DuplicateWindow, &cfg.Queue.DuplicateWindow},
		{"queue.cleanup_max_age", raw.Queue.CleanupMaxAge, &cfg.Queue.CleanupMaxAge},
		{"network.debounce", raw.Network.Debounce, &cfg.Network.Debounce},
		{"network.reconnect_debounce", raw.Network.ReconnectDebounce, &cfg.Network.ReconnectDebounce},
		{"sync.record_timeout", raw.Sync.RecordTimeout, &cfg.Sync.RecordTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.raw); err != nil {
			return fmt.Errorf("parse config: %s: %w", d.name, err)
		}
	}

	setInt(&cfg.Queue.MaxRetries, raw.Queue.MaxRetries)
	setInt(&cfg.Queue.CleanupMaxRetries, raw.Queue.CleanupMaxRetries)
	setInt(&cfg.Queue.StalePendingMultiplier, raw.Queue.StalePendingMultiplier)
	setBool(&cfg.Queue.PurgeStalePending, raw.Queue.PurgeStalePending)
	setString(&cfg.Queue.CleanupSchedule, raw.Queue.CleanupSchedule)
	setBool(&cfg.Network.InitialOnline, raw.Network.InitialOnline)
	setBool(&cfg.Sync.AutoSync, raw.Sync.AutoSync)

	setString(&cfg.Recorder.Kind, raw.Recorder.Kind)
	setString(&cfg.Recorder.PostgresDSN, raw.Recorder.PostgresDSN)
	setString(&cfg.Recorder.RedisAddr, raw.Recorder.RedisAddr)
	setString(&cfg.Recorder.RedisPassword, raw.Recorder.RedisPassword)
	setInt(&cfg.Recorder.RedisDB, raw.Recorder.RedisDB)
	setString(&cfg.Recorder.RedisList, raw.Recorder.RedisList)
	return nil
}

// applyEnv lets deployment override the file without editing it.
func applyEnv(cfg *Config) {
	setString(&cfg.DataDir, os.Getenv("SCANQUEUE_DATA_DIR"))
	setString(&cfg.ListenAddr, os.Getenv("SCANQUEUE_LISTEN"))
	setString(&cfg.LogLevel, os.Getenv("SCANQUEUE_LOG_LEVEL"))
	setString(&cfg.Recorder.PostgresDSN, os.Getenv("SCANQUEUE_POSTGRES_DSN"))
	setString(&cfg.Recorder.RedisAddr, os.Getenv("SCANQUEUE_REDIS_ADDR"))
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	switch c.Recorder.Kind {
	case RecorderPostgres:
		if c.Recorder.PostgresDSN == "" {
			return errors.New("config: recorder.postgres_dsn is required for the postgres recorder")
		}
	case RecorderRedis:
		if c.Recorder.RedisAddr == "" {
			return errors.New("config: recorder.redis_addr is required for the redis recorder")
		}
	default:
		return fmt.Errorf("config: unknown recorder kind %q", c.Recorder.Kind)
	}
	if c.Queue.MaxRetries <= 0 || c.Queue.CleanupMaxRetries <= 0 {
		return errors.New("config: retry limits must be positive")
	}
	if c.Queue.StalePendingMultiplier <= 0 {
		return errors.New("config: queue.stale_pending_multiplier must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration %q must be positive", v)
	}
	*dst = d
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
