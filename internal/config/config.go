package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/gmsas95/medimate/internal/errors"
)

// Config holds all configuration for MediMate
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Reminders RemindersConfig `mapstructure:"reminders"`
	Push      PushConfig      `mapstructure:"push"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string   `mapstructure:"address"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"read_timeout"`
	WriteTimeout int      `mapstructure:"write_timeout"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
}

// RemindersConfig controls reminder reconciliation and local triggers
type RemindersConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	CallTimeout          time.Duration `mapstructure:"call_timeout"`
	ResyncInterval       time.Duration `mapstructure:"resync_interval"`
	Timezone             string        `mapstructure:"timezone"`
	NotificationsGranted bool          `mapstructure:"notifications_granted"`
	TitleTemplate        string        `mapstructure:"title_template"`
	BodyTemplate         string        `mapstructure:"body_template"`
	// Scopes opened at startup
	Patients []string `mapstructure:"patients"`
}

// PushConfig holds push relay settings
type PushConfig struct {
	URL               string        `mapstructure:"url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
}

// RedisConfig enables the Redis change feed
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.SetDefault("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "medimate.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "medimate.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables (MEDIMATE_SERVER_PORT, MEDIMATE_PUSH_URL, etc.)
	v.SetEnvPrefix("MEDIMATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyAliases(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("reminders.enabled", true)
	v.SetDefault("reminders.call_timeout", 10*time.Second)
	v.SetDefault("reminders.resync_interval", 5*time.Minute)
	v.SetDefault("reminders.timezone", "Local")
	v.SetDefault("reminders.notifications_granted", true)
	v.SetDefault("reminders.title_template", "Take your medication: %s")
	v.SetDefault("reminders.body_template", "It's time to take %s")
	v.SetDefault("reminders.patients", []string{})

	v.SetDefault("push.url", "https://exp.host/--/api/v2/push/send")
	v.SetDefault("push.timeout", 10*time.Second)
	v.SetDefault("push.requests_per_second", 10.0)
	v.SetDefault("push.burst", 5)
	v.SetDefault("push.breaker_failures", 5)
	v.SetDefault("push.breaker_timeout", 30*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "medimate:medications")

	v.SetDefault("logging.level", "info")
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "medimate")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "medimate")
}

// applyAliases fills settings from the short env names in envAliases
func applyAliases(cfg *Config) {
	if v := ResolveEnvWithAliases("MEDIMATE_PUSH_URL"); v != "" {
		cfg.Push.URL = v
	}
	if v := ResolveEnvWithAliases("MEDIMATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := ResolveEnvWithAliases("MEDIMATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := ResolveEnvWithAliases("MEDIMATE_REMINDERS_TIMEZONE"); v != "" {
		cfg.Reminders.Timezone = v
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Reminders.CallTimeout <= 0 {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "reminders.call_timeout must be positive")
	}
	if cfg.Reminders.ResyncInterval < 0 {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "reminders.resync_interval must not be negative")
	}
	if _, err := cfg.Location(); err != nil {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, err, "reminders.timezone %q", cfg.Reminders.Timezone)
	}
	if !strings.Contains(cfg.Reminders.TitleTemplate, "%s") || !strings.Contains(cfg.Reminders.BodyTemplate, "%s") {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "reminder templates need a %%s placeholder for the medication name")
	}
	if cfg.Push.URL == "" {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "push.url is required")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, nil, "redis.addr is required when redis is enabled")
	}
	return nil
}

// Location resolves the reminder timezone
func (c *Config) Location() (*time.Location, error) {
	switch c.Reminders.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(c.Reminders.Timezone)
}

// ListenAddr returns host:port for the HTTP server
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
