package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Logging LoggingConfig `mapstructure:"logging"`
	History HistoryConfig `mapstructure:"history"`
}

// ServerConfig holds backend endpoint configuration.
type ServerConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"-"`
	TimeoutStr string        `mapstructure:"timeout"`
}

// StreamConfig holds stream reconciliation tuning. The missing-sequence
// threshold and reconnect delay are heuristics, not protocol guarantees,
// so both are exposed here rather than hard-coded.
type StreamConfig struct {
	MissingThreshold     int           `mapstructure:"missing_threshold"`
	ReconnectDelay       time.Duration `mapstructure:"-"`
	ReconnectDelayStr    string        `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BufferSize           int           `mapstructure:"buffer_size"`
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
}

// HistoryConfig holds history fetch configuration.
type HistoryConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// Global config instance.
var cfg *Config

// Get returns the global config instance.
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Loaded reports whether Load has been called.
func Loaded() bool {
	return cfg != nil
}

// Set replaces the global config instance. Used by tests.
func Set(c *Config) {
	cfg = c
}

// Load loads configuration from file and environment.
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./.beck") // Check project directory first
		viper.AddConfigPath(filepath.Join(xdgConfigHome, "beck"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings")
	}

	viper.AutomaticEnv()
	bindEnvironmentVariables()

	// Missing config file is fine; defaults and env cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := processDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a config populated with defaults only, without touching
// viper's global state. Used by tests and the demo command.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:     "http://localhost:8420",
			Timeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			MissingThreshold:     5,
			ReconnectDelay:       2 * time.Second,
			MaxReconnectAttempts: 5,
			BufferSize:           64,
		},
		Logging: LoggingConfig{
			LogFile:  "./.beck/system.log",
			Preserve: false,
			Level:    "info",
		},
		History: HistoryConfig{
			PageSize: 50,
		},
	}
}

func setDefaults() {
	viper.SetDefault("server.url", "http://localhost:8420")
	viper.SetDefault("server.timeout", "30s")

	viper.SetDefault("stream.missing_threshold", 5)
	viper.SetDefault("stream.reconnect_delay", "2s")
	viper.SetDefault("stream.max_reconnect_attempts", 5)
	viper.SetDefault("stream.buffer_size", 64)

	viper.SetDefault("logging.log_file", "./.beck/system.log")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("history.page_size", 50)
}

func bindEnvironmentVariables() {
	viper.BindEnv("server.url", "BECK_SERVER_URL")
	viper.BindEnv("server.timeout", "BECK_SERVER_TIMEOUT")
	viper.BindEnv("stream.missing_threshold", "BECK_STREAM_MISSING_THRESHOLD")
	viper.BindEnv("stream.reconnect_delay", "BECK_STREAM_RECONNECT_DELAY")
	viper.BindEnv("stream.max_reconnect_attempts", "BECK_STREAM_MAX_RECONNECT_ATTEMPTS")
	viper.BindEnv("stream.buffer_size", "BECK_STREAM_BUFFER_SIZE")
	viper.BindEnv("logging.log_file", "BECK_LOG_FILE")
	viper.BindEnv("logging.level", "BECK_LOG_LEVEL")
	viper.BindEnv("logging.preserve", "BECK_LOG_PRESERVE")
	viper.BindEnv("history.page_size", "BECK_HISTORY_PAGE_SIZE")
}

// processDurations converts string durations to time.Duration (viper
// doesn't handle time.Duration fields inside nested structs reliably).
func processDurations(cfg *Config) error {
	if cfg.Server.TimeoutStr != "" {
		d, err := time.ParseDuration(cfg.Server.TimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid server.timeout: %w", err)
		}
		cfg.Server.Timeout = d
	} else if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}

	if cfg.Stream.ReconnectDelayStr != "" {
		d, err := time.ParseDuration(cfg.Stream.ReconnectDelayStr)
		if err != nil {
			return fmt.Errorf("invalid stream.reconnect_delay: %w", err)
		}
		cfg.Stream.ReconnectDelay = d
	} else if cfg.Stream.ReconnectDelay == 0 {
		cfg.Stream.ReconnectDelay = 2 * time.Second
	}

	return nil
}

// GetConfigFileUsed returns the path to the config file being used.
func GetConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
