// Package config provides configuration management for RepoLens.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for RepoLens.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Validation ValidationConfig `mapstructure:"validation"`
	Render     RenderConfig     `mapstructure:"render"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration. The server binds to
// loopback only; Port is the base of the probe range.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig holds the agent subprocess configuration.
type AgentConfig struct {
	// Command is the agent CLI binary (default: claude).
	Command string `mapstructure:"command"`

	// Args are extra arguments appended to the agent command line.
	Args []string `mapstructure:"args"`

	// Model is the default model id; empty selects the registry default.
	Model string `mapstructure:"model"`
}

// SupervisorConfig holds crash-restart and health-watchdog tuning.
type SupervisorConfig struct {
	BackoffBase       time.Duration `mapstructure:"backoffBase"`
	BackoffMax        time.Duration `mapstructure:"backoffMax"`
	MaxCrashRestarts  int           `mapstructure:"maxCrashRestarts"`
	HealthInterval    time.Duration `mapstructure:"healthInterval"`
	SilenceTimeout    time.Duration `mapstructure:"silenceTimeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
}

// ValidationConfig holds diagram validation configuration.
type ValidationConfig struct {
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RenderConfig holds markdown renderer configuration.
type RenderConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChatConfig holds chat transcript configuration.
type ChatConfig struct {
	// RecentLimit caps the chat_history frame pushed on connect.
	RecentLimit int `mapstructure:"recentLimit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("REPOLENS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4517)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.model", "")

	// Supervisor defaults
	v.SetDefault("supervisor.backoffBase", "2s")
	v.SetDefault("supervisor.backoffMax", "15s")
	v.SetDefault("supervisor.maxCrashRestarts", 5)
	v.SetDefault("supervisor.healthInterval", "15s")
	v.SetDefault("supervisor.silenceTimeout", "10s")
	v.SetDefault("supervisor.heartbeatInterval", "15s")

	// Validation defaults (mermaid CLI)
	v.SetDefault("validation.command", "mmdc")
	v.SetDefault("validation.args", []string{})
	v.SetDefault("validation.maxAttempts", 3)
	v.SetDefault("validation.timeout", "30s")

	// Render defaults (GitHub-flavored markdown to HTML5)
	v.SetDefault("render.command", "pandoc")
	v.SetDefault("render.args", []string{"--from", "gfm", "--to", "html5"})
	v.SetDefault("render.timeout", "30s")

	// Chat defaults
	v.SetDefault("chat.recentLimit", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix REPOLENS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.repolens/, or /etc/repolens/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified file or directory,
// falling back to the default search locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("REPOLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("server.port", "REPOLENS_SERVER_PORT", "REPOLENS_PORT")
	_ = v.BindEnv("agent.command", "REPOLENS_AGENT_COMMAND")
	_ = v.BindEnv("agent.model", "REPOLENS_AGENT_MODEL")
	_ = v.BindEnv("supervisor.maxCrashRestarts", "REPOLENS_SUPERVISOR_MAX_CRASH_RESTARTS")
	_ = v.BindEnv("validation.command", "REPOLENS_VALIDATION_COMMAND")
	_ = v.BindEnv("render.command", "REPOLENS_RENDER_COMMAND")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return nil, fmt.Errorf("config path %s: %w", configPath, err)
		}
		if info.IsDir() {
			v.AddConfigPath(configPath)
		} else {
			// An explicit file wins over the search paths.
			v.SetConfigFile(configPath)
		}
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.repolens")
	}
	v.AddConfigPath("/etc/repolens/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !isLoopback(cfg.Server.Host) {
		errs = append(errs, "server.host must be a loopback address")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}

	if cfg.Supervisor.BackoffBase <= 0 {
		errs = append(errs, "supervisor.backoffBase must be positive")
	}
	if cfg.Supervisor.BackoffMax < cfg.Supervisor.BackoffBase {
		errs = append(errs, "supervisor.backoffMax must be >= supervisor.backoffBase")
	}
	if cfg.Supervisor.MaxCrashRestarts < 0 {
		errs = append(errs, "supervisor.maxCrashRestarts must be >= 0")
	}
	if cfg.Supervisor.HealthInterval <= 0 || cfg.Supervisor.SilenceTimeout <= 0 {
		errs = append(errs, "supervisor health timings must be positive")
	}
	if cfg.Supervisor.HeartbeatInterval <= 0 {
		errs = append(errs, "supervisor.heartbeatInterval must be positive")
	}

	if cfg.Validation.MaxAttempts < 1 {
		errs = append(errs, "validation.maxAttempts must be >= 1")
	}
	if cfg.Validation.Command == "" {
		errs = append(errs, "validation.command is required")
	}

	if cfg.Render.Command == "" {
		errs = append(errs, "render.command is required")
	}

	if cfg.Chat.RecentLimit < 1 {
		errs = append(errs, "chat.recentLimit must be >= 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func isLoopback(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}
