package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the server's runtime configuration.
type Config struct {
	TCPPort          int
	HTTPPort         int // WebSocket endpoint port (0 = disabled)
	MetricsPort      int // Internal metrics endpoint port (0 = disabled)
	DatabasePath     string
	MessageRateLimit int // Messages per minute per session (0 = unlimited)
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		TCPPort:          7231,
		HTTPPort:         8080,
		MetricsPort:      9090,
		DatabasePath:     "~/.chat/users.db",
		MessageRateLimit: 60,
	}
}

// TOMLConfig is the on-disk configuration file structure.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MessageRateLimit int `toml:"message_rate_limit"`
}

// DefaultTOMLConfig returns the default configuration file contents.
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      def.TCPPort,
			HTTPPort:     def.HTTPPort,
			MetricsPort:  def.MetricsPort,
			DatabasePath: def.DatabasePath,
		},
		Limits: LimitsSection{
			MessageRateLimit: def.MessageRateLimit,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating the default file
// if it does not exist, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultTOMLConfig()
		if err := writeConfig(path, cfg); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to write default config: %w", err)
		}
		applyEnvOverrides(&cfg)
		return cfg, nil
	}

	var cfg TOMLConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// ToConfig converts the file structure to runtime configuration.
func (c TOMLConfig) ToConfig() Config {
	return Config{
		TCPPort:          c.Server.TCPPort,
		HTTPPort:         c.Server.HTTPPort,
		MetricsPort:      c.Server.MetricsPort,
		DatabasePath:     c.Server.DatabasePath,
		MessageRateLimit: c.Limits.MessageRateLimit,
	}
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}

func writeConfig(path string, cfg TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// applyEnvOverrides lets deployment environments override ports and the
// database path without editing the config file.
func applyEnvOverrides(cfg *TOMLConfig) {
	if v := os.Getenv("CHAT_TCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.TCPPort = port
		}
	}
	if v := os.Getenv("CHAT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("CHAT_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("CHAT_DATABASE_PATH"); v != "" {
		cfg.Server.DatabasePath = v
	}
}
