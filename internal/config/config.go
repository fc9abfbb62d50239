// Package config loads the daemon configuration from a config file, with
// defaults for a local gateway and environment-variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Storage StorageConfig `mapstructure:"storage"`
	Persist PersistConfig `mapstructure:"persist"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// GatewayConfig points at the conversation gateway's websocket endpoint.
type GatewayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// AgentsConfig shapes the default roster built on first run, before any
// snapshot exists.
type AgentsConfig struct {
	Count int `mapstructure:"count"`
}

// StorageConfig locates the two snapshot tiers.
type StorageConfig struct {
	FilePath string `mapstructure:"file_path"`
	DBPath   string `mapstructure:"db_path"`
}

type PersistConfig struct {
	DebounceMS int `mapstructure:"debounce_ms"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	homeDir, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(filepath.Join(homeDir, ".agentdeck"))
	}

	dataDir := defaultDataDir()

	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8790)
	viper.SetDefault("gateway.url", "ws://127.0.0.1:18789")
	viper.SetDefault("gateway.token", "")
	viper.SetDefault("agents.count", 3)
	viper.SetDefault("storage.file_path", filepath.Join(dataDir, "deck.json"))
	viper.SetDefault("storage.db_path", filepath.Join(dataDir, "deck.db"))
	viper.SetDefault("persist.debounce_ms", 160)
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file is fine, defaults plus env cover local use.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvOverrides(&cfg)

	return &cfg, nil
}

func loadEnvOverrides(cfg *Config) {
	if host := os.Getenv("AGENTDECK_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("AGENTDECK_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if url := os.Getenv("AGENTDECK_GATEWAY_URL"); url != "" {
		cfg.Gateway.URL = url
	}
	if token := os.Getenv("AGENTDECK_GATEWAY_TOKEN"); token != "" {
		cfg.Gateway.Token = token
	}
	if count := os.Getenv("AGENTDECK_AGENT_COUNT"); count != "" {
		if n, err := strconv.Atoi(count); err == nil && n > 0 {
			cfg.Agents.Count = n
		}
	}
	if path := os.Getenv("AGENTDECK_FILE_PATH"); path != "" {
		cfg.Storage.FilePath = path
	}
	if path := os.Getenv("AGENTDECK_DB_PATH"); path != "" {
		cfg.Storage.DBPath = path
	}
	if level := os.Getenv("AGENTDECK_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".agentdeck")
}
