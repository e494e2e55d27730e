// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full bridge configuration.
type Config struct {
	Homeserver struct {
		// Address is the URL the bridge uses to reach the homeserver.
		Address string `yaml:"address"`
		// Domain is the server name used in user IDs and aliases.
		Domain string `yaml:"domain"`
	} `yaml:"homeserver"`

	AppService struct {
		// Hostname and Port are where the appservice HTTP server listens.
		Hostname string `yaml:"hostname"`
		Port     uint16 `yaml:"port"`
		// BotLocalpart is the localpart of the bridge actor's user ID.
		BotLocalpart string `yaml:"bot_localpart"`
		// UserPrefix namespaces ghost user localparts ({prefix}_{name}).
		UserPrefix string `yaml:"user_prefix"`
		// AliasPrefix namespaces room aliases (#{prefix}_{channel}:domain).
		AliasPrefix string `yaml:"alias_prefix"`
	} `yaml:"appservice"`

	Mixer struct {
		// APIURL overrides the REST API base URL. Empty means production.
		APIURL string `yaml:"api_url"`
		Token  string `yaml:"token"`
		// ClientID is the registered OAuth application's client ID.
		ClientID string `yaml:"client_id"`
	} `yaml:"mixer"`

	Bridge struct {
		// ResyncInterval is how often each session re-reconciles room
		// metadata against the upstream channel. Zero disables the timer;
		// the reconciliation at session start always happens.
		ResyncInterval time.Duration `yaml:"resync_interval"`
		// MediaCacheSize caps the in-memory media cache population.
		MediaCacheSize int `yaml:"media_cache_size"`
		// MediaCacheTTL expires in-memory media cache entries.
		MediaCacheTTL time.Duration `yaml:"media_cache_ttl"`
	} `yaml:"bridge"`

	Logging struct {
		// Level is a zerolog level name (trace, debug, info, warn, error).
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads, defaults and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.AppService.Hostname == "" {
		cfg.AppService.Hostname = "0.0.0.0"
	}
	if cfg.AppService.Port == 0 {
		cfg.AppService.Port = 29321
	}
	if cfg.AppService.BotLocalpart == "" {
		cfg.AppService.BotLocalpart = "mixerbot"
	}
	if cfg.AppService.UserPrefix == "" {
		cfg.AppService.UserPrefix = "mixer"
	}
	if cfg.AppService.AliasPrefix == "" {
		cfg.AppService.AliasPrefix = "mixer"
	}
	if cfg.Bridge.MediaCacheSize == 0 {
		cfg.Bridge.MediaCacheSize = 1000
	}
	if cfg.Bridge.MediaCacheTTL == 0 {
		cfg.Bridge.MediaCacheTTL = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the fields that have no usable default.
func (cfg *Config) Validate() error {
	if cfg.Homeserver.Address == "" {
		return fmt.Errorf("config: homeserver.address is required")
	}
	if cfg.Homeserver.Domain == "" {
		return fmt.Errorf("config: homeserver.domain is required")
	}
	if cfg.Mixer.Token == "" {
		return fmt.Errorf("config: mixer.token is required")
	}
	if cfg.Mixer.ClientID == "" {
		return fmt.Errorf("config: mixer.client_id is required")
	}
	return nil
}
