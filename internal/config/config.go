// Package config loads and holds the application configuration.
// Precedence: environment variables (QUOTEWIRE_ prefix) over the YAML
// config file over built-in defaults.
package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"quotewire/pkg/logger"
)

// Config is the root configuration.
type Config struct {
	Broker BrokerConfig  `mapstructure:"broker" yaml:"broker"`
	API    APIConfig     `mapstructure:"api" yaml:"api"`
	Auth   AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Status StatusConfig  `mapstructure:"status" yaml:"status"`
	Log    logger.Config `mapstructure:"log" yaml:"log"`
}

// BrokerConfig tunes the STOMP broker connection.
type BrokerConfig struct {
	URL string `mapstructure:"url" yaml:"url"`

	// ReconnectBaseDelay is the backoff unit; attempt k waits base*k.
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	// ReconnectMaxAttempts caps consecutive reconnect attempts.
	ReconnectMaxAttempts int `mapstructure:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`
	// ChatResubscribeDelay is the settle time before chat topics are
	// resubscribed after a handshake. Tunable, not a hard contract.
	ChatResubscribeDelay time.Duration `mapstructure:"chat_resubscribe_delay" yaml:"chat_resubscribe_delay"`
}

// APIConfig locates the deals REST API.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AuthConfig identifies the connecting party. Exactly one of CompanyID
// (provider) or AccountID (client) should be set.
type AuthConfig struct {
	Token     string `mapstructure:"token" yaml:"token,omitempty"`
	UserID    int64  `mapstructure:"user_id" yaml:"user_id"`
	CompanyID int64  `mapstructure:"company_id" yaml:"company_id,omitempty"`
	AccountID int64  `mapstructure:"account_id" yaml:"account_id,omitempty"`
}

// StatusConfig tunes the local status HTTP server.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

var (
	globalConfig *Config
	mu           sync.RWMutex
)

// Load reads configuration from path, applying env overrides and defaults.
// A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUOTEWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; any other read or
			// parse failure is surfaced.
			var notFound viper.ConfigFileNotFoundError
			if !os.IsNotExist(err) && !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get returns the currently loaded configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}
