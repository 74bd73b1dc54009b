package config

import (
	"time"

	"github.com/spf13/viper"
)

// Built-in defaults applied beneath file and environment values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "wss://broker.example.com/ws")
	v.SetDefault("broker.reconnect_base_delay", 2000*time.Millisecond)
	v.SetDefault("broker.reconnect_max_attempts", 5)
	v.SetDefault("broker.chat_resubscribe_delay", 500*time.Millisecond)

	v.SetDefault("api.base_url", "https://api.example.com")
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.addr", "127.0.0.1:8990")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Default returns a fully defaulted configuration, used by `quotewire init`
// to write the starter config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
