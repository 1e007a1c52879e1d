package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Listen string      `mapstructure:"listen"`
		Peers  []string    `mapstructure:"peers"`
		Redis  RedisConfig `mapstructure:"redis"`
		Mongo  MongoConfig `mapstructure:"mongo"`
		Chat   ChatConfig  `mapstructure:"chat"`
		Relay  RelayConfig `mapstructure:"relay"`
		Log    LogConfig   `mapstructure:"log"`
	}

	// RedisConfig with an empty Addr keeps node state in memory.
	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	MongoConfig struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	}

	ChatConfig struct {
		ExpiryWindow       time.Duration `mapstructure:"expiry_window"`
		RetryShortInterval time.Duration `mapstructure:"retry_short_interval"`
		RetryLongInterval  time.Duration `mapstructure:"retry_long_interval"`
		RetryShortCycles   int           `mapstructure:"retry_short_cycles"`
	}

	RelayConfig struct {
		KnownCleanupInterval time.Duration `mapstructure:"known_cleanup_interval"`
		InboundRate          float64       `mapstructure:"inbound_rate"`
		InboundBurst         int           `mapstructure:"inbound_burst"`
		SendBuffer           int           `mapstructure:"send_buffer"`
	}

	LogConfig struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "localhost:9090")
	v.SetDefault("peers", []string{})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "xchat")

	v.SetDefault("chat.expiry_window", "48h")
	v.SetDefault("chat.retry_short_interval", "2m")
	v.SetDefault("chat.retry_long_interval", "10m")
	v.SetDefault("chat.retry_short_cycles", 8)

	v.SetDefault("relay.known_cleanup_interval", "10m")
	v.SetDefault("relay.inbound_rate", 50.0)
	v.SetDefault("relay.inbound_burst", 100)
	v.SetDefault("relay.send_buffer", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// BindFlags registers the command line overrides on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file")
	fs.String("listen", "", "address to accept peer links on")
	fs.StringSlice("peers", nil, "websocket URLs of peers to dial")
	fs.String("redis-addr", "", "redis address, empty keeps state in memory")
	fs.String("mongo-uri", "", "mongodb URI of the keyring")
	fs.String("log-level", "", "debug, info, warn or error")
}

var flagKeys = map[string]string{
	"listen":     "listen",
	"peers":      "peers",
	"redis-addr": "redis.addr",
	"mongo-uri":  "mongo.uri",
	"log-level":  "log.level",
}

// Load merges defaults, the config file, XCHAT_* environment variables and
// the flags in fs, in increasing priority. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetConfigName("xchat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.xchat")

	v.SetEnvPrefix("XCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Chat.ExpiryWindow <= 0:
		return fmt.Errorf("chat.expiry_window must be positive, got %s", c.Chat.ExpiryWindow)
	case c.Chat.RetryShortInterval <= 0 || c.Chat.RetryLongInterval <= 0:
		return fmt.Errorf("chat retry intervals must be positive")
	case c.Chat.RetryShortCycles < 0:
		return fmt.Errorf("chat.retry_short_cycles must not be negative")
	case c.Relay.SendBuffer <= 0:
		return fmt.Errorf("relay.send_buffer must be positive, got %d", c.Relay.SendBuffer)
	}
	return nil
}
