package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

// Config holds all configuration for the scraper
type Config struct {
	Username           string          `mapstructure:"username"`
	Password           string          `mapstructure:"password"`
	Host               string          `mapstructure:"host"`
	Interval           time.Duration   `mapstructure:"interval"`
	Timeout            time.Duration   `mapstructure:"timeout"`
	InsecureSkipVerify bool            `mapstructure:"insecure_skip_verify"`
	Retries            uint64          `mapstructure:"retries"`
	Listen             string          `mapstructure:"listen"`
	NotificationLimit  int             `mapstructure:"notification_limit"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
	MQTT               MQTTConfig      `mapstructure:"mqtt"`
	Timescale          TimescaleConfig `mapstructure:"timescale"`
	Valkey             ValkeyConfig    `mapstructure:"valkey"`
}

type RateLimitConfig struct {
	Every time.Duration `mapstructure:"every"`
	Burst int           `mapstructure:"burst"`
}

// MQTTConfig holds the optional MQTT sink settings. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// TimescaleConfig holds the optional history sink settings. An empty URL disables it.
type TimescaleConfig struct {
	URL       string `mapstructure:"url"`
	TableName string `mapstructure:"table_name"`
}

// ValkeyConfig holds the optional latest-reading cache settings. An empty address disables it.
type ValkeyConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Flags registers the command line flags on fs.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("username", "u", "", "GreenSens account login")
	fs.StringP("password", "p", "", "GreenSens account password")
	fs.String("host", greensens.DefaultHost, "API base URL")
	fs.DurationP("interval", "i", time.Minute, "Polling interval")
	fs.Duration("timeout", 10*time.Second, "Per request timeout")
	fs.Bool("insecure-skip-verify", true, "Skip TLS certificate verification")
	fs.Uint64("retries", 0, "Retries for transport errors and 5xx responses")
	fs.String("listen", ":9101", "Address for the Prometheus endpoint, empty to disable")
	fs.String("config", ".", "Directory containing config.yaml")
}

// Load reads configuration from defaults, an optional config.yaml, GREENSENS_*
// environment variables and the flags in fs, in increasing precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GREENSENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flag, key := range map[string]string{
			"username":             "username",
			"password":             "password",
			"host":                 "host",
			"interval":             "interval",
			"timeout":              "timeout",
			"insecure-skip-verify": "insecure_skip_verify",
			"retries":              "retries",
			"listen":               "listen",
		} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}

		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if f := fs.Lookup("config"); f != nil {
			v.AddConfigPath(f.Value.String())
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", greensens.DefaultHost)
	v.SetDefault("interval", time.Minute)
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("insecure_skip_verify", true)
	v.SetDefault("retries", 0)
	v.SetDefault("listen", ":9101")
	v.SetDefault("notification_limit", 500)

	v.SetDefault("rate_limit.every", 5*time.Second)
	v.SetDefault("rate_limit.burst", 4)

	v.SetDefault("mqtt.client_id", "greensens-scraper")
	v.SetDefault("mqtt.topic_prefix", "greensens")

	v.SetDefault("timescale.table_name", "greensens_readings")

	v.SetDefault("valkey.db", 0)
	v.SetDefault("valkey.ttl", 24*time.Hour)

	// empty defaults make the keys visible to AutomaticEnv during Unmarshal
	for _, key := range []string{
		"username", "password",
		"mqtt.broker", "mqtt.username", "mqtt.password",
		"timescale.url",
		"valkey.addr", "valkey.password",
	} {
		v.SetDefault(key, "")
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.NotificationLimit < 0 {
		return fmt.Errorf("notification_limit must not be negative")
	}
	if c.RateLimit.Every > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1")
	}
	return nil
}
