// Package config provides YAML+env configuration loading for the
// client, following the teacher's config.Load/Default/MustLoad shape
// built on viper and mapstructure tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root connection configuration: every option in the
// configuration surface plus logging.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	VHost    string `mapstructure:"vhost"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// Mechanism selects the SASL mechanism: PLAIN, AMQPLAIN, or EXTERNAL.
	Mechanism string `mapstructure:"mechanism"`
	// Locale is sent in connection.start-ok; default en_US.
	Locale string `mapstructure:"locale"`

	ConnectTimeoutMS int `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMS    int `mapstructure:"read_timeout_ms"`
	WriteTimeoutMS   int `mapstructure:"write_timeout_ms"`

	// Heartbeat is the client's proposed heartbeat interval in seconds;
	// 0 disables it, subject to tune negotiation with the broker.
	Heartbeat int `mapstructure:"heartbeat"`
	// ChannelMax and FrameMax are client proposals; the broker's
	// counter-proposal and this value are reconciled to their minimum,
	// FrameMax additionally floored at 4096.
	ChannelMax int `mapstructure:"channel_max"`
	FrameMax   int `mapstructure:"frame_max"`

	Keepalive bool `mapstructure:"keepalive"`

	// IOType selects the transport implementation: "tcp" (also used when
	// empty), "tls", "winpipe" (Windows only), or "loopback" (test-only).
	IOType string `mapstructure:"io_type"`
	// WireDialect is "rabbit" or "strict-091".
	WireDialect string `mapstructure:"wire_dialect"`
	// DispatchSignals is loaded and defaulted here but no transport reads
	// it: the tcp and winpipe streams always arm their signal waiter,
	// whatever this value is.
	DispatchSignals bool `mapstructure:"dispatch_signals"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig mirrors the teacher's observability configuration.
type LogConfig struct {
	Level       string         `mapstructure:"level"`
	Format      string         `mapstructure:"format"`
	Outputs     []string       `mapstructure:"outputs"`
	Development bool           `mapstructure:"development"`
	Rotation    RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with the conventional AMQP 0-9-1
// broker defaults (guest/guest on localhost:5672, vhost "/").
func Default() *Config {
	return &Config{
		Host:             "localhost",
		Port:             5672,
		VHost:            "/",
		User:             "guest",
		Password:         "guest",
		Mechanism:        "PLAIN",
		Locale:           "en_US",
		ConnectTimeoutMS: 30000,
		ReadTimeoutMS:    10000,
		WriteTimeoutMS:   10000,
		Heartbeat:        60,
		ChannelMax:       2047,
		FrameMax:         131072,
		Keepalive:        true,
		IOType:           "tcp",
		WireDialect:      "rabbit",
		DispatchSignals:  true,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/amqp091.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise searches
// common locations, and applies AMQP091_-prefixed environment overrides
// (e.g. AMQP091_HEARTBEAT=30).
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AMQP091")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	seedDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv("AMQP091_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("amqp091")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".amqp091"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("vhost", cfg.VHost)
	v.SetDefault("user", cfg.User)
	v.SetDefault("password", cfg.Password)
	v.SetDefault("mechanism", cfg.Mechanism)
	v.SetDefault("locale", cfg.Locale)
	v.SetDefault("connect_timeout_ms", cfg.ConnectTimeoutMS)
	v.SetDefault("read_timeout_ms", cfg.ReadTimeoutMS)
	v.SetDefault("write_timeout_ms", cfg.WriteTimeoutMS)
	v.SetDefault("heartbeat", cfg.Heartbeat)
	v.SetDefault("channel_max", cfg.ChannelMax)
	v.SetDefault("frame_max", cfg.FrameMax)
	v.SetDefault("keepalive", cfg.Keepalive)
	v.SetDefault("io_type", cfg.IOType)
	v.SetDefault("wire_dialect", cfg.WireDialect)
	v.SetDefault("dispatch_signals", cfg.DispatchSignals)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Mechanism) {
	case "plain", "amqplain", "external":
	default:
		return fmt.Errorf("invalid mechanism: %q", c.Mechanism)
	}
	switch strings.ToLower(c.WireDialect) {
	case "rabbit", "strict-091":
	default:
		return fmt.Errorf("invalid wire_dialect: %q", c.WireDialect)
	}
	if c.FrameMax != 0 && c.FrameMax < 4096 {
		c.FrameMax = 4096
	}
	if strings.TrimSpace(c.Locale) == "" {
		c.Locale = "en_US"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
