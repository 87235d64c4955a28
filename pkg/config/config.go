package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/opsdeck/pkg/chat/backend"
	"github.com/go-go-golems/opsdeck/pkg/chat/probe"
	"github.com/go-go-golems/opsdeck/pkg/chat/session"
	"github.com/go-go-golems/opsdeck/pkg/logging"
	"github.com/go-go-golems/opsdeck/pkg/persistence/chatstore"
	"github.com/go-go-golems/opsdeck/pkg/realtime/conn"
	"github.com/go-go-golems/opsdeck/pkg/redisstream"
)

const (
	AppName   = "opsdeck"
	EnvPrefix = "OPSDECK"
)

type FeedConfig struct {
	Address   string              `mapstructure:"address" yaml:"address"`
	Token     string              `mapstructure:"token" yaml:"token,omitempty"`
	Heartbeat time.Duration       `mapstructure:"heartbeat" yaml:"heartbeat"`
	Reconnect conn.PolicySettings `mapstructure:"reconnect" yaml:"reconnect"`
}

type RevealConfig struct {
	ChunkSize int           `mapstructure:"chunk-size" yaml:"chunk-size"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
}

type ChatConfig struct {
	Endpoints      []string      `mapstructure:"endpoints" yaml:"endpoints"`
	Token          string        `mapstructure:"token" yaml:"token,omitempty"`
	Session        string        `mapstructure:"session" yaml:"session"`
	ProbeTimeout   time.Duration `mapstructure:"probe-timeout" yaml:"probe-timeout"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	StatusTTL      time.Duration `mapstructure:"status-ttl" yaml:"status-ttl"`
	Reveal         RevealConfig  `mapstructure:"reveal" yaml:"reveal"`
}

// Config is the effective configuration after file, env and flags are merged.
type Config struct {
	Feed        FeedConfig           `mapstructure:"feed" yaml:"feed"`
	Chat        ChatConfig           `mapstructure:"chat" yaml:"chat"`
	History     chatstore.Settings   `mapstructure:"history" yaml:"history"`
	Relay       redisstream.Settings `mapstructure:"relay" yaml:"relay"`
	Log         logging.Settings     `mapstructure:"log" yaml:"log"`
	MetricsAddr string               `mapstructure:"metrics-addr" yaml:"metrics-addr"`
}

// DefaultDir is ~/.opsdeck, or .opsdeck when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, "."+AppName)
}

func DefaultConfigFile() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func SetDefaults(v *viper.Viper) {
	dir := DefaultDir()
	policy := conn.DefaultPolicySettings()
	relay := redisstream.DefaultSettings()

	v.SetDefault("feed.address", "")
	v.SetDefault("feed.token", "")
	v.SetDefault("feed.heartbeat", conn.DefaultHeartbeatInterval)
	v.SetDefault("feed.reconnect.policy", policy.Policy)
	v.SetDefault("feed.reconnect.delay", policy.Delay)
	v.SetDefault("feed.reconnect.max-attempts", policy.MaxAttempts)
	v.SetDefault("feed.reconnect.initial-delay", policy.InitialDelay)
	v.SetDefault("feed.reconnect.max-delay", policy.MaxDelay)

	v.SetDefault("chat.endpoints", []string{})
	v.SetDefault("chat.token", "")
	v.SetDefault("chat.session", session.DefaultSessionID)
	v.SetDefault("chat.probe-timeout", probe.DefaultTimeout)
	v.SetDefault("chat.request-timeout", backend.DefaultRequestTimeout)
	v.SetDefault("chat.status-ttl", probe.DefaultStatusTTL)
	v.SetDefault("chat.reveal.chunk-size", session.DefaultChunkSize)
	v.SetDefault("chat.reveal.interval", session.DefaultRevealInterval)

	v.SetDefault("history.backend", chatstore.BackendFile)
	v.SetDefault("history.dir", filepath.Join(dir, "history"))
	v.SetDefault("history.sqlite-path", filepath.Join(dir, "history.db"))
	v.SetDefault("history.sqlite-dsn", "")
	v.SetDefault("history.redis-addr", "localhost:6379")
	v.SetDefault("history.ttl", time.Duration(0))

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.redis-addr", relay.Addr)
	v.SetDefault("relay.topic", relay.Topic)
	v.SetDefault("relay.group", relay.Group)
	v.SetDefault("relay.consumer", relay.Consumer)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatAuto)
	v.SetDefault("log.with-caller", false)

	v.SetDefault("metrics-addr", "")
}

// NewViper returns a viper instance with defaults and OPSDECK_ env binding.
// configFile may be empty; the default file is then read when it exists.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	explicit := strings.TrimSpace(configFile) != ""
	if !explicit {
		configFile = DefaultConfigFile()
	}
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		var notFound viper.ConfigFileNotFoundError
		if !explicit && errors.As(err, &notFound) {
			return v, nil
		}
		return nil, errors.Wrapf(err, "read config %s", configFile)
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	c.Chat.Endpoints = cleanList(c.Chat.Endpoints)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if _, err := conn.BuildPolicy(c.Feed.Reconnect); err != nil {
		return errors.Wrap(err, "feed.reconnect")
	}
	if c.Feed.Heartbeat < 0 {
		return errors.New("feed.heartbeat must not be negative")
	}
	if a := strings.TrimSpace(c.Feed.Address); a != "" &&
		!strings.HasPrefix(a, "ws://") && !strings.HasPrefix(a, "wss://") {
		return errors.Errorf("feed.address must be a ws:// or wss:// URL, got %q", a)
	}
	if c.Chat.Reveal.ChunkSize <= 0 {
		return errors.New("chat.reveal.chunk-size must be positive")
	}
	if c.Chat.Reveal.Interval < 0 {
		return errors.New("chat.reveal.interval must not be negative")
	}
	switch strings.ToLower(c.History.Backend) {
	case "", chatstore.BackendMemory, chatstore.BackendFile, chatstore.BackendSQLite, chatstore.BackendRedis:
	default:
		return errors.Errorf("unknown history.backend %q", c.History.Backend)
	}
	return nil
}

// cleanList splits comma separated entries and drops blanks, so that env
// values like "a, b" and YAML lists decode the same way.
func cleanList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
