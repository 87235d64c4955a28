package redisstream

import (
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// SectionSlug is the glazed section holding the Redis Streams flags.
const SectionSlug = "redis"

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" glazed:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr" yaml:"redis-addr" glazed:"redis-addr"`
	Topic    string `mapstructure:"topic" yaml:"topic" glazed:"redis-topic"`
	Group    string `mapstructure:"group" yaml:"group" glazed:"redis-group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer" glazed:"redis-consumer"`
}

const DefaultTopic = "opsdeck.events"

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Topic:    DefaultTopic,
		Group:    "opsdeck-tail",
		Consumer: "tail-1",
	}
}

// NewSection returns the glazed section for Redis Streams settings. Its
// defaults are empty so that unset flags leave the loaded configuration alone
// (see Overlay).
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis configuration for Watermill Redis Streams",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Enable Redis Streams transport for events")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis address host:port")),
			fields.New("redis-topic", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis stream carrying relayed events")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis consumer name")),
		),
	)
}

// Overlay returns s with every non-empty field of o applied on top.
func (s Settings) Overlay(o Settings) Settings {
	if o.Enabled {
		s.Enabled = true
	}
	if v := strings.TrimSpace(o.Addr); v != "" {
		s.Addr = v
	}
	if v := strings.TrimSpace(o.Topic); v != "" {
		s.Topic = v
	}
	if v := strings.TrimSpace(o.Group); v != "" {
		s.Group = v
	}
	if v := strings.TrimSpace(o.Consumer); v != "" {
		s.Consumer = v
	}
	return s
}
