// Package config provides configuration types and loading for concord.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Discord, Database, Relay, Registry, Events, Log.
type Config struct {
	Discord  DiscordConfig  `json:"discord"`
	Database DatabaseConfig `json:"database"`
	Relay    RelayConfig    `json:"relay"`
	Registry RegistryConfig `json:"registry"`
	Events   EventsConfig   `json:"events"`
	Log      LogConfig      `json:"log"`
}

// ---------------------------------------------------------------------------
// Discord – bot session
// ---------------------------------------------------------------------------

// DiscordConfig configures the bot session.
type DiscordConfig struct {
	Token   string `json:"token"`
	AppName string `json:"appName" split_words:"true"`
	// Intents overrides the gateway intents bitmask; zero uses the defaults.
	Intents        int           `json:"intents"`
	HandlerTimeout time.Duration `json:"handlerTimeout" split_words:"true"`
	WebhookTimeout time.Duration `json:"webhookTimeout" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Database – SQLite store
// ---------------------------------------------------------------------------

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ---------------------------------------------------------------------------
// Relay – fan-out and group defaults
// ---------------------------------------------------------------------------

// RelayConfig tunes message relaying and new group defaults.
type RelayConfig struct {
	FanOutLimit     int `json:"fanOutLimit" split_words:"true"`
	CorrelationSize int `json:"correlationSize" split_words:"true"`
	// OverflowPolicy is one of file, truncate or abort.
	OverflowPolicy       string `json:"overflowPolicy" split_words:"true"`
	DefaultChannelLimit  int    `json:"defaultChannelLimit" split_words:"true"`
	DefaultMaxCharacters int    `json:"defaultMaxCharacters" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Registry – channel registry caches
// ---------------------------------------------------------------------------

// RegistryConfig tunes the registry negative cache.
type RegistryConfig struct {
	NegativeTTL  time.Duration `json:"negativeTTL" split_words:"true"`
	NegativeSize int           `json:"negativeSize" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Events – lifecycle event sinks
// ---------------------------------------------------------------------------

// EventsConfig configures where lifecycle events are forwarded.
type EventsConfig struct {
	Buffer int         `json:"buffer"`
	Slack  SlackConfig `json:"slack"`
	Kafka  KafkaConfig `json:"kafka"`
}

// SlackConfig posts lifecycle events to an incoming webhook.
type SlackConfig struct {
	WebhookURL string `json:"webhookUrl" split_words:"true"`
}

// KafkaConfig publishes lifecycle events to a topic.
type KafkaConfig struct {
	Brokers string `json:"brokers"`
	Topic   string `json:"topic"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			AppName:        "Concord",
			HandlerTimeout: 30 * time.Second,
			WebhookTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "~/.concord/concord.db",
		},
		Relay: RelayConfig{
			FanOutLimit:          8,
			CorrelationSize:      10000,
			OverflowPolicy:       "file",
			DefaultChannelLimit:  15,
			DefaultMaxCharacters: 2000,
		},
		Registry: RegistryConfig{
			NegativeTTL:  30 * time.Second,
			NegativeSize: 1024,
		},
		Events: EventsConfig{
			Buffer: 256,
			Kafka: KafkaConfig{
				Topic: "concord.events",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
