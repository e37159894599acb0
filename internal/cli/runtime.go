package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/concord-relay/concord/internal/bot"
	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/config"
	"github.com/concord-relay/concord/internal/discord"
	"github.com/concord-relay/concord/internal/group"
	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/reconcile"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relay"
	"github.com/concord-relay/concord/internal/store"
)

// runtime is the wired relay core shared by serve and the operator commands.
type runtime struct {
	cfg        *config.Config
	store      *store.Store
	events     *bus.EventBus
	registries *registry.Manager
	groups     *group.Manager
	dbPath     string
}

// openRuntime loads config, opens the database and loads every group.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	setupLogging(cfg.Log, os.Stderr)

	dbPath, err := config.ExpandPath(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	overflow, err := relay.ParseResolution(cfg.Relay.OverflowPolicy)
	if err != nil {
		s.Close()
		return nil, err
	}

	events := bus.NewEventBus(cfg.Events.Buffer)
	registries := registry.NewManager(s, discord.NewDialer(cfg.Discord.WebhookTimeout), events, registry.Options{
		NegativeTTL:  cfg.Registry.NegativeTTL,
		NegativeSize: cfg.Registry.NegativeSize,
	})
	groups := group.NewManager(s, registries, events, group.Options{
		DefaultChannelLimit:  cfg.Relay.DefaultChannelLimit,
		DefaultMaxCharacters: cfg.Relay.DefaultMaxCharacters,
		Relay: relay.Options{
			FanOutLimit:     cfg.Relay.FanOutLimit,
			CorrelationSize: cfg.Relay.CorrelationSize,
			Overflow:        relay.StaticOverflow(overflow),
		},
	})
	if err := groups.Load(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("load groups: %w", err)
	}

	return &runtime{
		cfg:        cfg,
		store:      s,
		events:     events,
		registries: registries,
		groups:     groups,
		dbPath:     dbPath,
	}, nil
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// session opens a REST-ready Discord session and resolves the bot user.
func (rt *runtime) session(ctx context.Context) (*discord.Client, error) {
	s, err := discord.NewSession(rt.cfg.Discord.Token, rt.cfg.Discord.Intents)
	if err != nil {
		return nil, err
	}
	client := discord.NewClient(s)
	if err := client.Identify(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// bot wires the bot glue on client. Join and leave never touch the
// platform, so client may be nil for them.
func (rt *runtime) bot(client platform.Client) *bot.Bot {
	return bot.New(client, rt.groups, reconcile.New(client, rt.registries, rt.events), bot.Options{
		HandlerTimeout: rt.cfg.Discord.HandlerTimeout,
		WebhookName:    rt.cfg.Discord.AppName,
	})
}

// subscribeSinks attaches the configured lifecycle event sinks. The returned
// func releases them.
func (rt *runtime) subscribeSinks() func() {
	rt.events.SubscribeAll(bus.LogEvent)
	closers := []func() error{}

	if url := strings.TrimSpace(rt.cfg.Events.Slack.WebhookURL); url != "" {
		sink := bus.NewSlackSink(url,
			bus.GroupCreate, bus.GroupDelete,
			bus.WebhookRepaired, bus.WebhookRelocated, bus.WebhookOrphaned,
			bus.RelayFailed, bus.RequestCreate)
		rt.events.SubscribeAll(sink.Handle)
		slog.Info("Slack event sink enabled")
	}
	if brokers := strings.TrimSpace(rt.cfg.Events.Kafka.Brokers); brokers != "" {
		sink := bus.NewKafkaSink(brokers, rt.cfg.Events.Kafka.Topic)
		rt.events.SubscribeAll(sink.Handle)
		closers = append(closers, sink.Close)
		slog.Info("Kafka event sink enabled", "brokers", brokers, "topic", rt.cfg.Events.Kafka.Topic)
	}
	return func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("Event sink close failed", "error", err)
			}
		}
	}
}

// setupLogging installs the default slog logger.
func setupLogging(cfg config.LogConfig, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
