package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/concord-relay/concord/internal/platform"
)

// DefaultIntents are the gateway intents the relay needs.
const DefaultIntents = discordgo.IntentGuilds |
	discordgo.IntentGuildMessages |
	discordgo.IntentGuildWebhooks |
	discordgo.IntentMessageContent

// Handler receives gateway events, already converted.
type Handler interface {
	MessageCreate(ctx context.Context, m *platform.Message)
	MessageUpdate(ctx context.Context, m *platform.Message)
	MessageDelete(ctx context.Context, m *platform.Message)
	WebhooksUpdate(ctx context.Context, guildID, channelID string)
}

// NewSession creates a bot session for token. A zero intents value selects
// DefaultIntents.
func NewSession(token string, intents int) (*discordgo.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = DefaultIntents
	if intents != 0 {
		s.Identify.Intents = discordgo.Intent(intents)
	}
	s.StateEnabled = true
	return s, nil
}

// Gateway routes session events to a Handler.
type Gateway struct {
	session  *discordgo.Session
	handler  Handler
	removers []func()
}

// NewGateway creates a gateway over s.
func NewGateway(s *discordgo.Session, h Handler) *Gateway {
	return &Gateway{session: s, handler: h}
}

func (g *Gateway) Name() string { return "discord" }

// Start registers the event handlers and opens the websocket. Handlers run
// with ctx until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	s := g.session
	g.removers = append(g.removers,
		s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			slog.Info("Discord session ready", "user", r.User.Username, "guilds", len(r.Guilds))
		}),
		s.AddHandler(func(s *discordgo.Session, e *discordgo.MessageCreate) {
			g.handler.MessageCreate(ctx, ConvertMessage(s.State, e.Message))
		}),
		s.AddHandler(func(s *discordgo.Session, e *discordgo.MessageUpdate) {
			g.handler.MessageUpdate(ctx, ConvertMessage(s.State, e.Message))
		}),
		s.AddHandler(func(s *discordgo.Session, e *discordgo.MessageDelete) {
			g.handler.MessageDelete(ctx, ConvertMessage(s.State, e.Message))
		}),
		s.AddHandler(func(_ *discordgo.Session, e *discordgo.WebhooksUpdate) {
			g.handler.WebhooksUpdate(ctx, e.GuildID, e.ChannelID)
		}),
	)
	if err := s.Open(); err != nil {
		g.Stop()
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

// Stop removes the handlers and closes the websocket.
func (g *Gateway) Stop() error {
	for _, remove := range g.removers {
		remove()
	}
	g.removers = nil
	return g.session.Close()
}
