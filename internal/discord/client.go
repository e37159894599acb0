// Package discord adapts discordgo to the platform interfaces: REST calls for
// channels and webhooks, per-call webhook conns, and the gateway session that
// feeds message and webhook events to the bot.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/concord-relay/concord/internal/platform"
)

// Client implements platform.Client on a bot session.
type Client struct {
	session *discordgo.Session
}

// NewClient wraps an authenticated session.
func NewClient(s *discordgo.Session) *Client {
	return &Client{session: s}
}

// BotUserID returns the bot's user id once the session is ready.
func (c *Client) BotUserID() string {
	if c.session.State == nil || c.session.State.User == nil {
		return ""
	}
	return c.session.State.User.ID
}

// Identify resolves the bot user over REST, for sessions that never open
// the gateway.
func (c *Client) Identify(ctx context.Context) error {
	if c.BotUserID() != "" {
		return nil
	}
	u, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("identify bot user: %w", err)
	}
	c.session.State.User = u
	return nil
}

func (c *Client) Channel(ctx context.Context, channelID string) (*platform.Channel, error) {
	if c.session.State != nil {
		if ch, err := c.session.State.Channel(channelID); err == nil {
			return convertChannel(ch), nil
		}
	}
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	return convertChannel(ch), nil
}

func (c *Client) ChannelWebhooks(ctx context.Context, channelID string) ([]*platform.Webhook, error) {
	hooks, err := c.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list webhooks of %s: %w", channelID, err)
	}
	out := make([]*platform.Webhook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, convertWebhook(h))
	}
	return out, nil
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name, reason string) (*platform.Webhook, error) {
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		opts = append(opts, discordgo.WithAuditLogReason(reason))
	}
	h, err := c.session.WebhookCreate(channelID, name, "", opts...)
	if err != nil {
		return nil, fmt.Errorf("create webhook in %s: %w", channelID, err)
	}
	return convertWebhook(h), nil
}

func (c *Client) MoveWebhook(ctx context.Context, webhookID, channelID string) (*platform.Webhook, error) {
	h, err := c.session.WebhookEdit(webhookID, "", "", channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("move webhook %s to %s: %w", webhookID, channelID, err)
	}
	return convertWebhook(h), nil
}

func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	if err := c.session.WebhookDelete(webhookID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete webhook %s: %w", webhookID, err)
	}
	return nil
}

func convertChannel(ch *discordgo.Channel) *platform.Channel {
	return &platform.Channel{
		ID:      ch.ID,
		GuildID: ch.GuildID,
		Name:    ch.Name,
		Type:    channelType(ch.Type),
	}
}

func channelType(t discordgo.ChannelType) platform.ChannelType {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return platform.ChannelText
	case discordgo.ChannelTypeGuildNews:
		return platform.ChannelNews
	case discordgo.ChannelTypeGuildNewsThread, discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread:
		return platform.ChannelThread
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return platform.ChannelVoice
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		return platform.ChannelDM
	default:
		return platform.ChannelOther
	}
}

func convertWebhook(h *discordgo.Webhook) *platform.Webhook {
	w := &platform.Webhook{
		ID:        h.ID,
		Token:     h.Token,
		Name:      h.Name,
		ChannelID: h.ChannelID,
		GuildID:   h.GuildID,
	}
	if h.User != nil {
		w.OwnerID = h.User.ID
	}
	if h.Token != "" {
		w.URL = WebhookURL(h.ID, h.Token)
	}
	return w
}

// WebhookURL is the public endpoint of a webhook.
func WebhookURL(id, token string) string {
	return discordgo.EndpointWebhookToken(id, token)
}
