// Package platform holds the transport-agnostic chat types and the
// collaborator interfaces the relay core consumes.
package platform

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// MaxContentLength is the platform's single-message content limit.
const MaxContentLength = 2000

// ChannelType is the coarse kind of a chat channel.
type ChannelType int

const (
	ChannelText ChannelType = iota
	ChannelNews
	ChannelThread
	ChannelVoice
	ChannelDM
	ChannelOther
)

// Channel is a chat channel inside a guild.
type Channel struct {
	ID      string
	GuildID string
	Name    string
	Type    ChannelType
}

// Registerable reports whether the channel can hold a relay webhook.
func (c *Channel) Registerable() bool {
	return c != nil && c.GuildID != "" && (c.Type == ChannelText || c.Type == ChannelNews)
}

// Webhook is an outgoing webhook on a channel.
type Webhook struct {
	ID        string
	Token     string
	Name      string
	ChannelID string
	GuildID   string
	OwnerID   string
	URL       string
}

// OwnedBy keeps the webhooks created by ownerID.
func OwnedBy(hooks []*Webhook, ownerID string) []*Webhook {
	return lo.Filter(hooks, func(h *Webhook, _ int) bool {
		return h != nil && h.OwnerID == ownerID
	})
}

// ParseEndpoint splits a webhook endpoint URL of the form
// https://host/api/webhooks/<id>/<token> into its id and token.
func ParseEndpoint(endpoint string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", "", fmt.Errorf("parse webhook endpoint: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-3] != "webhooks" {
		return "", "", fmt.Errorf("parse webhook endpoint: unexpected path %q", u.Path)
	}
	id, token = parts[len(parts)-2], parts[len(parts)-1]
	if id == "" || token == "" {
		return "", "", fmt.Errorf("parse webhook endpoint: missing id or token")
	}
	return id, token, nil
}

// Client is the slice of the chat platform API the relay core needs.
type Client interface {
	// BotUserID returns the user id the bot runs as.
	BotUserID() string
	Channel(ctx context.Context, channelID string) (*Channel, error)
	ChannelWebhooks(ctx context.Context, channelID string) ([]*Webhook, error)
	CreateWebhook(ctx context.Context, channelID, name, reason string) (*Webhook, error)
	// MoveWebhook points an existing webhook at another channel.
	MoveWebhook(ctx context.Context, webhookID, channelID string) (*Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
}

// WebhookConn is a transport bound to one webhook endpoint. A conn serves a
// single call and must be closed afterwards.
type WebhookConn interface {
	Execute(ctx context.Context, p *Payload) (*Message, error)
	EditMessage(ctx context.Context, messageID string, p *Payload) (*Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	Close() error
}

// WebhookDialer opens short-lived conns to webhook endpoints.
type WebhookDialer interface {
	Dial(endpoint string) (WebhookConn, error)
}
