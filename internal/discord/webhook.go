package discord

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/platform"
)

// Dialer opens single-use webhook conns. Each conn owns its own HTTP client,
// released when the conn is closed.
type Dialer struct {
	Timeout time.Duration
}

// NewDialer creates a Dialer with the given per-call timeout.
func NewDialer(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dialer{Timeout: timeout}
}

// Dial implements platform.WebhookDialer.
func (d *Dialer) Dial(endpoint string) (platform.WebhookConn, error) {
	id, token, err := platform.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("webhook session: %w", err)
	}
	s.Client = &http.Client{Timeout: d.Timeout}
	s.ShouldRetryOnRateLimit = false
	return &conn{session: s, id: id, token: token}, nil
}

type conn struct {
	session *discordgo.Session
	id      string
	token   string
}

func (c *conn) Execute(ctx context.Context, p *platform.Payload) (*platform.Message, error) {
	msg, err := c.session.WebhookExecute(c.id, c.token, true, webhookParams(p), discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return relayed(msg, c.id), nil
}

func (c *conn) EditMessage(ctx context.Context, messageID string, p *platform.Payload) (*platform.Message, error) {
	msg, err := c.session.WebhookMessageEdit(c.id, c.token, messageID, webhookEdit(p), discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return relayed(msg, c.id), nil
}

func (c *conn) DeleteMessage(ctx context.Context, messageID string) error {
	return c.session.WebhookMessageDelete(c.id, c.token, messageID, discordgo.WithContext(ctx))
}

func (c *conn) Close() error {
	if c.session == nil {
		return nil
	}
	c.session.Client.CloseIdleConnections()
	c.session = nil
	return nil
}

func relayed(m *discordgo.Message, webhookID string) *platform.Message {
	if m == nil {
		return &platform.Message{WebhookID: webhookID}
	}
	return &platform.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		WebhookID: webhookID,
		Content:   m.Content,
	}
}

// passthroughContent appends links for attachments forwarded as-is, which the
// client renders inline.
func passthroughContent(p *platform.Payload) string {
	if len(p.Attachments) == 0 {
		return p.Content
	}
	links := lo.Map(p.Attachments, func(a platform.Attachment, _ int) string { return a.URL })
	if p.Content == "" {
		return strings.Join(links, "\n")
	}
	return p.Content + "\n" + strings.Join(links, "\n")
}

func webhookParams(p *platform.Payload) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Content:         passthroughContent(p),
		Username:        p.Username,
		AvatarURL:       p.AvatarURL,
		Embeds:          embeds(p.Embeds),
		Files:           files(p.Files),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}

func webhookEdit(p *platform.Payload) *discordgo.WebhookEdit {
	content := passthroughContent(p)
	e := embeds(p.Embeds)
	if e == nil {
		e = []*discordgo.MessageEmbed{}
	}
	return &discordgo.WebhookEdit{
		Content:         &content,
		Embeds:          &e,
		Files:           files(p.Files),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}

func embeds(in []platform.Embed) []*discordgo.MessageEmbed {
	if len(in) == 0 {
		return nil
	}
	return lo.Map(in, func(e platform.Embed, _ int) *discordgo.MessageEmbed {
		out := &discordgo.MessageEmbed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
		}
		if e.ImageURL != "" {
			out.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
		}
		if e.ThumbnailURL != "" {
			out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
		}
		if e.FooterText != "" {
			out.Footer = &discordgo.MessageEmbedFooter{Text: e.FooterText}
		}
		return out
	})
}

func files(in []platform.File) []*discordgo.File {
	if len(in) == 0 {
		return nil
	}
	return lo.Map(in, func(f platform.File, _ int) *discordgo.File {
		return &discordgo.File{Name: f.Name, ContentType: f.ContentType, Reader: bytes.NewReader(f.Data)}
	})
}
