// Package fake is an in-memory chat platform: channels, bot-owned webhooks
// and the messages posted through them. It implements platform.Client and
// platform.WebhookDialer for tests and dry runs.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/concord-relay/concord/internal/platform"
)

// ErrUnknownWebhook is returned for calls against deleted or unknown webhooks.
var ErrUnknownWebhook = errors.New("unknown webhook")

// Sent is a message posted through a webhook.
type Sent struct {
	ID        string
	WebhookID string
	ChannelID string
	Payload   platform.Payload
	Edits     int
	Deleted   bool
}

// Platform is the in-memory platform.
type Platform struct {
	mu       sync.Mutex
	botID    string
	seq      int
	channels map[string]*platform.Channel
	hooks    map[string]*platform.Webhook
	messages map[string]*Sent
	failing  map[string]bool
	dials    int
	open     int
}

// New creates an empty platform where the bot runs as botID.
func New(botID string) *Platform {
	return &Platform{
		botID:    botID,
		channels: make(map[string]*platform.Channel),
		hooks:    make(map[string]*platform.Webhook),
		messages: make(map[string]*Sent),
		failing:  make(map[string]bool),
	}
}

func (p *Platform) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s%d", prefix, p.seq)
}

// AddChannel registers a text channel in guildID.
func (p *Platform) AddChannel(channelID, guildID string) *platform.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &platform.Channel{ID: channelID, GuildID: guildID, Name: channelID, Type: platform.ChannelText}
	p.channels[channelID] = ch
	return ch
}

// AddWebhook creates a webhook on channelID owned by ownerID.
func (p *Platform) AddWebhook(channelID, ownerID string) *platform.Webhook {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addWebhook(channelID, ownerID, "Concord")
}

func (p *Platform) addWebhook(channelID, ownerID, name string) *platform.Webhook {
	id := p.nextID("wh")
	token := "tok-" + id
	h := &platform.Webhook{
		ID:        id,
		Token:     token,
		Name:      name,
		ChannelID: channelID,
		OwnerID:   ownerID,
		URL:       fmt.Sprintf("https://discord.test/api/webhooks/%s/%s", id, token),
	}
	if ch, ok := p.channels[channelID]; ok {
		h.GuildID = ch.GuildID
	}
	p.hooks[id] = h
	return h
}

// RemoveWebhook deletes a webhook behind the bot's back.
func (p *Platform) RemoveWebhook(webhookID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hooks, webhookID)
}

// RelocateWebhook moves a webhook to another channel behind the bot's back.
func (p *Platform) RelocateWebhook(webhookID, channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.hooks[webhookID]; ok {
		h.ChannelID = channelID
	}
}

// Webhook returns a copy of the webhook, or nil.
func (p *Platform) Webhook(webhookID string) *platform.Webhook {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hooks[webhookID]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// Fail makes every webhook call landing in channelID fail.
func (p *Platform) Fail(channelID string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[channelID] = fail
}

// Messages returns the live messages posted into channelID, oldest first.
func (p *Platform) Messages(channelID string) []*Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Sent
	for _, m := range p.messages {
		if m.ChannelID == channelID && !m.Deleted {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return seqOf(out[i].ID) < seqOf(out[j].ID) })
	return out
}

// Message returns a copy of the message with id, deleted or not.
func (p *Platform) Message(id string) *Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.messages[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

func seqOf(id string) int {
	n, _ := strconv.Atoi(strings.TrimLeft(id, "abcdefghijklmnopqrstuvwxyz"))
	return n
}

// Dials returns how many conns were opened.
func (p *Platform) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// OpenConns returns how many conns are not yet closed.
func (p *Platform) OpenConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// ---------------------------------------------------------------------------
// platform.Client
// ---------------------------------------------------------------------------

func (p *Platform) BotUserID() string { return p.botID }

func (p *Platform) Channel(_ context.Context, channelID string) (*platform.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", channelID)
	}
	cp := *ch
	return &cp, nil
}

func (p *Platform) ChannelWebhooks(_ context.Context, channelID string) ([]*platform.Webhook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*platform.Webhook
	for _, h := range p.hooks {
		if h.ChannelID == channelID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return seqOf(out[i].ID) < seqOf(out[j].ID) })
	return out, nil
}

func (p *Platform) CreateWebhook(_ context.Context, channelID, name, _ string) (*platform.Webhook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[channelID] {
		return nil, fmt.Errorf("create webhook in %s: missing permissions", channelID)
	}
	h := p.addWebhook(channelID, p.botID, name)
	cp := *h
	return &cp, nil
}

func (p *Platform) MoveWebhook(_ context.Context, webhookID, channelID string) (*platform.Webhook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hooks[webhookID]
	if !ok {
		return nil, ErrUnknownWebhook
	}
	h.ChannelID = channelID
	cp := *h
	return &cp, nil
}

func (p *Platform) DeleteWebhook(_ context.Context, webhookID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.hooks[webhookID]; !ok {
		return ErrUnknownWebhook
	}
	delete(p.hooks, webhookID)
	return nil
}

// ---------------------------------------------------------------------------
// platform.WebhookDialer
// ---------------------------------------------------------------------------

// Dial opens a single-use conn to endpoint.
func (p *Platform) Dial(endpoint string) (platform.WebhookConn, error) {
	id, token, err := platform.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	p.open++
	return &conn{p: p, id: id, token: token}, nil
}

type conn struct {
	p      *Platform
	id     string
	token  string
	closed bool
}

// hook returns the live webhook for the conn. Callers hold p.mu.
func (c *conn) hook() (*platform.Webhook, error) {
	h, ok := c.p.hooks[c.id]
	if !ok || h.Token != c.token {
		return nil, ErrUnknownWebhook
	}
	if c.p.failing[h.ChannelID] {
		return nil, fmt.Errorf("webhook %s: service unavailable", c.id)
	}
	return h, nil
}

func (c *conn) Execute(_ context.Context, payload *platform.Payload) (*platform.Message, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	h, err := c.hook()
	if err != nil {
		return nil, err
	}
	sent := &Sent{ID: c.p.nextID("m"), WebhookID: h.ID, ChannelID: h.ChannelID, Payload: *payload}
	c.p.messages[sent.ID] = sent
	return &platform.Message{ID: sent.ID, ChannelID: h.ChannelID, WebhookID: h.ID, Content: payload.Content}, nil
}

func (c *conn) EditMessage(_ context.Context, messageID string, payload *platform.Payload) (*platform.Message, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	h, err := c.hook()
	if err != nil {
		return nil, err
	}
	sent, ok := c.p.messages[messageID]
	if !ok || sent.Deleted || sent.WebhookID != h.ID {
		return nil, fmt.Errorf("unknown message %s", messageID)
	}
	sent.Payload = *payload
	sent.Edits++
	return &platform.Message{ID: sent.ID, ChannelID: sent.ChannelID, WebhookID: h.ID, Content: payload.Content}, nil
}

func (c *conn) DeleteMessage(_ context.Context, messageID string) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	h, err := c.hook()
	if err != nil {
		return err
	}
	sent, ok := c.p.messages[messageID]
	if !ok || sent.Deleted || sent.WebhookID != h.ID {
		return fmt.Errorf("unknown message %s", messageID)
	}
	sent.Deleted = true
	return nil
}

func (c *conn) Close() error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.p.open--
	}
	return nil
}
