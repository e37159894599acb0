package registry

import (
	"context"
	"sync"

	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/relayerr"
	"github.com/concord-relay/concord/internal/store"
)

// Registry links one channel to its outgoing webhook and, optionally, a
// group. Instances are shared between the manager cache and group member
// caches, so writes patch them in place.
type Registry struct {
	manager *Manager

	mu      sync.RWMutex
	id      string
	guildID string
	webhook string
	groupID string
}

func (r *Registry) ID() string { return r.id }

func (r *Registry) GuildID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.guildID
}

// Webhook returns the stored endpoint URL, empty when unregistered.
func (r *Registry) Webhook() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.webhook
}

// GroupID returns the owning group id, empty when the channel is unassigned.
func (r *Registry) GroupID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groupID
}

// IsRegistered reports whether the registry holds a webhook endpoint.
func (r *Registry) IsRegistered() bool {
	return r.Webhook() != ""
}

// WebhookID returns the id part of the endpoint.
func (r *Registry) WebhookID() string {
	id, _, _ := platform.ParseEndpoint(r.Webhook())
	return id
}

// WebhookToken returns the token part of the endpoint.
func (r *Registry) WebhookToken() string {
	_, token, _ := platform.ParseEndpoint(r.Webhook())
	return token
}

func (r *Registry) row() *store.ChannelRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &store.ChannelRow{ID: r.id, GuildID: r.guildID, Webhook: r.webhook, GroupID: r.groupID}
}

func (r *Registry) patch(row *store.ChannelRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guildID = row.GuildID
	r.webhook = row.Webhook
	r.groupID = row.GroupID
}

// dial opens a single-use conn to the registry's endpoint.
func (r *Registry) dial() (platform.WebhookConn, error) {
	endpoint := r.Webhook()
	if endpoint == "" {
		return nil, relayerr.ChannelUnregistered(r.id)
	}
	conn, err := r.manager.dialer.Dial(endpoint)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.TransportFailure, err, "open webhook for channel %s", r.id)
	}
	return conn, nil
}

// Send posts p through the registry's webhook.
func (r *Registry) Send(ctx context.Context, p *platform.Payload) (*platform.Message, error) {
	conn, err := r.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg, err := conn.Execute(ctx, p)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.TransportFailure, err, "send to channel %s", r.id)
	}
	return msg, nil
}

// EditMessage edits a message previously sent through the webhook.
func (r *Registry) EditMessage(ctx context.Context, messageID string, p *platform.Payload) (*platform.Message, error) {
	conn, err := r.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg, err := conn.EditMessage(ctx, messageID, p)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.TransportFailure, err, "edit message %s in channel %s", messageID, r.id)
	}
	return msg, nil
}

// DeleteMessage deletes a message previously sent through the webhook.
func (r *Registry) DeleteMessage(ctx context.Context, messageID string) error {
	conn, err := r.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteMessage(ctx, messageID); err != nil {
		return relayerr.Wrap(relayerr.TransportFailure, err, "delete message %s in channel %s", messageID, r.id)
	}
	return nil
}

// EditOptions is a partial registry patch. Nil fields are left unchanged.
type EditOptions struct {
	GuildID *string
	Webhook *string
	GroupID *string
}

func (o EditOptions) apply(row *store.ChannelRow) {
	if o.GuildID != nil {
		row.GuildID = *o.GuildID
	}
	if o.Webhook != nil {
		row.Webhook = *o.Webhook
	}
	if o.GroupID != nil {
		row.GroupID = *o.GroupID
	}
}

// Edit persists a partial patch and applies it to this instance.
func (r *Registry) Edit(ctx context.Context, opts EditOptions) error {
	row := r.row()
	opts.apply(row)
	if err := r.manager.store.UpsertChannel(ctx, row); err != nil {
		return err
	}
	r.patch(row)
	return nil
}

// EditIn persists a partial patch inside tx. The instance is patched when
// tx commits.
func (r *Registry) EditIn(ctx context.Context, tx *store.Tx, opts EditOptions) error {
	row := r.row()
	opts.apply(row)
	if err := tx.UpsertChannel(ctx, row); err != nil {
		return err
	}
	tx.OnCommit(func() { r.patch(row) })
	return nil
}

// Delete removes the registry, kicking it from its group first.
func (r *Registry) Delete(ctx context.Context) error {
	return r.manager.Delete(ctx, r.id)
}

// Ptr is a helper for building EditOptions.
func Ptr(s string) *string { return &s }
