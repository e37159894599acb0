// Package bot glues gateway events and operator actions to the relay core:
// it filters inbound messages, dispatches relay create/edit/delete, hands
// webhook changes to the reconciler and implements register, unregister,
// join and leave.
package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/concord-relay/concord/internal/group"
	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/reconcile"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relay"
)

// Options tunes the bot.
type Options struct {
	// HandlerTimeout bounds each gateway event handler.
	HandlerTimeout time.Duration
	// WebhookName names webhooks created by Register.
	WebhookName string
}

// Bot routes platform events into groups.
type Bot struct {
	client     platform.Client
	registries *registry.Manager
	groups     *group.Manager
	reconciler *reconcile.Reconciler
	opts       Options

	afterKick func()
}

// New creates a Bot.
func New(client platform.Client, groups *group.Manager, reconciler *reconcile.Reconciler, opts Options) *Bot {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if opts.WebhookName == "" {
		opts.WebhookName = reconcile.WebhookName
	}
	return &Bot{
		client:     client,
		registries: groups.Registries(),
		groups:     groups,
		reconciler: reconciler,
		opts:       opts,
	}
}

// accept reports whether an inbound message should be relayed: guild text
// only, no threads or voice, no webhook echoes, no system messages and
// nothing from the bot itself.
func (b *Bot) accept(m *platform.Message) bool {
	if m == nil || m.GuildID == "" || m.Author == nil {
		return false
	}
	if m.ChannelType == platform.ChannelThread || m.ChannelType == platform.ChannelVoice {
		return false
	}
	if m.WebhookID != "" {
		return false
	}
	if m.Type != platform.MessageDefault && m.Type != platform.MessageReply {
		return false
	}
	return m.Author.ID != b.client.BotUserID()
}

// groupOf returns the group a relaying channel belongs to, or nil when the
// channel is unregistered or not a member.
func (b *Bot) groupOf(ctx context.Context, channelID string) (*group.Group, *registry.Registry) {
	reg, err := b.registries.Fetch(ctx, channelID, registry.FetchOptions{})
	if err != nil {
		slog.Warn("Registry lookup failed", "channel_id", channelID, "error", err)
		return nil, nil
	}
	if reg == nil || reg.GroupID() == "" || !reg.IsRegistered() {
		return nil, nil
	}
	g, err := b.groups.Of(ctx, reg)
	if err != nil {
		slog.Warn("Group lookup failed", "channel_id", channelID, "group_id", reg.GroupID(), "error", err)
		return nil, nil
	}
	return g, reg
}

// MessageCreate relays a new message to the rest of its group.
func (b *Bot) MessageCreate(ctx context.Context, m *platform.Message) {
	if !b.accept(m) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.HandlerTimeout)
	defer cancel()

	g, reg := b.groupOf(ctx, m.ChannelID)
	if g == nil {
		return
	}
	results, err := g.Messages.Create(ctx, relay.CreateOptions{Original: m, Exclude: []any{reg}})
	if err != nil {
		slog.Warn("Relay create failed", "group", g.Tag(), "channel_id", m.ChannelID, "message_id", m.ID, "error", err)
		return
	}
	slog.Debug("Message relayed", "group", g.Tag(), "message_id", m.ID, "targets", len(results), "failed", len(relay.Failed(results)))
}

// MessageUpdate re-renders the relayed copies of an edited message.
func (b *Bot) MessageUpdate(ctx context.Context, m *platform.Message) {
	if !b.accept(m) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.HandlerTimeout)
	defer cancel()

	g, _ := b.groupOf(ctx, m.ChannelID)
	if g == nil {
		return
	}
	if _, err := g.Messages.Edit(ctx, m, relay.EditOptions{Original: m}); err != nil {
		slog.Warn("Relay edit failed", "group", g.Tag(), "message_id", m.ID, "error", err)
	}
}

// MessageDelete deletes the relayed copies of a deleted message. Delete
// events carry little more than ids, so a deleted relayed copy is
// recognized through the correlation cache and left alone.
func (b *Bot) MessageDelete(ctx context.Context, m *platform.Message) {
	if m == nil || m.GuildID == "" || m.WebhookID != "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.HandlerTimeout)
	defer cancel()

	g, _ := b.groupOf(ctx, m.ChannelID)
	if g == nil {
		return
	}
	if _, relayedCopy := g.Messages.Get(m.ID); relayedCopy {
		return
	}
	if _, err := g.Messages.Delete(ctx, m); err != nil {
		slog.Warn("Relay delete failed", "group", g.Tag(), "message_id", m.ID, "error", err)
	}
}

// WebhooksUpdate runs drift reconciliation for the channel.
func (b *Bot) WebhooksUpdate(ctx context.Context, guildID, channelID string) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.HandlerTimeout)
	defer cancel()

	out := b.reconciler.Reconcile(ctx, channelID)
	if out.Repaired || out.Revoked || len(out.Relocated) > 0 || len(out.Deleted) > 0 {
		slog.Info("Webhook drift reconciled",
			"guild_id", guildID,
			"channel_id", channelID,
			"repaired", out.Repaired,
			"revoked", out.Revoked,
			"relocated", len(out.Relocated),
			"deleted", len(out.Deleted))
	}
}
