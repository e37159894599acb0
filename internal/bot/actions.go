package bot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/group"
	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relayerr"
)

// RegisterOptions controls Register.
type RegisterOptions struct {
	// ForceNew creates a fresh webhook instead of reusing one.
	ForceNew bool
	// Requester is recorded in the audit log reason.
	Requester string
}

// Register prepares a channel for group membership by attaching a bot-owned
// webhook. The first existing bot webhook is reused unless ForceNew is set;
// any other bot webhooks on the channel are deleted.
func (b *Bot) Register(ctx context.Context, channelID string, opts RegisterOptions) (*registry.Registry, error) {
	ch, err := b.client.Channel(ctx, channelID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.NotFound, err, "channel '%s' not found", channelID)
	}
	if !ch.Registerable() {
		return nil, relayerr.New(relayerr.Invalid, "channel '%s' cannot hold a relay webhook", channelID)
	}

	// Held so the reconciler does not treat the webhooks touched here as drift.
	unlock := b.registries.Lock(channelID)
	defer unlock()

	existing, err := b.registries.Fetch(ctx, channelID, registry.FetchOptions{Force: true})
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsRegistered() {
		return nil, relayerr.New(relayerr.Duplicate, "channel '%s' is already registered", channelID)
	}

	hooks, err := b.client.ChannelWebhooks(ctx, channelID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.TransportFailure, err, "list webhooks of channel '%s'", channelID)
	}
	mine := lo.Filter(platform.OwnedBy(hooks, b.client.BotUserID()), func(h *platform.Webhook, _ int) bool {
		return h.URL != ""
	})

	var hook *platform.Webhook
	extras := mine
	reused := !opts.ForceNew && len(mine) > 0
	if reused {
		hook, extras = mine[0], mine[1:]
	} else {
		reason := "Channel registration"
		if opts.Requester != "" {
			reason = "Requested by " + opts.Requester
		}
		hook, err = b.client.CreateWebhook(ctx, channelID, b.opts.WebhookName, reason)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.TransportFailure, err, "create webhook in channel '%s'", channelID)
		}
	}
	for _, h := range extras {
		if err := b.client.DeleteWebhook(ctx, h.ID); err != nil {
			slog.Warn("Extra webhook not deleted", "channel_id", channelID, "webhook_id", h.ID, "error", err)
		}
	}

	groupID := ""
	if existing != nil {
		groupID = existing.GroupID()
	}
	reg, err := b.registries.Create(ctx, registry.CreateOptions{
		ChannelID: channelID,
		GuildID:   ch.GuildID,
		Webhook:   hook.URL,
		GroupID:   groupID,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Channel registered", "channel_id", channelID, "guild_id", ch.GuildID, "webhook_id", hook.ID, "reused", reused)
	return reg, nil
}

// Unregister removes a channel's registry, kicking it from its group, then
// deletes its webhook. The registry goes first so the webhook deletion is
// not taken for drift.
func (b *Bot) Unregister(ctx context.Context, channelID string) error {
	reg, err := b.registries.Fetch(ctx, channelID, registry.FetchOptions{Force: true})
	if err != nil {
		return err
	}
	if reg == nil {
		return relayerr.New(relayerr.NotFound, "no record of a webhook in channel '%s'", channelID)
	}
	webhookID := reg.WebhookID()

	if err := b.registries.Delete(ctx, channelID); err != nil {
		return err
	}
	if webhookID != "" {
		if err := b.client.DeleteWebhook(ctx, webhookID); err != nil {
			slog.Warn("Webhook not deleted on unregister", "channel_id", channelID, "webhook_id", webhookID, "error", err)
		}
	}
	slog.Info("Channel unregistered", "channel_id", channelID)
	return nil
}

// JoinOptions describes a join attempt.
type JoinOptions struct {
	ChannelID string
	// Group is a group id or tag.
	Group    string
	Password string
	// UserID is who asked; the group owner bypasses the status rules.
	UserID string
	// Message accompanies a join request to a restricted group.
	Message string
}

// JoinResult reports what Join did.
type JoinResult struct {
	Group *group.Group
	// Left is the group the channel was moved out of, if any.
	Left *group.Group
	// Request is set when a join request was filed instead of joining.
	Request *group.Request
}

// Join applies the target group's status rules: public groups are joined
// directly, restricted ones get a join request, protected ones need the
// password and private ones only admit their owner's channels.
func (b *Bot) Join(ctx context.Context, opts JoinOptions) (*JoinResult, error) {
	reg, err := b.registries.Fetch(ctx, opts.ChannelID, registry.FetchOptions{})
	if err != nil {
		return nil, err
	}
	if reg == nil || !reg.IsRegistered() {
		return nil, relayerr.ChannelUnregistered(opts.ChannelID)
	}
	g, err := b.groups.Find(ctx, opts.Group)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, relayerr.ResourceNotFound("group", opts.Group)
	}
	if reg.GroupID() == g.ID() {
		return nil, relayerr.New(relayerr.DuplicateMembership, "channel '%s' is already in group %s", opts.ChannelID, g.Tag())
	}
	if g.Banned(opts.ChannelID) {
		return nil, relayerr.New(relayerr.Denied, "channel '%s' is banned from group %s", opts.ChannelID, g.Tag())
	}

	res := &JoinResult{Group: g}
	if opts.UserID == "" || opts.UserID != g.OwnerID() {
		switch g.Status() {
		case group.StatusRestricted:
			req, err := g.Requests.Create(ctx, reg, opts.Message)
			if err != nil {
				return nil, err
			}
			res.Request = req
			return res, nil
		case group.StatusProtected:
			if !g.CheckPassword(opts.Password) {
				return nil, relayerr.New(relayerr.Denied, "incorrect password for group %s", g.Tag())
			}
		case group.StatusPrivate:
			return nil, relayerr.New(relayerr.Denied, "group %s is private", g.Tag())
		}
	}

	left, err := b.move(ctx, reg, g)
	if err != nil {
		return nil, err
	}
	res.Left = left
	return res, nil
}

// move takes reg out of its current group and adds it to g. Capacity is
// checked up front so a full target does not cost the old membership; if
// the add still fails, reg is put back into its old group.
func (b *Bot) move(ctx context.Context, reg *registry.Registry, g *group.Group) (*group.Group, error) {
	if limit := g.ChannelLimit(); g.Channels.Size() >= limit {
		return nil, relayerr.ChannelLimit(g.String(), limit)
	}
	current, err := b.groups.Of(ctx, reg)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if _, err := current.Channels.Kick(ctx, reg); err != nil {
			return nil, err
		}
	}
	if b.afterKick != nil {
		b.afterKick()
	}
	if _, err := g.Channels.Add(ctx, reg); err != nil {
		if current != nil {
			if _, rerr := current.Channels.Add(ctx, reg); rerr != nil {
				slog.Error("Failed to restore membership after move", "channel_id", reg.ID(), "group", current.Tag(), "error", rerr)
				return nil, errors.Join(err, rerr)
			}
		}
		return nil, err
	}
	return current, nil
}

// Leave kicks the channel from its current group.
func (b *Bot) Leave(ctx context.Context, channelID string) (*group.Group, error) {
	reg, err := b.registries.Fetch(ctx, channelID, registry.FetchOptions{})
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, relayerr.ResourceNotFound("channel registry", channelID)
	}
	g, err := b.groups.Of(ctx, reg)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, relayerr.New(relayerr.NotMember, "channel '%s' is not in any group", channelID)
	}
	if _, err := g.Channels.Kick(ctx, reg); err != nil {
		return nil, err
	}
	return g, nil
}
