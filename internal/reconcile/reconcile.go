// Package reconcile repairs channel registries after their webhooks were
// deleted or moved outside the bot's control.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/registry"
)

// WebhookName is the name given to webhooks the bot creates.
const WebhookName = "Concord"

// Notice is posted into a channel whose webhook was repaired.
const Notice = "Unauthorized webhook location change violation detected. Successfully reordered.\n" +
	"If you are attempting to unregister a channel, please use `/unregister` next time."

// Outcome summarizes one reconciliation pass.
type Outcome struct {
	ChannelID string
	// Ignored is set when the channel has no registry.
	Ignored   bool
	Repaired  bool
	Revoked   bool
	Relocated []string
	Deleted   []string
}

// Reconciler restores the one-webhook-per-registered-channel layout.
type Reconciler struct {
	client     platform.Client
	registries *registry.Manager
	events     bus.Publisher
}

// New creates a Reconciler.
func New(client platform.Client, registries *registry.Manager, events bus.Publisher) *Reconciler {
	if events == nil {
		events = bus.Discard
	}
	return &Reconciler{client: client, registries: registries, events: events}
}

// Reconcile handles a webhook-changed notification for channelID. Failures
// are logged and reflected in the outcome, never returned. The channel's
// registry lock is held while webhooks are inspected, so a registration in
// flight is never mistaken for drift.
func (r *Reconciler) Reconcile(ctx context.Context, channelID string) Outcome {
	out, revoke := r.reconcile(ctx, channelID)
	if revoke {
		if err := r.registries.Delete(ctx, channelID); err != nil {
			slog.Error("Reconcile: revoke failed", "channel_id", channelID, "error", err)
		} else {
			out.Revoked = true
		}
	}
	return out
}

func (r *Reconciler) reconcile(ctx context.Context, channelID string) (out Outcome, revoke bool) {
	out.ChannelID = channelID
	unlock := r.registries.Lock(channelID)
	defer unlock()

	reg, err := r.registries.Fetch(ctx, channelID, registry.FetchOptions{Force: true})
	if err != nil {
		slog.Warn("Reconcile: registry lookup failed", "channel_id", channelID, "error", err)
		return out, false
	}
	if reg == nil {
		out.Ignored = true
		return out, false
	}

	hooks, err := r.client.ChannelWebhooks(ctx, channelID)
	if err != nil {
		slog.Warn("Reconcile: list webhooks failed", "channel_id", channelID, "error", err)
		return out, false
	}
	mine := platform.OwnedBy(hooks, r.client.BotUserID())
	stored := reg.Webhook()
	matching := lo.Filter(mine, func(h *platform.Webhook, _ int) bool { return h.URL == stored })
	strays := lo.Reject(mine, func(h *platform.Webhook, _ int) bool { return h.URL == stored })

	slog.Debug("Reconcile: webhooks inspected", "channel_id", channelID, "matching", len(matching), "strays", len(strays))

	if len(matching) == 0 && reg.IsRegistered() {
		if err := r.repair(ctx, reg); err != nil {
			slog.Error("Reconcile: repair failed, revoking registry", "channel_id", channelID, "error", err)
			revoke = true
		} else {
			out.Repaired = true
		}
	}

	for _, h := range strays {
		relocated, err := r.restore(ctx, h)
		switch {
		case err != nil:
			slog.Warn("Reconcile: stray webhook not handled", "channel_id", channelID, "webhook_id", h.ID, "error", err)
		case relocated:
			out.Relocated = append(out.Relocated, h.ID)
		default:
			out.Deleted = append(out.Deleted, h.ID)
		}
	}
	return out, revoke
}

// repair replaces the registry's missing webhook and announces the fix. The
// caller holds the channel lock.
func (r *Reconciler) repair(ctx context.Context, reg *registry.Registry) error {
	hook, err := r.client.CreateWebhook(ctx, reg.ID(), WebhookName, "Auto fix webhooks change.")
	if err != nil {
		return err
	}
	if err := reg.Edit(ctx, registry.EditOptions{Webhook: registry.Ptr(hook.URL)}); err != nil {
		return err
	}

	slog.Info("Reconcile: webhook repaired", "channel_id", reg.ID(), "webhook_id", hook.ID)
	r.events.Publish(&bus.Event{Type: bus.WebhookRepaired, ChannelID: reg.ID(), GuildID: reg.GuildID(), GroupID: reg.GroupID()})
	r.notify(ctx, reg)
	return nil
}

// restore moves a stray webhook back to the channel whose registry owns it,
// or deletes it when no registry does. It reports whether the webhook was
// moved.
func (r *Reconciler) restore(ctx context.Context, h *platform.Webhook) (bool, error) {
	owners, err := r.registries.Query(ctx, registry.Filter{Webhook: h.URL})
	if err != nil {
		return false, err
	}
	if len(owners) == 0 {
		if err := r.client.DeleteWebhook(ctx, h.ID); err != nil {
			return false, err
		}
		slog.Info("Reconcile: orphaned webhook deleted", "channel_id", h.ChannelID, "webhook_id", h.ID)
		r.events.Publish(&bus.Event{Type: bus.WebhookOrphaned, ChannelID: h.ChannelID, GuildID: h.GuildID, Detail: h.ID})
		return false, nil
	}

	owner := owners[0]
	if _, err := r.client.MoveWebhook(ctx, h.ID, owner.ID()); err != nil {
		return false, err
	}
	slog.Info("Reconcile: webhook moved back", "from", h.ChannelID, "to", owner.ID(), "webhook_id", h.ID)
	r.events.Publish(&bus.Event{
		Type:      bus.WebhookRelocated,
		ChannelID: owner.ID(),
		GuildID:   owner.GuildID(),
		GroupID:   owner.GroupID(),
		Detail:    h.ChannelID,
	})
	r.notify(ctx, owner)
	return true, nil
}

func (r *Reconciler) notify(ctx context.Context, reg *registry.Registry) {
	if _, err := reg.Send(ctx, &platform.Payload{Content: Notice}); err != nil {
		slog.Warn("Reconcile: notice not delivered", "channel_id", reg.ID(), "error", err)
	}
}
