package group

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relayerr"
	"github.com/concord-relay/concord/internal/store"
)

// Channels is a group's membership manager. It is the only writer of a
// registry's group id, so the stored id, the member cache and the
// membership events stay in step.
type Channels struct {
	group *Group

	mu    sync.RWMutex
	cache map[string]*registry.Registry
}

// List returns the member registries ordered by channel id.
func (c *Channels) List() []*registry.Registry {
	c.mu.RLock()
	members := lo.Values(c.cache)
	c.mu.RUnlock()
	sort.Slice(members, func(i, j int) bool { return members[i].ID() < members[j].ID() })
	return members
}

func (c *Channels) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *Channels) Get(channelID string) (*registry.Registry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.cache[channelID]
	return reg, ok
}

func (c *Channels) Has(channelID string) bool {
	_, ok := c.Get(channelID)
	return ok
}

func (c *Channels) set(reg *registry.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[reg.ID()] = reg
}

func (c *Channels) remove(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, channelID)
}

func (c *Channels) reset(members []*registry.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = lo.KeyBy(members, func(r *registry.Registry) string { return r.ID() })
}

// Add makes a registered channel a member. It fails without side effects
// when the group is full, the channel is unknown, already in a group, or
// has no webhook. Pending join requests of the channel are cancelled.
func (c *Channels) Add(ctx context.Context, channel any) (*registry.Registry, error) {
	g := c.group
	id, ok := registry.ResolveID(channel)
	if !ok {
		return nil, relayerr.New(relayerr.Invalid, "cannot resolve a channel from %v", channel)
	}
	registries := g.manager.registries

	unlock := registries.Lock(id)
	defer unlock()
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if limit := g.ChannelLimit(); c.Size() >= limit {
		return nil, relayerr.ChannelLimit(g.String(), limit)
	}
	reg, err := registries.Fetch(ctx, id, registry.FetchOptions{})
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, relayerr.ResourceNotFound("channel registry", id)
	}
	if reg.GroupID() != "" {
		return nil, relayerr.AlreadyMember(id)
	}
	if !reg.IsRegistered() {
		return nil, relayerr.ChannelUnregistered(id)
	}

	err = g.manager.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := reg.EditIn(ctx, tx, registry.EditOptions{GroupID: registry.Ptr(g.id)}); err != nil {
			return err
		}
		tx.OnCommit(func() {
			g.manager.events.Publish(&bus.Event{
				Type:      bus.GroupMemberAdd,
				GroupID:   g.id,
				GroupTag:  g.Tag(),
				ChannelID: id,
				GuildID:   reg.GuildID(),
			})
			c.set(reg)
		})
		_, err := g.Requests.cancelIn(ctx, tx, func(r Request) bool { return r.ChannelID == id })
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Channel joined group", "group", g.Tag(), "channel_id", id, "members", c.Size())
	return reg, nil
}

// Kick removes a member channel.
func (c *Channels) Kick(ctx context.Context, channel any) (*registry.Registry, error) {
	g := c.group
	id, ok := registry.ResolveID(channel)
	if !ok {
		return nil, relayerr.New(relayerr.Invalid, "cannot resolve a channel from %v", channel)
	}
	registries := g.manager.registries

	unlock := registries.Lock(id)
	defer unlock()
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	reg, err := registries.Fetch(ctx, id, registry.FetchOptions{})
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, relayerr.ResourceNotFound("channel registry", id)
	}
	if reg.GroupID() != g.id {
		return nil, relayerr.New(relayerr.NotMember, "channel registry '%s' is not a member of group %s", id, g)
	}

	err = g.manager.store.WithTx(ctx, func(tx *store.Tx) error {
		return c.kickIn(ctx, tx, reg)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Channel left group", "group", g.Tag(), "channel_id", id, "members", c.Size())
	return reg, nil
}

// kickIn clears reg's group inside tx. The caller holds the group's write
// lock.
func (c *Channels) kickIn(ctx context.Context, tx *store.Tx, reg *registry.Registry) error {
	g := c.group
	if err := reg.EditIn(ctx, tx, registry.EditOptions{GroupID: registry.Ptr("")}); err != nil {
		return err
	}
	id, guildID := reg.ID(), reg.GuildID()
	tx.OnCommit(func() {
		g.manager.events.Publish(&bus.Event{
			Type:      bus.GroupMemberRemove,
			GroupID:   g.id,
			GroupTag:  g.Tag(),
			ChannelID: id,
			GuildID:   guildID,
		})
		c.remove(id)
	})
	return nil
}

// Ban kicks channelID if it is a member and bars it from joining again.
// The channel does not need a registry to be banned.
func (c *Channels) Ban(ctx context.Context, channelID string) error {
	g := c.group
	registries := g.manager.registries

	unlock := registries.Lock(channelID)
	defer unlock()
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	next := g.snapshot()
	if lo.Contains(next.Bans, channelID) {
		return relayerr.New(relayerr.Duplicate, "channel '%s' is already banned from group %s", channelID, g)
	}
	next.Bans = append(next.Bans, channelID)
	next.Entrance.Requests = lo.Reject(next.Entrance.Requests, func(r Request, _ int) bool { return r.ChannelID == channelID })

	reg, err := registries.Fetch(ctx, channelID, registry.FetchOptions{})
	if err != nil {
		return err
	}
	err = g.manager.store.WithTx(ctx, func(tx *store.Tx) error {
		if reg != nil && reg.GroupID() == g.id {
			if err := c.kickIn(ctx, tx, reg); err != nil {
				return err
			}
		}
		return g.saveIn(ctx, tx, next)
	})
	if err != nil {
		return err
	}
	slog.Info("Channel banned from group", "group", g.Tag(), "channel_id", channelID)
	return nil
}

// Unban lifts a ban.
func (c *Channels) Unban(ctx context.Context, channelID string) error {
	g := c.group
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	next := g.snapshot()
	if !lo.Contains(next.Bans, channelID) {
		return relayerr.New(relayerr.NotFound, "channel '%s' is not banned from group %s", channelID, g)
	}
	next.Bans = lo.Without(next.Bans, channelID)
	if err := g.save(ctx, next); err != nil {
		return err
	}
	slog.Info("Channel unbanned from group", "group", g.Tag(), "channel_id", channelID)
	return nil
}
