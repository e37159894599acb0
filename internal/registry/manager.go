// Package registry keeps the durable channel registries: which webhook a
// channel relays through and which group it belongs to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/store"
)

// Kicker removes a registry from its group as part of a larger transaction.
// The group manager implements it.
type Kicker interface {
	KickIn(ctx context.Context, tx *store.Tx, reg *Registry) error
}

// Options tunes the manager caches.
type Options struct {
	// NegativeTTL is how long a known-absent channel id is remembered.
	NegativeTTL time.Duration
	// NegativeSize bounds the number of remembered absent ids.
	NegativeSize int
}

// Manager owns the registry cache and the negative cache for absent ids.
type Manager struct {
	store  *store.Store
	dialer platform.WebhookDialer
	events bus.Publisher
	kicker Kicker

	mu      sync.RWMutex
	cache   map[string]*Registry
	missing *expirable.LRU[string, struct{}]
	locks   keyedMutex
	// gen counts adoptions; a storage miss only negative-caches when no
	// registry was adopted since the read began.
	gen uint64

	afterMiss func(channelID string)
}

// NewManager creates a registry manager backed by s.
func NewManager(s *store.Store, dialer platform.WebhookDialer, events bus.Publisher, opts Options) *Manager {
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 30 * time.Second
	}
	if opts.NegativeSize <= 0 {
		opts.NegativeSize = 4096
	}
	if events == nil {
		events = bus.Discard
	}
	return &Manager{
		store:   s,
		dialer:  dialer,
		events:  events,
		cache:   make(map[string]*Registry),
		missing: expirable.NewLRU[string, struct{}](opts.NegativeSize, nil, opts.NegativeTTL),
	}
}

// SetKicker wires the group side of Delete.
func (m *Manager) SetKicker(k Kicker) {
	m.kicker = k
}

// Lock serializes writers for one channel id. Call the returned func to
// release it.
func (m *Manager) Lock(channelID string) func() {
	return m.locks.lock(channelID)
}

// FetchOptions controls Fetch.
type FetchOptions struct {
	// Force skips both caches and reads storage.
	Force bool
}

// Fetch returns the registry for channelID, or nil when none exists.
func (m *Manager) Fetch(ctx context.Context, channelID string, opts FetchOptions) (*Registry, error) {
	return m.fetch(ctx, m.store.Queries, channelID, opts.Force)
}

// FetchIn is Fetch reading through q, typically an open transaction.
func (m *Manager) FetchIn(ctx context.Context, q store.Queries, channelID string) (*Registry, error) {
	return m.fetch(ctx, q, channelID, false)
}

func (m *Manager) fetch(ctx context.Context, q store.Queries, channelID string, force bool) (*Registry, error) {
	m.mu.RLock()
	reg, ok := m.cache[channelID]
	gen := m.gen
	m.mu.RUnlock()
	if !force {
		if ok {
			return reg, nil
		}
		if _, absent := m.missing.Get(channelID); absent {
			return nil, nil
		}
	}

	row, err := q.GetChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		if m.afterMiss != nil {
			m.afterMiss(channelID)
		}
		return m.miss(channelID, gen), nil
	}
	if err != nil {
		return nil, err
	}
	m.missing.Remove(channelID)
	return m.adopt(row), nil
}

// miss records channelID as absent. A registry adopted after the read began
// wins over the stale miss and is returned instead.
func (m *Manager) miss(channelID string, gen uint64) *Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return m.cache[channelID]
	}
	delete(m.cache, channelID)
	m.missing.Add(channelID, struct{}{})
	return nil
}

// adopt patches the cached instance for row, or caches a new one.
func (m *Manager) adopt(row *store.ChannelRow) *Registry {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.missing.Remove(row.ID)

	if reg, ok := m.cache[row.ID]; ok {
		reg.patch(row)
		return reg
	}
	reg := &Registry{
		manager: m,
		id:      row.ID,
		guildID: row.GuildID,
		webhook: row.Webhook,
		groupID: row.GroupID,
	}
	m.cache[row.ID] = reg
	return reg
}

// Has reports whether a registry exists for channelID.
func (m *Manager) Has(ctx context.Context, channelID string) (bool, error) {
	reg, err := m.Fetch(ctx, channelID, FetchOptions{})
	return reg != nil, err
}

// CreateOptions describes a registry to upsert.
type CreateOptions struct {
	ChannelID string
	GuildID   string
	Webhook   string
	GroupID   string
}

// Create upserts a registry. An existing row is updated, and an existing
// cached instance is patched so every holder sees the new state.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Registry, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("create registry: channel id is required")
	}
	row := &store.ChannelRow{ID: opts.ChannelID, GuildID: opts.GuildID, Webhook: opts.Webhook, GroupID: opts.GroupID}
	if err := m.store.UpsertChannel(ctx, row); err != nil {
		return nil, err
	}
	m.missing.Remove(opts.ChannelID)
	reg := m.adopt(row)

	slog.Info("Registry saved", "channel_id", opts.ChannelID, "guild_id", opts.GuildID, "registered", opts.Webhook != "")
	m.events.Publish(&bus.Event{Type: bus.RegistryCreate, ChannelID: opts.ChannelID, GuildID: opts.GuildID, GroupID: opts.GroupID})
	return reg, nil
}

// Delete removes the registry for channelID. A member registry is kicked
// from its group inside the same transaction, before the row goes away.
// Deleting an unknown id is a no-op.
func (m *Manager) Delete(ctx context.Context, channelID string) error {
	unlock := m.Lock(channelID)
	defer unlock()

	reg, err := m.Fetch(ctx, channelID, FetchOptions{Force: true})
	if err != nil {
		return err
	}
	if reg == nil {
		return nil
	}

	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		if reg.GroupID() != "" && m.kicker != nil {
			if err := m.kicker.KickIn(ctx, tx, reg); err != nil {
				return fmt.Errorf("kick %s before delete: %w", channelID, err)
			}
		}
		if _, err := tx.DeleteChannel(ctx, channelID); err != nil {
			return err
		}
		guildID := reg.GuildID()
		tx.OnCommit(func() {
			m.mu.Lock()
			delete(m.cache, channelID)
			m.mu.Unlock()
			m.missing.Add(channelID, struct{}{})

			slog.Info("Registry deleted", "channel_id", channelID)
			m.events.Publish(&bus.Event{Type: bus.RegistryDelete, ChannelID: channelID, GuildID: guildID})
		})
		return nil
	})
}

// Filter selects registries by column equality. At least one field must be
// set.
type Filter struct {
	ChannelID string
	Webhook   string
	GuildID   string
	GroupID   string
	// Registered matches only registries holding a webhook.
	Registered bool
}

// Query returns the registries matching f.
func (m *Manager) Query(ctx context.Context, f Filter) ([]*Registry, error) {
	return m.QueryIn(ctx, m.store.Queries, f)
}

// QueryIn is Query reading through q.
func (m *Manager) QueryIn(ctx context.Context, q store.Queries, f Filter) ([]*Registry, error) {
	rows, err := q.QueryChannels(ctx, store.ChannelFilter{
		ID:         f.ChannelID,
		Webhook:    f.Webhook,
		GuildID:    f.GuildID,
		GroupID:    f.GroupID,
		Registered: f.Registered,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Registry, 0, len(rows))
	for _, row := range rows {
		m.missing.Remove(row.ID)
		out = append(out, m.adopt(row))
	}
	return out, nil
}

// ResolveID extracts a channel id from a raw id or a known entity.
func ResolveID(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case *Registry:
		if x == nil {
			return "", false
		}
		return x.id, true
	case *platform.Message:
		if x == nil {
			return "", false
		}
		return x.ChannelID, x.ChannelID != ""
	case *platform.Channel:
		if x == nil {
			return "", false
		}
		return x.ID, x.ID != ""
	default:
		return "", false
	}
}

// Cached returns the number of cached registries.
func (m *Manager) Cached() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
