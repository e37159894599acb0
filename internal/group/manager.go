// Package group manages relay groups: their persisted configuration, their
// member channels and the join requests waiting on them.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relay"
	"github.com/concord-relay/concord/internal/relayerr"
	"github.com/concord-relay/concord/internal/store"
)

var (
	tagPattern  = regexp.MustCompile(`(?i)^[a-z0-9\-_]{3,32}$`)
	namePattern = regexp.MustCompile(`(?i)^[a-z0-9\-_ ]{2,32}$`)
)

const maxDescriptionLength = 500

// ValidateTag checks a group tag.
func ValidateTag(tag string) error {
	if !tagPattern.MatchString(tag) {
		return relayerr.New(relayerr.Invalid, "group tag '%s' must be 3-32 characters of [a-z0-9-_]", tag)
	}
	return nil
}

// Options configures group defaults and the relay managers groups create.
type Options struct {
	DefaultChannelLimit  int
	DefaultMaxCharacters int
	Relay                relay.Options
}

// Manager owns the group cache.
type Manager struct {
	store      *store.Store
	registries *registry.Manager
	events     bus.Publisher
	opts       Options

	mu    sync.RWMutex
	cache map[string]*Group
}

// NewManager creates a group manager and wires it into registries so that
// registry deletion kicks members first.
func NewManager(s *store.Store, registries *registry.Manager, events bus.Publisher, opts Options) *Manager {
	if opts.DefaultChannelLimit <= 0 {
		opts.DefaultChannelLimit = 15
	}
	if opts.DefaultMaxCharacters <= 0 || opts.DefaultMaxCharacters > 2000 {
		opts.DefaultMaxCharacters = 2000
	}
	if events == nil {
		events = bus.Discard
	}
	if opts.Relay.Events == nil {
		opts.Relay.Events = events
	}
	m := &Manager{
		store:      s,
		registries: registries,
		events:     events,
		opts:       opts,
		cache:      make(map[string]*Group),
	}
	registries.SetKicker(m)
	return m
}

// Registries returns the registry manager groups resolve members through.
func (m *Manager) Registries() *registry.Manager {
	return m.registries
}

// Load fills the cache with every stored group and its members.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := m.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	for _, row := range rows {
		if _, err := m.adopt(ctx, row); err != nil {
			return err
		}
	}
	slog.Info("Groups loaded", "count", len(rows))
	return nil
}

// adopt builds a group from row, loads its members and caches it.
func (m *Manager) adopt(ctx context.Context, row *store.GroupRow) (*Group, error) {
	st, err := stateFromRow(row, m.opts)
	if err != nil {
		return nil, err
	}
	members, err := m.registries.Query(ctx, registry.Filter{GroupID: row.ID})
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", row.Tag, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.cache[row.ID]
	if ok {
		g.install(st)
	} else {
		g = newGroup(m, row.ID, st)
		m.cache[row.ID] = g
	}
	g.Channels.reset(members)
	return g, nil
}

// FetchOptions controls Fetch.
type FetchOptions struct {
	Force bool
}

// Fetch returns the group with id, or nil when none exists.
func (m *Manager) Fetch(ctx context.Context, id string, opts FetchOptions) (*Group, error) {
	if !opts.Force {
		m.mu.RLock()
		g, ok := m.cache[id]
		m.mu.RUnlock()
		if ok {
			return g, nil
		}
	}
	row, err := m.store.GetGroup(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.adopt(ctx, row)
}

// FetchByTag returns the group with tag, compared case-insensitively, or
// nil when none exists.
func (m *Manager) FetchByTag(ctx context.Context, tag string) (*Group, error) {
	m.mu.RLock()
	for _, g := range m.cache {
		if strings.EqualFold(g.Tag(), tag) {
			m.mu.RUnlock()
			return g, nil
		}
	}
	m.mu.RUnlock()

	row, err := m.store.GetGroupByTag(ctx, tag)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.adopt(ctx, row)
}

// Find resolves a group by id first, then by tag.
func (m *Manager) Find(ctx context.Context, idOrTag string) (*Group, error) {
	g, err := m.Fetch(ctx, idOrTag, FetchOptions{})
	if err != nil || g != nil {
		return g, err
	}
	return m.FetchByTag(ctx, idOrTag)
}

// Of returns the group reg belongs to, or nil.
func (m *Manager) Of(ctx context.Context, reg *registry.Registry) (*Group, error) {
	if reg == nil || reg.GroupID() == "" {
		return nil, nil
	}
	return m.Fetch(ctx, reg.GroupID(), FetchOptions{})
}

// List returns the cached groups, oldest first.
func (m *Manager) List() []*Group {
	m.mu.RLock()
	groups := lo.Values(m.cache)
	m.mu.RUnlock()
	sort.Slice(groups, func(i, j int) bool {
		if ci, cj := groups[i].CreatedAt(), groups[j].CreatedAt(); !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return groups[i].ID() < groups[j].ID()
	})
	return groups
}

// CreateOptions describes a new group.
type CreateOptions struct {
	Tag         string
	OwnerID     string
	Name        string
	Description string
	Avatar      string
	Banner      string
	Locale      string
}

// Create persists a new public group.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Group, error) {
	if err := ValidateTag(opts.Tag); err != nil {
		return nil, err
	}
	if opts.OwnerID == "" {
		return nil, relayerr.New(relayerr.Invalid, "group owner is required")
	}
	if err := validateAppearances(opts.Name, opts.Description); err != nil {
		return nil, err
	}
	existing, err := m.FetchByTag(ctx, opts.Tag)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, relayerr.New(relayerr.Duplicate, "group tag '%s' is already taken", opts.Tag)
	}

	locale := opts.Locale
	if locale == "" {
		locale = "global"
	}
	st := state{
		Tag:     opts.Tag,
		OwnerID: opts.OwnerID,
		Status:  StatusPublic,
		Locale:  locale,
		Settings: Settings{
			MaxCharacterLimit: m.opts.DefaultMaxCharacters,
			Requests:          RequestSettings{DeleteDuplicate: true},
		},
		Appearances: Appearances{
			Name:        opts.Name,
			Description: opts.Description,
			Avatar:      opts.Avatar,
			Banner:      opts.Banner,
		},
		Entrance:  Entrance{Requests: []Request{}},
		Data:      Data{ChannelLimit: m.opts.DefaultChannelLimit, Users: []string{}},
		Bans:      []string{},
		CreatedAt: time.Now().UnixMilli(),
	}
	id := uuid.NewString()
	row, err := st.row(id)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateGroup(ctx, row); err != nil {
		return nil, err
	}

	g := newGroup(m, id, st)
	m.mu.Lock()
	m.cache[id] = g
	m.mu.Unlock()

	slog.Info("Group created", "group", opts.Tag, "id", id, "owner", opts.OwnerID)
	m.events.Publish(&bus.Event{Type: bus.GroupCreate, GroupID: id, GroupTag: opts.Tag})
	return g, nil
}

// EditOptions is a partial group update. Nil fields are left unchanged.
type EditOptions struct {
	Tag                     *string
	OwnerID                 *string
	Status                  *Status
	Locale                  *string
	Name                    *string
	Description             *string
	Avatar                  *string
	Banner                  *string
	Password                *string
	ChannelLimit            *int
	MaxCharacterLimit       *int
	DeleteDuplicateRequests *bool
}

// Edit applies opts with a read-modify-persist cycle and re-announces the
// group.
func (m *Manager) Edit(ctx context.Context, id string, opts EditOptions) (*Group, error) {
	g, err := m.Fetch(ctx, id, FetchOptions{})
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, relayerr.ResourceNotFound("group", id)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	next := g.snapshot()
	if opts.Tag != nil && !strings.EqualFold(*opts.Tag, next.Tag) {
		if err := ValidateTag(*opts.Tag); err != nil {
			return nil, err
		}
		other, err := m.FetchByTag(ctx, *opts.Tag)
		if err != nil {
			return nil, err
		}
		if other != nil && other.ID() != id {
			return nil, relayerr.New(relayerr.Duplicate, "group tag '%s' is already taken", *opts.Tag)
		}
	}
	if opts.Tag != nil {
		next.Tag = *opts.Tag
	}
	if opts.OwnerID != nil {
		if *opts.OwnerID == "" {
			return nil, relayerr.New(relayerr.Invalid, "group owner is required")
		}
		next.OwnerID = *opts.OwnerID
	}
	if opts.Locale != nil {
		next.Locale = *opts.Locale
	}
	if opts.Name != nil {
		next.Appearances.Name = *opts.Name
	}
	if opts.Description != nil {
		next.Appearances.Description = *opts.Description
	}
	if opts.Avatar != nil {
		next.Appearances.Avatar = *opts.Avatar
	}
	if opts.Banner != nil {
		next.Appearances.Banner = *opts.Banner
	}
	if err := validateAppearances(next.Appearances.Name, next.Appearances.Description); err != nil {
		return nil, err
	}
	if opts.Status != nil {
		if _, err := ParseStatus(string(*opts.Status)); err != nil {
			return nil, err
		}
		next.Status = *opts.Status
	}
	if opts.Password != nil {
		if next.Status != StatusProtected {
			return nil, relayerr.New(relayerr.Invalid, "group status must be protected to set a password")
		}
		next.Entrance.Password = *opts.Password
	}
	if next.Status == StatusProtected && next.Entrance.Password == "" {
		return nil, relayerr.New(relayerr.Invalid, "a protected group needs a password")
	}
	if opts.ChannelLimit != nil {
		if *opts.ChannelLimit < 1 || *opts.ChannelLimit < g.Channels.Size() {
			return nil, relayerr.New(relayerr.Invalid, "channel limit %d is below the current member count %d", *opts.ChannelLimit, g.Channels.Size())
		}
		next.Data.ChannelLimit = *opts.ChannelLimit
	}
	if opts.MaxCharacterLimit != nil {
		if *opts.MaxCharacterLimit < 1 || *opts.MaxCharacterLimit > 2000 {
			return nil, relayerr.New(relayerr.Invalid, "max character limit must be between 1 and 2000")
		}
		next.Settings.MaxCharacterLimit = *opts.MaxCharacterLimit
	}
	if opts.DeleteDuplicateRequests != nil {
		next.Settings.Requests.DeleteDuplicate = *opts.DeleteDuplicateRequests
	}

	if err := g.save(ctx, next); err != nil {
		return nil, err
	}
	slog.Info("Group updated", "group", next.Tag, "id", id)
	m.events.Publish(&bus.Event{Type: bus.GroupUpdate, GroupID: id, GroupTag: next.Tag})
	return g, nil
}

func validateAppearances(name, description string) error {
	if name != "" && !namePattern.MatchString(name) {
		return relayerr.New(relayerr.Invalid, "group name can only contain [a-z], [A-Z], [0-9], '-', '_' and spaces")
	}
	if len([]rune(description)) > maxDescriptionLength {
		return relayerr.New(relayerr.Invalid, "group description is longer than %d characters", maxDescriptionLength)
	}
	return nil
}

// Delete kicks every member and removes the group, in one transaction.
func (m *Manager) Delete(ctx context.Context, id string) error {
	g, err := m.Fetch(ctx, id, FetchOptions{})
	if err != nil {
		return err
	}
	if g == nil {
		return relayerr.ResourceNotFound("group", id)
	}

	members, unlock := m.lockMembers(g)
	defer unlock()

	tag := g.Tag()
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, reg := range members {
			if err := g.Channels.kickIn(ctx, tx, reg); err != nil {
				return err
			}
		}
		if err := tx.DeleteGroup(ctx, id); err != nil {
			return err
		}
		tx.OnCommit(func() {
			m.mu.Lock()
			delete(m.cache, id)
			m.mu.Unlock()
			m.events.Publish(&bus.Event{Type: bus.GroupDelete, GroupID: id, GroupTag: tag})
		})
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("Group deleted", "group", tag, "id", id)
	return nil
}

// lockMembers takes every member's channel lock in id order, then the
// group's write lock. A member joining while the locks are taken forces
// another round. The returned func releases everything.
func (m *Manager) lockMembers(g *Group) ([]*registry.Registry, func()) {
	for {
		members := g.Channels.List()
		unlocks := make([]func(), 0, len(members))
		for _, reg := range members {
			unlocks = append(unlocks, m.registries.Lock(reg.ID()))
		}
		g.writeMu.Lock()
		release := func() {
			g.writeMu.Unlock()
			for i := len(unlocks) - 1; i >= 0; i-- {
				unlocks[i]()
			}
		}
		locked := lo.SliceToMap(members, func(reg *registry.Registry) (string, struct{}) { return reg.ID(), struct{}{} })
		current := g.Channels.List()
		if len(current) == len(members) && lo.EveryBy(current, func(reg *registry.Registry) bool {
			_, ok := locked[reg.ID()]
			return ok
		}) {
			return current, release
		}
		release()
	}
}

// KickIn removes reg from whichever group holds it, inside tx. It lets the
// registry manager kick a member before deleting its row.
func (m *Manager) KickIn(ctx context.Context, tx *store.Tx, reg *registry.Registry) error {
	g, err := m.Fetch(ctx, reg.GroupID(), FetchOptions{})
	if err != nil {
		return err
	}
	if g == nil {
		// Dangling reference; clear it without an owning group.
		return reg.EditIn(ctx, tx, registry.EditOptions{GroupID: registry.Ptr("")})
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.Channels.kickIn(ctx, tx, reg)
}
