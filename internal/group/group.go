package group

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relay"
	"github.com/concord-relay/concord/internal/relayerr"
	"github.com/concord-relay/concord/internal/store"
)

// Status governs who may join a group.
type Status string

const (
	// StatusPublic groups accept anyone who knows the tag or id.
	StatusPublic Status = "public"
	// StatusRestricted groups take join requests that must be accepted.
	StatusRestricted Status = "restricted"
	// StatusProtected groups require the entrance password.
	StatusProtected Status = "protected"
	// StatusPrivate groups only accept channels added by the owner.
	StatusPrivate Status = "private"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPublic, StatusRestricted, StatusProtected, StatusPrivate:
		return st, nil
	default:
		return "", relayerr.New(relayerr.Invalid, "unknown group status '%s'", s)
	}
}

// Settings is the group's tunable behaviour.
type Settings struct {
	MaxCharacterLimit int             `json:"maxCharacterLimit"`
	Requests          RequestSettings `json:"requests"`
}

type RequestSettings struct {
	// DeleteDuplicate drops older pending requests from the same channel.
	DeleteDuplicate bool `json:"deleteDuplicate"`
}

// Appearances is how the group presents itself.
type Appearances struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Banner      string `json:"banner,omitempty"`
}

// Entrance holds the join password and pending requests.
type Entrance struct {
	Password string    `json:"password,omitempty"`
	Requests []Request `json:"requests"`
}

// Data is bookkeeping that is not user-facing settings.
type Data struct {
	ChannelLimit int      `json:"channelLimit"`
	Users        []string `json:"users"`
}

// state is the persisted part of a group. Writers build the next state
// from a clone and install it once the write is durable.
type state struct {
	Tag         string
	OwnerID     string
	Status      Status
	Locale      string
	Settings    Settings
	Appearances Appearances
	Entrance    Entrance
	Data        Data
	Bans        []string
	CreatedAt   int64
}

func (s state) clone() state {
	s.Entrance.Requests = append([]Request(nil), s.Entrance.Requests...)
	s.Data.Users = append([]string(nil), s.Data.Users...)
	s.Bans = append([]string(nil), s.Bans...)
	return s
}

func (s state) row(id string) (*store.GroupRow, error) {
	blobs := make([]string, 5)
	for i, v := range []any{s.Settings, s.Appearances, s.Entrance, s.Data, s.Bans} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode group %s: %w", id, err)
		}
		blobs[i] = string(b)
	}
	return &store.GroupRow{
		ID:          id,
		Tag:         s.Tag,
		OwnerID:     s.OwnerID,
		Status:      string(s.Status),
		Locale:      s.Locale,
		Settings:    blobs[0],
		Appearances: blobs[1],
		Entrance:    blobs[2],
		Data:        blobs[3],
		Bans:        blobs[4],
		CreatedAt:   s.CreatedAt,
	}, nil
}

func stateFromRow(row *store.GroupRow, defaults Options) (state, error) {
	s := state{
		Tag:       row.Tag,
		OwnerID:   row.OwnerID,
		Status:    Status(row.Status),
		Locale:    row.Locale,
		CreatedAt: row.CreatedAt,
		Settings: Settings{
			MaxCharacterLimit: defaults.DefaultMaxCharacters,
			Requests:          RequestSettings{DeleteDuplicate: true},
		},
		Data: Data{ChannelLimit: defaults.DefaultChannelLimit},
	}
	for _, blob := range []struct {
		raw string
		dst any
	}{
		{row.Settings, &s.Settings},
		{row.Appearances, &s.Appearances},
		{row.Entrance, &s.Entrance},
		{row.Data, &s.Data},
		{row.Bans, &s.Bans},
	} {
		if blob.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(blob.raw), blob.dst); err != nil {
			return state{}, fmt.Errorf("decode group %s: %w", row.ID, err)
		}
	}
	return s, nil
}

// Group is a set of member channels whose messages are mirrored to each
// other. A group owns its membership, relay and request managers.
type Group struct {
	manager *Manager
	id      string

	// writeMu serializes every write to the group. It may be taken while
	// holding a registry channel lock, never the other way round.
	writeMu sync.Mutex

	mu sync.RWMutex
	st state

	Channels *Channels
	Messages *relay.Manager
	Requests *Requests
}

func newGroup(m *Manager, id string, st state) *Group {
	g := &Group{manager: m, id: id, st: st}
	g.Channels = &Channels{group: g, cache: make(map[string]*registry.Registry)}
	g.Requests = &Requests{group: g}
	g.Messages = relay.NewManager(g, m.opts.Relay)
	return g
}

func (g *Group) snapshot() state {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.clone()
}

func (g *Group) install(next state) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st = next
}

// save persists next and installs it.
func (g *Group) save(ctx context.Context, next state) error {
	row, err := next.row(g.id)
	if err != nil {
		return err
	}
	if err := g.manager.store.UpdateGroup(ctx, row); err != nil {
		return err
	}
	g.install(next)
	return nil
}

// saveIn persists next inside tx; it is installed on commit.
func (g *Group) saveIn(ctx context.Context, tx *store.Tx, next state) error {
	row, err := next.row(g.id)
	if err != nil {
		return err
	}
	if err := tx.UpdateGroup(ctx, row); err != nil {
		return err
	}
	tx.OnCommit(func() { g.install(next) })
	return nil
}

func (g *Group) ID() string { return g.id }

func (g *Group) Tag() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Tag
}

func (g *Group) OwnerID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.OwnerID
}

func (g *Group) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Status
}

// Locale returns the group's region, "global" when unset.
func (g *Group) Locale() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.st.Locale == "" {
		return "global"
	}
	return g.st.Locale
}

func (g *Group) ChannelLimit() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Data.ChannelLimit
}

// MaxCharacterLimit is the longest message content the group relays.
func (g *Group) MaxCharacterLimit() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Settings.MaxCharacterLimit
}

func (g *Group) DeleteDuplicateRequests() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Settings.Requests.DeleteDuplicate
}

func (g *Group) Appearances() Appearances {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Appearances
}

// Name returns the display name, falling back to "Unnamed".
func (g *Group) Name() string {
	if name := g.Appearances().Name; name != "" {
		return name
	}
	return "Unnamed"
}

// Description returns the description with a placeholder when unset.
func (g *Group) Description() string {
	if d := g.Appearances().Description; d != "" {
		return d
	}
	return "No description provided."
}

// HasPassword reports whether an entrance password is set.
func (g *Group) HasPassword() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Entrance.Password != ""
}

// CheckPassword reports whether password opens the entrance.
func (g *Group) CheckPassword(password string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.Entrance.Password != "" && g.st.Entrance.Password == password
}

func (g *Group) Banned(channelID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.st.Bans {
		if id == channelID {
			return true
		}
	}
	return false
}

func (g *Group) CreatedAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return time.UnixMilli(g.st.CreatedAt)
}

// Members returns the member registries.
func (g *Group) Members() []*registry.Registry {
	return g.Channels.List()
}

func (g *Group) String() string {
	return fmt.Sprintf("%s (%s)", g.Tag(), g.id)
}

// Setting looks up a value by dotted path, e.g. "settings.maxCharacterLimit"
// or "entrance.password". Paths without a known top-level key are looked up
// under "settings". Values come back JSON-decoded, so numbers are float64.
func (g *Group) Setting(path string) (any, bool) {
	st := g.snapshot()
	view := map[string]any{
		"tag":         st.Tag,
		"status":      st.Status,
		"locale":      st.Locale,
		"settings":    st.Settings,
		"appearances": st.Appearances,
		"entrance":    map[string]any{"password": st.Entrance.Password},
		"data":        map[string]any{"channelLimit": st.Data.ChannelLimit},
	}
	b, err := json.Marshal(view)
	if err != nil {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, false
	}

	parts := strings.Split(path, ".")
	if _, ok := doc[parts[0]]; !ok {
		parts = append([]string{"settings"}, parts...)
	}
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Send relays payload to every member except the excluded ones.
func (g *Group) Send(ctx context.Context, payload *platform.Payload, exclude ...any) ([]relay.Result, error) {
	return g.Messages.Create(ctx, relay.CreateOptions{Payload: payload, Exclude: exclude})
}
