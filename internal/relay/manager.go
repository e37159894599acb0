// Package relay fans a group message out to every member channel's webhook
// and keeps the correlation between originals and their relayed copies so
// edits and deletions follow.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relayerr"
)

// Owner is the group a relay manager works for.
type Owner interface {
	ID() string
	Tag() string
	// Members returns the group's member registries.
	Members() []*registry.Registry
	// MaxCharacterLimit is the group's configured message length cap.
	MaxCharacterLimit() int
}

// Options tunes a relay manager.
type Options struct {
	// FanOutLimit bounds concurrent webhook calls per operation.
	FanOutLimit int
	// CorrelationSize bounds how many relayed copies are remembered.
	CorrelationSize int
	Overflow        OverflowHandler
	Events          bus.Publisher
}

func (o Options) withDefaults() Options {
	if o.FanOutLimit <= 0 {
		o.FanOutLimit = 8
	}
	if o.CorrelationSize <= 0 {
		o.CorrelationSize = 10000
	}
	if o.Overflow == nil {
		o.Overflow = StaticOverflow(ResolveFile)
	}
	if o.Events == nil {
		o.Events = bus.Discard
	}
	return o
}

// Manager relays messages for one group.
type Manager struct {
	owner Owner
	opts  Options

	mu        sync.Mutex
	byRelayed *lru.Cache[string, *GroupMessage]
	byBatch   *lru.Cache[string, []*GroupMessage]
}

// NewManager creates the relay manager of owner.
func NewManager(owner Owner, opts Options) *Manager {
	opts = opts.withDefaults()
	byRelayed, _ := lru.New[string, *GroupMessage](opts.CorrelationSize)
	byBatch, _ := lru.New[string, []*GroupMessage](opts.CorrelationSize)
	return &Manager{
		owner:     owner,
		opts:      opts,
		byRelayed: byRelayed,
		byBatch:   byBatch,
	}
}

// CreateOptions describes one relay.
type CreateOptions struct {
	// Original is the chat message being relayed, if any.
	Original *platform.Message
	// Payload fields override the payload rendered from Original.
	Payload *platform.Payload
	// Exclude lists targets to skip, as channel ids or registries.
	Exclude []any
}

// EditOptions describes the new content of a relayed message.
type EditOptions struct {
	Original *platform.Message
	Payload  *platform.Payload
}

// Create fans the message out to every member not excluded. Per-target
// failures are reported in the results; the error is only set when the
// relay could not start.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) ([]Result, error) {
	logger := slog.With("group", m.owner.Tag(), "op", "create")
	logger.Debug("Relay stage", "stage", StagePreparing)

	payload, err := m.prepare(ctx, opts.Original, opts.Payload)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, e := range opts.Exclude {
		if id, ok := registry.ResolveID(e); ok {
			excluded[id] = true
		}
	}
	targets := lo.Reject(m.owner.Members(), func(r *registry.Registry, _ int) bool {
		return excluded[r.ID()]
	})
	if len(targets) == 0 {
		logger.Debug("Relay stage", "stage", StageDone, "targets", 0)
		return []Result{}, nil
	}

	logger.Debug("Relay stage", "stage", StageFanningOut, "targets", len(targets))
	results := m.fanOut(targets, func(reg *registry.Registry) (*platform.Message, error) {
		return reg.Send(ctx, payload)
	})

	logger.Debug("Relay stage", "stage", StageCorrelating)
	batch := uuid.NewString()
	var origin Origin
	if opts.Original != nil {
		origin = Origin{ChannelID: opts.Original.ChannelID, MessageID: opts.Original.ID}
		batch = opts.Original.ID
	}
	now := time.Now()
	var records []*GroupMessage
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		records = append(records, &GroupMessage{
			MessageID:         r.Message.ID,
			Registry:          r.Registry,
			GroupID:           m.owner.ID(),
			OriginalChannelID: origin.ChannelID,
			OriginalMessageID: origin.MessageID,
			Batch:             batch,
			CreatedAt:         now,
		})
	}
	m.record(batch, records)
	m.reportFailures("create", origin, results)

	logger.Debug("Relay stage", "stage", StageDone, "sent", len(records), "failed", len(results)-len(records))
	return results, nil
}

// Edit re-renders the message and edits every relayed sibling of target.
// Unknown targets are a no-op.
func (m *Manager) Edit(ctx context.Context, target any, opts EditOptions) ([]Result, error) {
	siblings := m.References(target)
	if len(siblings) == 0 {
		return nil, nil
	}

	payload, err := m.prepare(ctx, opts.Original, opts.Payload)
	if err != nil {
		return nil, err
	}

	byRegistry := siblingIndex(siblings)
	results := m.fanOut(registriesOf(siblings), func(reg *registry.Registry) (*platform.Message, error) {
		return reg.EditMessage(ctx, byRegistry[reg.ID()].MessageID, payload)
	})
	m.reportFailures("edit", originOf(siblings[0]), results)
	return results, nil
}

// Delete deletes every relayed sibling of target. Unknown targets are a
// no-op.
func (m *Manager) Delete(ctx context.Context, target any) ([]Result, error) {
	siblings := m.References(target)
	if len(siblings) == 0 {
		return nil, nil
	}

	byRegistry := siblingIndex(siblings)
	results := m.fanOut(registriesOf(siblings), func(reg *registry.Registry) (*platform.Message, error) {
		return nil, reg.DeleteMessage(ctx, byRegistry[reg.ID()].MessageID)
	})

	batch := siblings[0].Batch
	var remaining []*GroupMessage
	m.mu.Lock()
	for _, r := range results {
		gm := byRegistry[r.Registry.ID()]
		if r.Err != nil {
			remaining = append(remaining, gm)
			continue
		}
		m.byRelayed.Remove(gm.MessageID)
	}
	if len(remaining) == 0 {
		m.byBatch.Remove(batch)
	} else {
		m.byBatch.Add(batch, remaining)
	}
	m.mu.Unlock()

	m.reportFailures("delete", originOf(siblings[0]), results)
	return results, nil
}

// References returns the relayed siblings of target: an original message,
// its id, or the id of any relayed copy.
func (m *Manager) References(target any) []*GroupMessage {
	id := messageID(target)
	if id == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Batches are keyed by the original's id; a message target must also
	// match the original's channel.
	if list, ok := m.byBatch.Get(id); ok && sameOrigin(target, list) {
		return append([]*GroupMessage(nil), list...)
	}
	if gm, ok := m.byRelayed.Get(id); ok {
		if list, ok := m.byBatch.Get(gm.Batch); ok {
			return append([]*GroupMessage(nil), list...)
		}
	}
	return nil
}

// Get returns the correlation record of a relayed copy.
func (m *Manager) Get(relayedID string) (*GroupMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byRelayed.Get(relayedID)
}

// Parent returns where a relayed copy came from. Copies of payloads that
// never had an original are Orphaned.
func (m *Manager) Parent(relayedID string) (Origin, error) {
	gm, ok := m.Get(relayedID)
	if !ok {
		return Origin{}, relayerr.ResourceNotFound("group message", relayedID)
	}
	if !gm.HasParent() {
		return Origin{}, relayerr.New(relayerr.Orphaned, "group message '%s' has no original", relayedID)
	}
	return originOf(gm), nil
}

// Len returns the number of remembered relayed copies.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byRelayed.Len()
}

// prepare renders and merges the payload, then applies the overflow policy.
func (m *Manager) prepare(ctx context.Context, original *platform.Message, override *platform.Payload) (*platform.Payload, error) {
	if original == nil && override == nil {
		return nil, relayerr.New(relayerr.Invalid, "nothing to relay: no original message and no payload")
	}
	var payload platform.Payload
	if original != nil {
		payload = Render(original)
	}
	payload = payload.Merge(override)

	limit := platform.MaxContentLength
	if l := m.owner.MaxCharacterLimit(); l > 0 && l < limit {
		limit = l
	}
	length := utf8.RuneCountInString(payload.Content)
	if length <= limit {
		return &payload, nil
	}

	res, err := m.opts.Overflow.ResolveOverflow(ctx, OverflowRequest{
		GroupID:  m.owner.ID(),
		Original: original,
		Payload:  &payload,
		Length:   length,
		Limit:    limit,
	})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Overflow, err, "resolve overflow of %d characters", length)
	}
	if !applyResolution(&payload, res, limit) {
		return nil, relayerr.New(relayerr.Overflow, "message of %d characters exceeds the limit of %d", length, limit)
	}
	return &payload, nil
}

// fanOut calls fn for every target concurrently. Each outcome is captured on
// its own; no failure stops the others.
func (m *Manager) fanOut(targets []*registry.Registry, fn func(*registry.Registry) (*platform.Message, error)) []Result {
	results := make([]Result, len(targets))
	var g errgroup.Group
	g.SetLimit(m.opts.FanOutLimit)
	for i, reg := range targets {
		g.Go(func() error {
			msg, err := fn(reg)
			results[i] = Result{Registry: reg, Message: msg, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Manager) record(batch string, records []*GroupMessage) {
	if len(records) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gm := range records {
		m.byRelayed.Add(gm.MessageID, gm)
	}
	list, _ := m.byBatch.Get(batch)
	m.byBatch.Add(batch, append(list, records...))
}

func (m *Manager) reportFailures(op string, origin Origin, results []Result) {
	for _, r := range Failed(results) {
		slog.Warn("Relay target failed", "group", m.owner.Tag(), "op", op, "channel_id", r.Registry.ID(), "error", r.Err)
		m.opts.Events.Publish(&bus.Event{
			Type:      bus.RelayFailed,
			GroupID:   m.owner.ID(),
			GroupTag:  m.owner.Tag(),
			ChannelID: r.Registry.ID(),
			Detail:    r.Err.Error(),
			Metadata:  map[string]any{"op": op, "original_channel_id": origin.ChannelID, "original_message_id": origin.MessageID},
		})
	}
}

func messageID(target any) string {
	switch t := target.(type) {
	case string:
		return t
	case *platform.Message:
		if t == nil {
			return ""
		}
		return t.ID
	case *GroupMessage:
		if t == nil {
			return ""
		}
		return t.MessageID
	default:
		return ""
	}
}

// sameOrigin reports whether a message target is the original of list.
// Bare ids and relayed copies carry no original channel to compare.
func sameOrigin(target any, list []*GroupMessage) bool {
	msg, ok := target.(*platform.Message)
	if !ok || msg.ChannelID == "" || len(list) == 0 || !list[0].HasParent() {
		return true
	}
	return list[0].OriginalChannelID == msg.ChannelID
}

func originOf(gm *GroupMessage) Origin {
	return Origin{ChannelID: gm.OriginalChannelID, MessageID: gm.OriginalMessageID}
}

func siblingIndex(siblings []*GroupMessage) map[string]*GroupMessage {
	return lo.KeyBy(siblings, func(gm *GroupMessage) string { return gm.Registry.ID() })
}

func registriesOf(siblings []*GroupMessage) []*registry.Registry {
	return lo.Map(siblings, func(gm *GroupMessage, _ int) *registry.Registry { return gm.Registry })
}
