// Package bus provides the async lifecycle event bus between the relay core
// and its observers (logging, audit webhooks, event topics).
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event.
type EventType string

const (
	GroupCreate       EventType = "group_create"
	GroupUpdate       EventType = "group_update"
	GroupDelete       EventType = "group_delete"
	GroupMemberAdd    EventType = "group_member_add"
	GroupMemberRemove EventType = "group_member_remove"
	RegistryCreate    EventType = "registry_create"
	RegistryDelete    EventType = "registry_delete"
	RequestCreate     EventType = "request_create"
	RequestResolve    EventType = "request_resolve"
	WebhookRepaired   EventType = "webhook_repaired"
	WebhookRelocated  EventType = "webhook_relocated"
	WebhookOrphaned   EventType = "webhook_orphaned"
	RelayFailed       EventType = "relay_failed"
)

// Event is a single lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	GroupID   string         `json:"group_id,omitempty"`
	GroupTag  string         `json:"group_tag,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	GuildID   string         `json:"guild_id,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher accepts lifecycle events. The relay core only depends on this.
type Publisher interface {
	Publish(e *Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(*Event) {}

// EventBus fans published events out to subscribers on a dispatcher goroutine.
type EventBus struct {
	events  chan *Event
	subs    map[EventType][]func(*Event)
	all     []func(*Event)
	running bool
	mu      sync.RWMutex
}

// NewEventBus creates a bus with the given buffer size.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &EventBus{
		events: make(chan *Event, buffer),
		subs:   make(map[EventType][]func(*Event)),
	}
}

// Publish enqueues an event. Events are dropped when the buffer is full so
// a stalled observer never blocks the relay.
func (b *EventBus) Publish(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case b.events <- e:
	default:
		slog.Warn("Event bus full, dropping event", "type", e.Type, "channel_id", e.ChannelID)
	}
}

// Subscribe registers a callback for one event type.
func (b *EventBus) Subscribe(t EventType, callback func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[t] = append(b.subs[t], callback)
}

// SubscribeAll registers a callback for every event.
func (b *EventBus) SubscribeAll(callback func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, callback)
}

// Dispatch runs the event dispatcher until ctx is cancelled.
// This should be run as a goroutine.
func (b *EventBus) Dispatch(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-b.events:
			b.mu.RLock()
			callbacks := append(append([]func(*Event){}, b.subs[e.Type]...), b.all...)
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(e)
			}
		}
	}
}

// Running reports whether a dispatcher is active.
func (b *EventBus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Pending returns the number of queued events.
func (b *EventBus) Pending() int {
	return len(b.events)
}

// Recorder is a synchronous Publisher that keeps every event, for tests and
// dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *Recorder) Publish(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
