package group

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relayerr"
	"github.com/concord-relay/concord/internal/store"
)

// RequestState is where a join request stands.
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestAccepted RequestState = "accepted"
	RequestDenied   RequestState = "denied"
)

// Request asks for a channel to join a restricted group. Only pending
// requests are persisted; resolving one removes it from the entrance.
type Request struct {
	ID        string       `json:"id"`
	ChannelID string       `json:"channelId"`
	Message   string       `json:"message,omitempty"`
	State     RequestState `json:"state"`
	CreatedAt int64        `json:"createdTimestamp"`
}

func (r Request) Pending() bool { return r.State == RequestPending }

// Requests manages a group's join requests.
type Requests struct {
	group *Group
}

// List returns every stored request, oldest first.
func (r *Requests) List() []Request {
	return r.group.snapshot().Entrance.Requests
}

// Pending returns the pending requests of channelID.
func (r *Requests) Pending(channelID string) []Request {
	return lo.Filter(r.List(), func(req Request, _ int) bool {
		return req.Pending() && req.ChannelID == channelID
	})
}

// Get returns the request with id.
func (r *Requests) Get(id string) (Request, bool) {
	return lo.Find(r.List(), func(req Request) bool { return req.ID == id })
}

// Create files a join request for channel. With duplicate deletion on,
// older pending requests of the same channel are dropped.
func (r *Requests) Create(ctx context.Context, channel any, message string) (*Request, error) {
	g := r.group
	channelID, ok := registry.ResolveID(channel)
	if !ok {
		return nil, relayerr.New(relayerr.Invalid, "cannot resolve a channel from %v", channel)
	}
	reg, err := g.manager.registries.Fetch(ctx, channelID, registry.FetchOptions{})
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, relayerr.ResourceNotFound("channel registry", channelID)
	}
	if !reg.IsRegistered() {
		return nil, relayerr.ChannelUnregistered(channelID)
	}
	if reg.GroupID() == g.id {
		return nil, relayerr.AlreadyMember(channelID)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	req := Request{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Message:   message,
		State:     RequestPending,
		CreatedAt: time.Now().UnixMilli(),
	}
	next := g.snapshot()
	if next.Settings.Requests.DeleteDuplicate {
		next.Entrance.Requests = lo.Reject(next.Entrance.Requests, func(old Request, _ int) bool {
			return old.Pending() && old.ChannelID == channelID
		})
	}
	next.Entrance.Requests = append(next.Entrance.Requests, req)
	if err := g.save(ctx, next); err != nil {
		return nil, err
	}

	slog.Info("Join request created", "group", g.Tag(), "channel_id", channelID, "request_id", req.ID)
	g.manager.events.Publish(&bus.Event{Type: bus.RequestCreate, GroupID: g.id, GroupTag: g.Tag(), ChannelID: channelID, Detail: message})
	return &req, nil
}

// Accept adds the requesting channel to the group. Adding cancels the
// channel's pending requests, this one included.
func (r *Requests) Accept(ctx context.Context, id string) (*Request, error) {
	g := r.group
	req, ok := r.Get(id)
	if !ok || !req.Pending() {
		return nil, relayerr.ResourceNotFound("join request", id)
	}
	if _, err := g.Channels.Add(ctx, req.ChannelID); err != nil {
		return nil, err
	}
	req.State = RequestAccepted
	r.resolved(req)
	return &req, nil
}

// Deny drops a pending request.
func (r *Requests) Deny(ctx context.Context, id string) (*Request, error) {
	g := r.group
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	req, ok := r.Get(id)
	if !ok || !req.Pending() {
		return nil, relayerr.ResourceNotFound("join request", id)
	}
	next := g.snapshot()
	next.Entrance.Requests = lo.Reject(next.Entrance.Requests, func(old Request, _ int) bool { return old.ID == id })
	if err := g.save(ctx, next); err != nil {
		return nil, err
	}
	req.State = RequestDenied
	r.resolved(req)
	return &req, nil
}

// BulkCancel drops every request matching pred and returns how many went.
func (r *Requests) BulkCancel(ctx context.Context, pred func(Request) bool) (int, error) {
	g := r.group
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	var n int
	err := g.manager.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = r.cancelIn(ctx, tx, pred)
		return err
	})
	return n, err
}

// cancelIn drops matching requests inside tx. The caller holds the group's
// write lock.
func (r *Requests) cancelIn(ctx context.Context, tx *store.Tx, pred func(Request) bool) (int, error) {
	next := r.group.snapshot()
	kept := lo.Reject(next.Entrance.Requests, func(req Request, _ int) bool { return pred(req) })
	n := len(next.Entrance.Requests) - len(kept)
	if n == 0 {
		return 0, nil
	}
	next.Entrance.Requests = kept
	if err := r.group.saveIn(ctx, tx, next); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Requests) resolved(req Request) {
	g := r.group
	slog.Info("Join request resolved", "group", g.Tag(), "channel_id", req.ChannelID, "request_id", req.ID, "state", req.State)
	g.manager.events.Publish(&bus.Event{
		Type:      bus.RequestResolve,
		GroupID:   g.id,
		GroupTag:  g.Tag(),
		ChannelID: req.ChannelID,
		Detail:    string(req.State),
	})
}
