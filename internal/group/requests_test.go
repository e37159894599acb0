package group

import (
	"context"
	"errors"
	"testing"

	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relayerr"
)

func TestRequestCreateDropsDuplicates(t *testing.T) {
	env := newTestManager(t, Options{})
	ctx := context.Background()

	g := env.createGroup(t, "test")
	env.register(t, "A")
	env.register(t, "B")

	first, err := g.Requests.Create(ctx, "A", "let us in")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := g.Requests.Create(ctx, "A", "please")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if _, err := g.Requests.Create(ctx, "B", ""); err != nil {
		t.Fatalf("create B: %v", err)
	}

	pending := g.Requests.Pending("A")
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("expected only the newest request of A, got %+v", pending)
	}
	if _, ok := g.Requests.Get(first.ID); ok {
		t.Error("expected the older request dropped")
	}
	if len(g.Requests.List()) != 2 {
		t.Errorf("expected 2 requests, got %d", len(g.Requests.List()))
	}
	if env.events.Count(bus.RequestCreate) != 3 {
		t.Errorf("expected 3 RequestCreate events, got %d", env.events.Count(bus.RequestCreate))
	}
}

func TestRequestCreateKeepsDuplicatesWhenDisabled(t *testing.T) {
	env := newTestManager(t, Options{})
	ctx := context.Background()

	g := env.createGroup(t, "test")
	off := false
	if _, err := env.groups.Edit(ctx, g.ID(), EditOptions{DeleteDuplicateRequests: &off}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	env.register(t, "A")
	g.Requests.Create(ctx, "A", "one")
	g.Requests.Create(ctx, "A", "two")

	if n := len(g.Requests.Pending("A")); n != 2 {
		t.Errorf("expected 2 pending requests, got %d", n)
	}
}

func TestRequestCreateValidation(t *testing.T) {
	env := newTestManager(t, Options{})
	ctx := context.Background()

	g := env.createGroup(t, "test")
	if _, err := g.Requests.Create(ctx, "ghost", ""); !errors.Is(err, relayerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	env.registries.Create(ctx, registry.CreateOptions{ChannelID: "bare", GuildID: "G"})
	if _, err := g.Requests.Create(ctx, "bare", ""); !errors.Is(err, relayerr.Unregistered) {
		t.Errorf("expected Unregistered, got %v", err)
	}
	env.register(t, "A")
	g.Channels.Add(ctx, "A")
	if _, err := g.Requests.Create(ctx, "A", ""); !errors.Is(err, relayerr.DuplicateMembership) {
		t.Errorf("expected DuplicateMembership, got %v", err)
	}
}

func TestRequestAcceptAddsChannel(t *testing.T) {
	env := newTestManager(t, Options{})
	ctx := context.Background()

	g := env.createGroup(t, "test")
	env.register(t, "A")
	req, _ := g.Requests.Create(ctx, "A", "")

	accepted, err := g.Requests.Accept(ctx, req.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.State != RequestAccepted {
		t.Errorf("expected accepted, got %s", accepted.State)
	}
	if !g.Channels.Has("A") {
		t.Error("expected A to be a member")
	}
	if len(g.Requests.List()) != 0 {
		t.Errorf("expected requests cleared, got %+v", g.Requests.List())
	}
	if _, err := g.Requests.Accept(ctx, req.ID); !errors.Is(err, relayerr.NotFound) {
		t.Errorf("expected NotFound accepting twice, got %v", err)
	}

	var resolved *bus.Event
	for _, e := range env.events.Events() {
		if e.Type == bus.RequestResolve {
			resolved = e
		}
	}
	if resolved == nil || resolved.Detail != "accepted" {
		t.Errorf("expected accepted resolve event, got %+v", resolved)
	}
}

func TestRequestAcceptRespectsCapacity(t *testing.T) {
	env := newTestManager(t, Options{DefaultChannelLimit: 1})
	ctx := context.Background()

	g := env.createGroup(t, "test")
	env.register(t, "A")
	env.register(t, "B")
	g.Channels.Add(ctx, "A")
	req, _ := g.Requests.Create(ctx, "B", "")

	if _, err := g.Requests.Accept(ctx, req.ID); !errors.Is(err, relayerr.Capacity) {
		t.Fatalf("expected Capacity, got %v", err)
	}
	if _, ok := g.Requests.Get(req.ID); !ok {
		t.Error("expected the request to stay pending")
	}
}

func TestRequestDeny(t *testing.T) {
	env := newTestManager(t, Options{})
	ctx := context.Background()

	g := env.createGroup(t, "test")
	env.register(t, "A")
	req, _ := g.Requests.Create(ctx, "A", "")

	denied, err := g.Requests.Deny(ctx, req.ID)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.State != RequestDenied || g.Channels.Has("A") {
		t.Errorf("unexpected deny outcome %+v", denied)
	}
	if len(g.Requests.List()) != 0 {
		t.Error("expected request removed")
	}
	if _, err := g.Requests.Deny(ctx, "nope"); !errors.Is(err, relayerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestAddCancelsPendingRequests(t *testing.T) {
	env := newTestManager(t, Options{})
	ctx := context.Background()

	g := env.createGroup(t, "test")
	env.register(t, "A")
	env.register(t, "B")
	g.Requests.Create(ctx, "A", "")
	g.Requests.Create(ctx, "B", "")

	if _, err := g.Channels.Add(ctx, "A"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(g.Requests.Pending("A")) != 0 {
		t.Error("expected A's request cancelled")
	}
	if len(g.Requests.Pending("B")) != 1 {
		t.Error("expected B's request untouched")
	}

	registries := registry.NewManager(env.store, env.platform, nil, registry.Options{})
	fresh := NewManager(env.store, registries, nil, Options{})
	reloaded, _ := fresh.Fetch(ctx, g.ID(), FetchOptions{})
	if n := len(reloaded.Requests.List()); n != 1 {
		t.Errorf("expected 1 persisted request, got %d", n)
	}
}

func TestBulkCancel(t *testing.T) {
	env := newTestManager(t, Options{})
	ctx := context.Background()

	g := env.createGroup(t, "test")
	for _, id := range []string{"A", "B", "C"} {
		env.register(t, id)
		g.Requests.Create(ctx, id, id)
	}

	n, err := g.Requests.BulkCancel(ctx, func(r Request) bool { return r.Message != "B" })
	if err != nil {
		t.Fatalf("bulk cancel: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cancelled, got %d", n)
	}
	if left := g.Requests.List(); len(left) != 1 || left[0].ChannelID != "B" {
		t.Errorf("expected only B left, got %+v", left)
	}

	n, err = g.Requests.BulkCancel(ctx, func(Request) bool { return false })
	if err != nil || n != 0 {
		t.Errorf("expected no-op, got %d %v", n, err)
	}
}
