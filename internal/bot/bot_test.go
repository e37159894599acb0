package bot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/concord-relay/concord/internal/bus"
	"github.com/concord-relay/concord/internal/group"
	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/platform/fake"
	"github.com/concord-relay/concord/internal/reconcile"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relayerr"
	"github.com/concord-relay/concord/internal/store"
)

type testEnv struct {
	bot        *Bot
	platform   *fake.Platform
	registries *registry.Manager
	groups     *group.Manager
	events     *bus.Recorder
}

func newTestBot(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "concord.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	env := &testEnv{platform: fake.New("bot"), events: &bus.Recorder{}}
	env.registries = registry.NewManager(s, env.platform, env.events, registry.Options{})
	env.groups = group.NewManager(s, env.registries, env.events, group.Options{})
	rec := reconcile.New(env.platform, env.registries, env.events)
	env.bot = New(env.platform, env.groups, rec, Options{})
	return env
}

// register adds a text channel to the fake platform and registers it.
func (e *testEnv) register(t *testing.T, channelID string) *registry.Registry {
	t.Helper()
	e.platform.AddChannel(channelID, "G")
	reg, err := e.bot.Register(context.Background(), channelID, RegisterOptions{Requester: "tester"})
	if err != nil {
		t.Fatalf("register %s: %v", channelID, err)
	}
	return reg
}

// linked builds group "test" with registered members A and B.
func (e *testEnv) linked(t *testing.T) *group.Group {
	t.Helper()
	ctx := context.Background()
	g, err := e.groups.Create(ctx, group.CreateOptions{Tag: "test", OwnerID: "owner"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, ch := range []string{"A", "B"} {
		e.register(t, ch)
		if _, err := g.Channels.Add(ctx, ch); err != nil {
			t.Fatalf("add %s: %v", ch, err)
		}
	}
	return g
}

func message(id, channelID, content string) *platform.Message {
	return &platform.Message{
		ID:        id,
		ChannelID: channelID,
		GuildID:   "G",
		GuildName: "Guild",
		Author:    &platform.User{ID: "u1", Username: "alice"},
		Content:   content,
	}
}

func TestAccept(t *testing.T) {
	env := newTestBot(t)

	thread := message("1", "A", "x")
	thread.ChannelType = platform.ChannelThread
	hooked := message("1", "A", "x")
	hooked.WebhookID = "wh9"
	system := message("1", "A", "x")
	system.Type = platform.MessageSystem
	reply := message("1", "A", "x")
	reply.Type = platform.MessageReply
	fromBot := message("1", "A", "x")
	fromBot.Author = &platform.User{ID: "bot", Bot: true}
	dm := message("1", "A", "x")
	dm.GuildID = ""
	anonymous := message("1", "A", "x")
	anonymous.Author = nil

	tests := []struct {
		name string
		msg  *platform.Message
		want bool
	}{
		{"plain", message("1", "A", "x"), true},
		{"reply", reply, true},
		{"thread", thread, false},
		{"webhook", hooked, false},
		{"system", system, false},
		{"self", fromBot, false},
		{"dm", dm, false},
		{"no author", anonymous, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.bot.accept(tt.msg); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRelayLifecycle(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	g := env.linked(t)

	orig := message("100", "A", "hello")
	env.bot.MessageCreate(ctx, orig)

	copies := env.platform.Messages("B")
	if len(copies) != 1 {
		t.Fatalf("expected 1 relayed copy on B, got %d", len(copies))
	}
	if n := len(env.platform.Messages("A")); n != 0 {
		t.Errorf("expected source channel excluded, got %d copies on A", n)
	}
	copyID := copies[0].ID
	if copies[0].Payload.Content != "hello" {
		t.Errorf("expected content %q, got %q", "hello", copies[0].Payload.Content)
	}
	refs := g.Messages.References(orig)
	if len(refs) != 1 || refs[0].MessageID != copyID || refs[0].Registry.ID() != "B" {
		t.Fatalf("unexpected correlation %+v", refs)
	}
	if refs[0].OriginalChannelID != "A" || refs[0].OriginalMessageID != "100" {
		t.Errorf("expected origin (A, 100), got (%s, %s)", refs[0].OriginalChannelID, refs[0].OriginalMessageID)
	}

	edited := message("100", "A", "hello again")
	env.bot.MessageUpdate(ctx, edited)
	sent := env.platform.Message(copyID)
	if sent.Edits != 1 || sent.Payload.Content != "hello again" {
		t.Errorf("expected copy edited once to %q, got %d edits, %q", "hello again", sent.Edits, sent.Payload.Content)
	}

	env.bot.MessageDelete(ctx, &platform.Message{ID: "100", ChannelID: "A", GuildID: "G"})
	if !env.platform.Message(copyID).Deleted {
		t.Error("expected relayed copy deleted")
	}
}

func TestDeletingRelayedCopyDoesNotCascade(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	env.linked(t)
	env.register(t, "C")
	g, _ := env.groups.Find(ctx, "test")
	if _, err := g.Channels.Add(ctx, "C"); err != nil {
		t.Fatalf("add C: %v", err)
	}

	env.bot.MessageCreate(ctx, message("100", "A", "hello"))
	onB := env.platform.Messages("B")
	if len(onB) != 1 {
		t.Fatalf("expected copy on B, got %d", len(onB))
	}

	// A moderator removes the copy on B; the copy on C must survive.
	env.bot.MessageDelete(ctx, &platform.Message{ID: onB[0].ID, ChannelID: "B", GuildID: "G"})
	if n := len(env.platform.Messages("C")); n != 1 {
		t.Errorf("expected copy on C kept, got %d", n)
	}
}

func TestMessageFromNonMemberIgnored(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	env.linked(t)
	env.register(t, "C")

	env.bot.MessageCreate(ctx, message("1", "C", "anyone?"))
	env.bot.MessageCreate(ctx, message("2", "Z", "unknown channel"))
	if n := len(env.platform.Messages("A")) + len(env.platform.Messages("B")); n != 0 {
		t.Errorf("expected nothing relayed, got %d", n)
	}
}

func TestRegisterReusesBotWebhook(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	env.platform.AddChannel("A", "G")
	first := env.platform.AddWebhook("A", "bot")
	second := env.platform.AddWebhook("A", "bot")
	foreign := env.platform.AddWebhook("A", "someone-else")

	reg, err := env.bot.Register(ctx, "A", RegisterOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Webhook() != first.URL {
		t.Errorf("expected first bot webhook reused, got %s", reg.Webhook())
	}
	if env.platform.Webhook(second.ID) != nil {
		t.Error("expected extra bot webhook deleted")
	}
	if env.platform.Webhook(foreign.ID) == nil {
		t.Error("expected foreign webhook untouched")
	}

	_, err = env.bot.Register(ctx, "A", RegisterOptions{})
	if !errors.Is(err, relayerr.Duplicate) {
		t.Errorf("expected Duplicate, got %v", err)
	}
}

func TestRegisterForceNew(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	env.platform.AddChannel("A", "G")
	old := env.platform.AddWebhook("A", "bot")

	reg, err := env.bot.Register(ctx, "A", RegisterOptions{ForceNew: true})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Webhook() == old.URL || reg.WebhookID() == "" {
		t.Errorf("expected a fresh webhook, got %s", reg.Webhook())
	}
	if env.platform.Webhook(old.ID) != nil {
		t.Error("expected old bot webhook deleted")
	}
	if hook := env.platform.Webhook(reg.WebhookID()); hook == nil || hook.Name != reconcile.WebhookName {
		t.Errorf("expected webhook named %q, got %+v", reconcile.WebhookName, hook)
	}
}

func TestRegisterRejects(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()

	if _, err := env.bot.Register(ctx, "missing", RegisterOptions{}); !errors.Is(err, relayerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}

	env.platform.AddChannel("T", "G").Type = platform.ChannelThread
	if _, err := env.bot.Register(ctx, "T", RegisterOptions{}); !errors.Is(err, relayerr.Invalid) {
		t.Errorf("expected Invalid for thread, got %v", err)
	}

	env.platform.AddChannel("F", "G")
	env.platform.Fail("F", true)
	if _, err := env.bot.Register(ctx, "F", RegisterOptions{}); !errors.Is(err, relayerr.TransportFailure) {
		t.Errorf("expected TransportFailure, got %v", err)
	}
	if ok, _ := env.registries.Has(ctx, "F"); ok {
		t.Error("expected no registry after failed registration")
	}
}

func TestUnregisterKicksMember(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	g := env.linked(t)
	reg, _ := env.registries.Fetch(ctx, "A", registry.FetchOptions{})
	webhookID := reg.WebhookID()

	if err := env.bot.Unregister(ctx, "A"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if g.Channels.Size() != 1 || g.Channels.Has("A") {
		t.Errorf("expected A kicked, members=%d", g.Channels.Size())
	}
	if ok, _ := env.registries.Has(ctx, "A"); ok {
		t.Error("expected registry deleted")
	}
	if env.platform.Webhook(webhookID) != nil {
		t.Error("expected webhook deleted")
	}

	var order []bus.EventType
	for _, e := range env.events.Events() {
		if e.ChannelID == "A" && (e.Type == bus.GroupMemberRemove || e.Type == bus.RegistryDelete) {
			order = append(order, e.Type)
		}
	}
	if len(order) != 2 || order[0] != bus.GroupMemberRemove || order[1] != bus.RegistryDelete {
		t.Errorf("expected member removal before registry delete, got %v", order)
	}

	if err := env.bot.Unregister(ctx, "A"); !errors.Is(err, relayerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestJoinPublicMovesChannel(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	first := env.linked(t)
	second, err := env.groups.Create(ctx, group.CreateOptions{Tag: "other", OwnerID: "owner"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	res, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "other", UserID: "u1"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Left != first || res.Group != second {
		t.Errorf("unexpected result %+v", res)
	}
	if first.Channels.Has("A") || !second.Channels.Has("A") {
		t.Error("expected A moved to other")
	}

	_, err = env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "other"})
	if !errors.Is(err, relayerr.DuplicateMembership) {
		t.Errorf("expected DuplicateMembership, got %v", err)
	}
	_, err = env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "nope"})
	if !errors.Is(err, relayerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	_, err = env.bot.Join(ctx, JoinOptions{ChannelID: "Z", Group: "test"})
	if !errors.Is(err, relayerr.Unregistered) {
		t.Errorf("expected Unregistered, got %v", err)
	}
}

func TestJoinFullGroupKeepsMembership(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	first := env.linked(t)
	full, _ := env.groups.Create(ctx, group.CreateOptions{Tag: "full", OwnerID: "owner"})
	if _, err := env.groups.Edit(ctx, full.ID(), group.EditOptions{ChannelLimit: intPtr(1)}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	env.register(t, "C")
	if _, err := full.Channels.Add(ctx, "C"); err != nil {
		t.Fatalf("add C: %v", err)
	}

	_, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "full"})
	if !errors.Is(err, relayerr.Capacity) {
		t.Fatalf("expected Capacity, got %v", err)
	}
	if !first.Channels.Has("A") {
		t.Error("expected A to stay in its group")
	}
}

func TestJoinRestoresMembershipWhenTargetFillsUp(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	first := env.linked(t)
	target, _ := env.groups.Create(ctx, group.CreateOptions{Tag: "target", OwnerID: "owner"})
	if _, err := env.groups.Edit(ctx, target.ID(), group.EditOptions{ChannelLimit: intPtr(1)}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	env.register(t, "C")

	// C takes the last seat after A has already been kicked.
	env.bot.afterKick = func() {
		if _, err := target.Channels.Add(ctx, "C"); err != nil {
			t.Errorf("add C: %v", err)
		}
	}
	res, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "target"})
	if !errors.Is(err, relayerr.Capacity) {
		t.Fatalf("expected Capacity, got res=%v err=%v", res, err)
	}
	if !first.Channels.Has("A") {
		t.Fatal("expected A restored to its old group")
	}
	if target.Channels.Has("A") {
		t.Error("expected A not in the full group")
	}
}

func TestJoinStatusRules(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	env.register(t, "A")
	g, _ := env.groups.Create(ctx, group.CreateOptions{Tag: "gated", OwnerID: "owner"})
	setStatus := func(s group.Status) {
		t.Helper()
		opts := group.EditOptions{Status: &s}
		if s == group.StatusProtected {
			opts.Password = strPtr("secret")
		}
		if _, err := env.groups.Edit(ctx, g.ID(), opts); err != nil {
			t.Fatalf("edit status: %v", err)
		}
	}

	setStatus(group.StatusRestricted)
	res, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "gated", UserID: "u1", Message: "let us in"})
	if err != nil {
		t.Fatalf("join restricted: %v", err)
	}
	if res.Request == nil || g.Channels.Has("A") {
		t.Fatalf("expected a pending request, got %+v", res)
	}
	if pending := g.Requests.Pending("A"); len(pending) != 1 || pending[0].Message != "let us in" {
		t.Errorf("unexpected pending requests %+v", pending)
	}

	setStatus(group.StatusProtected)
	if _, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "gated", Password: "wrong"}); !errors.Is(err, relayerr.Denied) {
		t.Errorf("expected Denied for wrong password, got %v", err)
	}
	if _, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "gated", Password: "secret"}); err != nil {
		t.Fatalf("join protected: %v", err)
	}
	if len(g.Requests.Pending("A")) != 0 {
		t.Error("expected joining to cancel pending requests")
	}
	if _, err := env.bot.Leave(ctx, "A"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	setStatus(group.StatusPrivate)
	if _, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "gated", UserID: "u1"}); !errors.Is(err, relayerr.Denied) {
		t.Errorf("expected Denied for private group, got %v", err)
	}
	if _, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "gated", UserID: "owner"}); err != nil {
		t.Errorf("expected owner to bypass private status, got %v", err)
	}
}

func TestJoinBanned(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	env.register(t, "A")
	g, _ := env.groups.Create(ctx, group.CreateOptions{Tag: "strict", OwnerID: "owner"})
	if err := g.Channels.Ban(ctx, "A"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if _, err := env.bot.Join(ctx, JoinOptions{ChannelID: "A", Group: "strict", UserID: "owner"}); !errors.Is(err, relayerr.Denied) {
		t.Errorf("expected Denied for banned channel, got %v", err)
	}
}

func TestLeave(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	g := env.linked(t)

	left, err := env.bot.Leave(ctx, "B")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if left != g || g.Channels.Has("B") {
		t.Error("expected B to leave test")
	}
	if _, err := env.bot.Leave(ctx, "B"); !errors.Is(err, relayerr.NotMember) {
		t.Errorf("expected NotMember, got %v", err)
	}
	if _, err := env.bot.Leave(ctx, "Z"); !errors.Is(err, relayerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestWebhooksUpdateRepairs(t *testing.T) {
	env := newTestBot(t)
	ctx := context.Background()
	env.linked(t)
	reg, _ := env.registries.Fetch(ctx, "B", registry.FetchOptions{})
	env.platform.RemoveWebhook(reg.WebhookID())

	env.bot.WebhooksUpdate(ctx, "G", "B")

	if env.events.Count(bus.WebhookRepaired) != 1 {
		t.Fatal("expected webhook repaired")
	}
	env.bot.MessageCreate(ctx, message("200", "A", "after repair"))
	var found bool
	for _, m := range env.platform.Messages("B") {
		if m.Payload.Content == "after repair" {
			found = true
		}
	}
	if !found {
		t.Error("expected relay to B through the new webhook")
	}
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
