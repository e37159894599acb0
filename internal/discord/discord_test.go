package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/concord-relay/concord/internal/platform"
)

type recordedCall struct {
	method string
	path   string
	query  string
	body   map[string]any
}

// newTestWebhookServer points discordgo's webhook endpoints at a local server.
func newTestWebhookServer(t *testing.T, status int) (*[]recordedCall, *sync.Mutex) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := recordedCall{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		_ = json.NewDecoder(r.Body).Decode(&call.body)
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"Unknown Webhook","code":10015}`))
			return
		}
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		content, _ := call.body["content"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "m1", "channel_id": "C1", "content": content})
	}))
	t.Cleanup(srv.Close)

	orig := discordgo.EndpointWebhooks
	discordgo.EndpointWebhooks = srv.URL + "/api/webhooks/"
	t.Cleanup(func() { discordgo.EndpointWebhooks = orig })
	return &calls, &mu
}

func TestWebhookConnRoundTrip(t *testing.T) {
	calls, mu := newTestWebhookServer(t, http.StatusOK)
	ctx := context.Background()
	d := NewDialer(0)

	c, err := d.Dial(WebhookURL("wh1", "tok"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	msg, err := c.Execute(ctx, &platform.Payload{
		Content:     "hello",
		Username:    "Alice • Guild",
		Attachments: []platform.Attachment{{URL: "https://cdn.test/v.mp4", ContentType: "video/mp4"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if msg.ID != "m1" || msg.WebhookID != "wh1" || msg.ChannelID != "C1" {
		t.Errorf("unexpected message %+v", msg)
	}
	if _, err := c.EditMessage(ctx, "m1", &platform.Payload{Content: "edited"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := c.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(*calls))
	}
	exec, edit, del := (*calls)[0], (*calls)[1], (*calls)[2]
	if exec.method != http.MethodPost || exec.path != "/api/webhooks/wh1/tok" || !strings.Contains(exec.query, "wait=true") {
		t.Errorf("unexpected execute call %+v", exec)
	}
	if exec.body["content"] != "hello\nhttps://cdn.test/v.mp4" || exec.body["username"] != "Alice • Guild" {
		t.Errorf("unexpected execute body %v", exec.body)
	}
	if _, ok := exec.body["allowed_mentions"]; !ok {
		t.Error("expected allowed_mentions to suppress pings")
	}
	if edit.method != http.MethodPatch || edit.path != "/api/webhooks/wh1/tok/messages/m1" || edit.body["content"] != "edited" {
		t.Errorf("unexpected edit call %+v", edit)
	}
	if del.method != http.MethodDelete || del.path != "/api/webhooks/wh1/tok/messages/m1" {
		t.Errorf("unexpected delete call %+v", del)
	}
}

func TestWebhookConnError(t *testing.T) {
	newTestWebhookServer(t, http.StatusNotFound)
	c, err := NewDialer(0).Dial(WebhookURL("wh1", "tok"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Execute(context.Background(), &platform.Payload{Content: "x"}); err == nil {
		t.Fatal("expected error from unknown webhook")
	}
}

func TestDialRejectsBadEndpoint(t *testing.T) {
	if _, err := NewDialer(0).Dial("https://discord.com/not-a-webhook"); err == nil {
		t.Fatal("expected error for malformed endpoint")
	}
}

func TestConvertMessage(t *testing.T) {
	m := &discordgo.Message{
		ID:        "100",
		ChannelID: "C1",
		GuildID:   "G1",
		Type:      discordgo.MessageTypeReply,
		Content:   "hi <@2> in <#C9>",
		Author:    &discordgo.User{ID: "1", Username: "alice", GlobalName: "Alice"},
		Member:    &discordgo.Member{Nick: "Ali"},
		Mentions:  []*discordgo.User{{ID: "2", Username: "bob"}},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", URL: "https://cdn.test/cat.png", Filename: "cat.png", ContentType: "image/png", Size: 2048},
		},
		StickerItems:      []*discordgo.StickerItem{{ID: "s1", Name: "wave"}},
		ReferencedMessage: &discordgo.Message{ID: "99", ChannelID: "C1", Content: "earlier", Author: &discordgo.User{ID: "2", Username: "bob"}},
	}

	msg := ConvertMessage(nil, m)
	if msg.Type != platform.MessageReply || msg.Author.Name() != "Ali" {
		t.Errorf("unexpected type or author: %v %q", msg.Type, msg.Author.Name())
	}
	if msg.Mentions.Users["2"] != "bob" {
		t.Errorf("expected user mention resolved, got %v", msg.Mentions.Users)
	}
	if len(msg.Attachments) != 1 || !msg.Attachments[0].IsImage() || msg.Attachments[0].Size != 2048 {
		t.Errorf("unexpected attachments %+v", msg.Attachments)
	}
	if len(msg.Stickers) != 1 || msg.Stickers[0].URL != "https://media.discordapp.net/stickers/s1.png" {
		t.Errorf("unexpected stickers %+v", msg.Stickers)
	}
	if msg.Reference == nil || msg.Reference.ID != "99" || msg.Reference.GuildID != "G1" || msg.Reference.Author.Name() != "bob" {
		t.Errorf("unexpected reference %+v", msg.Reference)
	}
	if ConvertMessage(nil, nil) != nil {
		t.Error("expected nil for nil message")
	}
}

func TestConvertWebhookAndChannel(t *testing.T) {
	h := convertWebhook(&discordgo.Webhook{ID: "wh1", Token: "tok", ChannelID: "C1", GuildID: "G1", User: &discordgo.User{ID: "bot"}})
	if h.OwnerID != "bot" || h.URL != WebhookURL("wh1", "tok") {
		t.Errorf("unexpected webhook %+v", h)
	}
	id, token, err := platform.ParseEndpoint(h.URL)
	if err != nil || id != "wh1" || token != "tok" {
		t.Errorf("expected endpoint to round trip, got %q %q %v", id, token, err)
	}
	if foreign := convertWebhook(&discordgo.Webhook{ID: "wh2"}); foreign.URL != "" || foreign.OwnerID != "" {
		t.Errorf("expected no url or owner for tokenless webhook, got %+v", foreign)
	}

	cases := map[discordgo.ChannelType]platform.ChannelType{
		discordgo.ChannelTypeGuildText:         platform.ChannelText,
		discordgo.ChannelTypeGuildNews:         platform.ChannelNews,
		discordgo.ChannelTypeGuildPublicThread: platform.ChannelThread,
		discordgo.ChannelTypeGuildVoice:        platform.ChannelVoice,
		discordgo.ChannelTypeDM:                platform.ChannelDM,
		discordgo.ChannelTypeGuildCategory:     platform.ChannelOther,
	}
	for in, want := range cases {
		if got := channelType(in); got != want {
			t.Errorf("channel type %d: expected %d, got %d", in, want, got)
		}
	}
}

func TestNewSessionIntents(t *testing.T) {
	if _, err := NewSession("  ", 0); err == nil {
		t.Fatal("expected error for empty token")
	}
	s, err := NewSession("abc", 0)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.Token != "Bot abc" || s.Identify.Intents != DefaultIntents {
		t.Errorf("unexpected session token=%q intents=%d", s.Token, s.Identify.Intents)
	}
	s, _ = NewSession("Bot abc", int(discordgo.IntentGuilds))
	if s.Token != "Bot abc" || s.Identify.Intents != discordgo.IntentGuilds {
		t.Errorf("expected explicit intents, got %d", s.Identify.Intents)
	}
}
