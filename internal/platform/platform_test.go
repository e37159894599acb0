package platform

import "testing"

func TestParseEndpoint(t *testing.T) {
	id, token, err := ParseEndpoint("https://discord.com/api/webhooks/1234/abcd-efgh")
	if err != nil {
		t.Fatalf("ParseEndpoint failed: %v", err)
	}
	if id != "1234" || token != "abcd-efgh" {
		t.Errorf("expected 1234/abcd-efgh, got %s/%s", id, token)
	}

	id, _, err = ParseEndpoint("https://discord.com/api/v10/webhooks/99/tok/")
	if err != nil || id != "99" {
		t.Errorf("expected versioned path to parse, got id=%q err=%v", id, err)
	}

	for _, bad := range []string{"", "https://discord.com/api/channels/1/2", "https://discord.com/api/webhooks/1"} {
		if _, _, err := ParseEndpoint(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestOwnedBy(t *testing.T) {
	hooks := []*Webhook{
		{ID: "1", OwnerID: "bot"},
		{ID: "2", OwnerID: "admin"},
		nil,
		{ID: "3", OwnerID: "bot"},
	}
	got := OwnedBy(hooks, "bot")
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}

func TestPayloadMerge(t *testing.T) {
	base := Payload{Content: "rendered", Username: "alice", Embeds: []Embed{{Title: "img"}}}
	merged := base.Merge(&Payload{Content: "override"})

	if merged.Content != "override" {
		t.Errorf("expected override content, got %q", merged.Content)
	}
	if merged.Username != "alice" || len(merged.Embeds) != 1 {
		t.Errorf("expected untouched fields to survive, got %+v", merged)
	}
	if base.Merge(nil).Content != "rendered" {
		t.Error("expected nil override to be a no-op")
	}
}

func TestChannelRegisterable(t *testing.T) {
	cases := []struct {
		ch   *Channel
		want bool
	}{
		{&Channel{ID: "1", GuildID: "g", Type: ChannelText}, true},
		{&Channel{ID: "1", GuildID: "g", Type: ChannelNews}, true},
		{&Channel{ID: "1", GuildID: "g", Type: ChannelThread}, false},
		{&Channel{ID: "1", Type: ChannelText}, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := c.ch.Registerable(); got != c.want {
			t.Errorf("Registerable(%+v) = %v, want %v", c.ch, got, c.want)
		}
	}
}
