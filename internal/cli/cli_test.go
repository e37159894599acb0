package cli

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/concord-relay/concord/internal/store"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// resetFlags restores flag defaults left over from earlier executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// isolate points config and database at a fresh temp home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CONCORD_HOME", "")
	t.Setenv("CONCORD_CONFIG", "")
	t.Setenv("CONCORD_ENV_FILE", "")
	t.Setenv("CONCORD_DISCORD_TOKEN", "")
	dbPath := filepath.Join(home, "concord.db")
	t.Setenv("CONCORD_DATABASE_PATH", dbPath)
	return dbPath
}

// seedChannels registers channels directly in the database.
func seedChannels(t *testing.T, dbPath string, ids ...string) {
	t.Helper()
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	for _, id := range ids {
		row := &store.ChannelRow{
			ID:      id,
			GuildID: "guild-" + id,
			Webhook: fmt.Sprintf("https://discord.test/api/webhooks/hook-%s/token", id),
		}
		if err := s.UpsertChannel(context.Background(), row); err != nil {
			t.Fatalf("seed channel %s: %v", id, err)
		}
	}
}

// seedUnregistered stores channels that have no webhook.
func seedUnregistered(t *testing.T, dbPath string, ids ...string) {
	t.Helper()
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	for _, id := range ids {
		if err := s.UpsertChannel(context.Background(), &store.ChannelRow{ID: id, GuildID: "guild-" + id}); err != nil {
			t.Fatalf("seed channel %s: %v", id, err)
		}
	}
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runRootCommand(t, args...)
	if err != nil {
		t.Fatalf("%s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestVersionCommand(t *testing.T) {
	out := mustRun(t, "version")
	if !strings.Contains(out, "Version: "+version) {
		t.Fatalf("expected version in output, got %q", out)
	}
}

func TestGroupCreateListInfo(t *testing.T) {
	isolate(t)

	out := mustRun(t, "group", "create", "lounge", "--owner", "u1", "--name", "The Lounge")
	if !strings.Contains(out, "Created group") {
		t.Fatalf("expected create confirmation, got %q", out)
	}

	out = mustRun(t, "group", "list")
	if !strings.Contains(out, "lounge") || !strings.Contains(out, "public") || !strings.Contains(out, "0/15") {
		t.Fatalf("expected lounge row, got %q", out)
	}

	out = mustRun(t, "group", "info", "lounge")
	if !strings.Contains(out, "The Lounge") || !strings.Contains(out, "Owner:       u1") {
		t.Fatalf("expected group details, got %q", out)
	}

	if _, err := runRootCommand(t, "group", "create", "lounge", "--owner", "u2"); err == nil {
		t.Fatal("expected duplicate tag to fail")
	}
	if _, err := runRootCommand(t, "group", "info", "missing"); err == nil {
		t.Fatal("expected unknown group to fail")
	}
}

func TestGroupAddKickAndChannelInfo(t *testing.T) {
	dbPath := isolate(t)
	seedChannels(t, dbPath, "c1")
	mustRun(t, "group", "create", "lounge", "--owner", "u1")

	out := mustRun(t, "group", "add", "lounge", "c1")
	if !strings.Contains(out, "joined lounge (1/15)") {
		t.Fatalf("expected join confirmation, got %q", out)
	}
	out = mustRun(t, "channel", "info", "c1")
	if !strings.Contains(out, "Group:    lounge") || !strings.Contains(out, "hook-c1") {
		t.Fatalf("expected membership in channel info, got %q", out)
	}

	mustRun(t, "group", "kick", "lounge", "c1")
	out = mustRun(t, "channel", "info", "c1")
	if !strings.Contains(out, "(none)") {
		t.Fatalf("expected no group after kick, got %q", out)
	}

	if _, err := runRootCommand(t, "channel", "info", "c9"); err == nil {
		t.Fatal("expected unregistered channel to fail")
	}
}

func TestChannelJoinAndLeave(t *testing.T) {
	dbPath := isolate(t)
	seedChannels(t, dbPath, "c1", "c2")
	mustRun(t, "group", "create", "lounge", "--owner", "u1")
	mustRun(t, "group", "set", "lounge", "--status", "restricted")

	out := mustRun(t, "channel", "join", "c1", "lounge", "--user", "u2", "--message", "let us in")
	if !strings.Contains(out, "Join request") {
		t.Fatalf("expected a join request, got %q", out)
	}
	out = mustRun(t, "group", "info", "lounge")
	if !strings.Contains(out, "1 pending") || !strings.Contains(out, "let us in") {
		t.Fatalf("expected pending request in info, got %q", out)
	}

	out = mustRun(t, "channel", "join", "c2", "lounge", "--user", "u1")
	if !strings.Contains(out, "Channel c2 joined lounge") {
		t.Fatalf("expected owner join to bypass restriction, got %q", out)
	}

	out = mustRun(t, "channel", "leave", "c2")
	if !strings.Contains(out, "left lounge") {
		t.Fatalf("expected leave confirmation, got %q", out)
	}
	if _, err := runRootCommand(t, "channel", "leave", "c2"); err == nil {
		t.Fatal("expected leaving twice to fail")
	}
}

func TestGroupBanBlocksJoin(t *testing.T) {
	dbPath := isolate(t)
	seedChannels(t, dbPath, "c1")
	mustRun(t, "group", "create", "lounge", "--owner", "u1")
	mustRun(t, "group", "add", "lounge", "c1")

	mustRun(t, "group", "ban", "lounge", "c1")
	out := mustRun(t, "channel", "info", "c1")
	if !strings.Contains(out, "(none)") {
		t.Fatalf("expected ban to kick the channel, got %q", out)
	}
	if _, err := runRootCommand(t, "channel", "join", "c1", "lounge", "--user", "u2"); err == nil {
		t.Fatal("expected banned channel join to fail")
	}

	mustRun(t, "group", "unban", "lounge", "c1")
	mustRun(t, "channel", "join", "c1", "lounge", "--user", "u2")
}

func TestGroupSetRejectsUnknownStatus(t *testing.T) {
	isolate(t)
	mustRun(t, "group", "create", "lounge", "--owner", "u1")
	if _, err := runRootCommand(t, "group", "set", "lounge", "--status", "secret"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
	mustRun(t, "group", "set", "lounge", "--limit", "3")
	out := mustRun(t, "group", "list")
	if !strings.Contains(out, "0/3") {
		t.Fatalf("expected new limit in list, got %q", out)
	}
}

func TestConfigInitShowRedactsToken(t *testing.T) {
	isolate(t)
	mustRun(t, "config", "init")
	if _, err := runRootCommand(t, "config", "init"); err == nil {
		t.Fatal("expected second init without --force to fail")
	}
	mustRun(t, "config", "init", "--force")

	t.Setenv("CONCORD_DISCORD_TOKEN", "super-secret")
	out := mustRun(t, "config", "show")
	if strings.Contains(out, "super-secret") {
		t.Fatalf("expected token to be redacted, got %q", out)
	}
	if !strings.Contains(out, "********") {
		t.Fatalf("expected redaction marker, got %q", out)
	}
}

func TestDoctorReportsMissingToken(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "doctor")
	if err == nil {
		t.Fatal("expected doctor to fail without a token")
	}
	if !strings.Contains(out, "[FAIL] token") || !strings.Contains(out, "[PASS] database") {
		t.Fatalf("unexpected doctor output: %q", out)
	}

	t.Setenv("CONCORD_DISCORD_TOKEN", "tok")
	out = mustRun(t, "doctor")
	if !strings.Contains(out, "[PASS] overflow: file") {
		t.Fatalf("expected overflow check, got %q", out)
	}
}

func TestStatusCountsGroupsAndChannels(t *testing.T) {
	dbPath := isolate(t)
	seedChannels(t, dbPath, "c1", "c2")
	seedUnregistered(t, dbPath, "c3")
	mustRun(t, "group", "create", "lounge", "--owner", "u1")

	out := mustRun(t, "status")
	if !strings.Contains(out, "Groups:   1") || !strings.Contains(out, "Channels: 2 registered") {
		t.Fatalf("unexpected status output: %q", out)
	}
}
