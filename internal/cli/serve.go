package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/concord-relay/concord/internal/discord"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Discord and relay messages between linked channels",
	RunE:  runServe,
}

var serveSignalNotify = signal.Notify
var serveSignalStop = signal.Stop

func runServe(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "🔗 Concord Relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	closeSinks := rt.subscribeSinks()
	defer closeSinks()
	go func() {
		if err := rt.events.Dispatch(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Event dispatcher stopped", "error", err)
		}
	}()

	session, err := discord.NewSession(rt.cfg.Discord.Token, rt.cfg.Discord.Intents)
	if err != nil {
		return err
	}
	client := discord.NewClient(session)
	gateway := discord.NewGateway(session, rt.bot(client))

	sigChan := make(chan os.Signal, 1)
	serveSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer serveSignalStop(sigChan)

	if err := gateway.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Relaying for %d group(s) from %s. Press Ctrl+C to stop.\n", len(rt.groups.List()), rt.dbPath)
	<-sigChan

	fmt.Fprintln(out, "Shutting down...")
	cancel()
	if err := gateway.Stop(); err != nil {
		slog.Warn("Gateway close failed", "error", err)
	}
	return nil
}
