package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/concord-relay/concord/internal/bot"
	"github.com/concord-relay/concord/internal/registry"
	"github.com/concord-relay/concord/internal/relayerr"
)

var (
	channelForceNew bool
	channelPassword string
	channelUser     string
	channelMessage  string
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Register channels and move them between groups",
}

var channelRegisterCmd = &cobra.Command{
	Use:   "register <channel-id>",
	Short: "Register a channel and provision its relay webhook",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		client, err := rt.session(ctx)
		if err != nil {
			return err
		}
		reg, err := rt.bot(client).Register(ctx, args[0], bot.RegisterOptions{
			ForceNew:  channelForceNew,
			Requester: channelUser,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Registered channel %s (guild %s, webhook %s)\n",
			color.GreenString("✓"), reg.ID(), reg.GuildID(), reg.WebhookID())
		return nil
	}),
}

var channelUnregisterCmd = &cobra.Command{
	Use:   "unregister <channel-id>",
	Short: "Unregister a channel and delete its relay webhook",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		client, err := rt.session(ctx)
		if err != nil {
			return err
		}
		if err := rt.bot(client).Unregister(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Unregistered channel %s\n", color.GreenString("✓"), args[0])
		return nil
	}),
}

var channelInfoCmd = &cobra.Command{
	Use:   "info <channel-id>",
	Short: "Show a channel's registration and group",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		reg, err := rt.registries.Fetch(ctx, args[0], registry.FetchOptions{})
		if err != nil {
			return err
		}
		if reg == nil {
			return relayerr.ChannelUnregistered(args[0])
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Channel:  %s\n", color.CyanString(reg.ID()))
		fmt.Fprintf(out, "Guild:    %s\n", reg.GuildID())
		fmt.Fprintf(out, "Webhook:  %s\n", reg.WebhookID())
		g, err := rt.groups.Of(ctx, reg)
		if err != nil {
			return err
		}
		if g == nil {
			fmt.Fprintln(out, "Group:    (none)")
			return nil
		}
		fmt.Fprintf(out, "Group:    %s (%s)\n", g.Tag(), statusLabel(g.Status()))
		return nil
	}),
}

var channelJoinCmd = &cobra.Command{
	Use:   "join <channel-id> <group>",
	Short: "Move a registered channel into a group",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		res, err := rt.bot(nil).Join(ctx, bot.JoinOptions{
			ChannelID: args[0],
			Group:     args[1],
			Password:  channelPassword,
			UserID:    channelUser,
			Message:   channelMessage,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Request != nil {
			fmt.Fprintf(out, "%s Join request %s filed with %s\n", color.YellowString("…"), res.Request.ID, res.Group.Tag())
			return nil
		}
		if res.Left != nil {
			fmt.Fprintf(out, "Left %s\n", res.Left.Tag())
		}
		fmt.Fprintf(out, "%s Channel %s joined %s\n", color.GreenString("✓"), args[0], res.Group.Tag())
		return nil
	}),
}

var channelLeaveCmd = &cobra.Command{
	Use:   "leave <channel-id>",
	Short: "Remove a channel from its group",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := rt.bot(nil).Leave(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Channel %s left %s\n", color.GreenString("✓"), args[0], g.Tag())
		return nil
	}),
}

func init() {
	channelRegisterCmd.Flags().BoolVar(&channelForceNew, "force-new", false, "Always create a fresh webhook")
	channelRegisterCmd.Flags().StringVar(&channelUser, "user", "", "User the action is performed for")
	channelJoinCmd.Flags().StringVar(&channelPassword, "password", "", "Entrance password for protected groups")
	channelJoinCmd.Flags().StringVar(&channelUser, "user", "", "User the action is performed for")
	channelJoinCmd.Flags().StringVar(&channelMessage, "message", "", "Message attached to a join request")

	channelCmd.AddCommand(channelRegisterCmd)
	channelCmd.AddCommand(channelUnregisterCmd)
	channelCmd.AddCommand(channelInfoCmd)
	channelCmd.AddCommand(channelJoinCmd)
	channelCmd.AddCommand(channelLeaveCmd)
}
