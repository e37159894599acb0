package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/concord-relay/concord/internal/group"
	"github.com/concord-relay/concord/internal/relayerr"
)

var (
	groupOwner       string
	groupName        string
	groupDescription string

	groupSetTag      string
	groupSetOwner    string
	groupSetStatus   string
	groupSetPassword string
	groupSetLimit    int
	groupSetMaxChars int
	groupSetDedup    string
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage relay groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <tag>",
	Short: "Create a public group",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := rt.groups.Create(ctx, group.CreateOptions{
			Tag:         args[0],
			OwnerID:     groupOwner,
			Name:        groupName,
			Description: groupDescription,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created group %s\n", color.GreenString("✓"), g)
		return nil
	}),
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete <group>",
	Short: "Delete a group, kicking every member",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		if err := rt.groups.Delete(ctx, g.ID()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted group %s\n", color.GreenString("✓"), g)
		return nil
	}),
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	Args:  cobra.NoArgs,
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		groups := rt.groups.List()
		if len(groups) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No groups.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TAG\tID\tSTATUS\tMEMBERS")
		for _, g := range groups {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\n", g.Tag(), g.ID(), g.Status(), g.Channels.Size(), g.ChannelLimit())
		}
		return tw.Flush()
	}),
}

var groupInfoCmd = &cobra.Command{
	Use:   "info <group>",
	Short: "Show a group's settings, members and pending requests",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		printGroup(cmd.OutOrStdout(), g)
		return nil
	}),
}

var groupSetCmd = &cobra.Command{
	Use:   "set <group>",
	Short: "Change group settings",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		var opts group.EditOptions
		flags := cmd.Flags()
		if flags.Changed("tag") {
			opts.Tag = &groupSetTag
		}
		if flags.Changed("owner") {
			opts.OwnerID = &groupSetOwner
		}
		if flags.Changed("status") {
			st, err := group.ParseStatus(groupSetStatus)
			if err != nil {
				return err
			}
			opts.Status = &st
		}
		if flags.Changed("password") {
			opts.Password = &groupSetPassword
		}
		if flags.Changed("limit") {
			opts.ChannelLimit = &groupSetLimit
		}
		if flags.Changed("max-chars") {
			opts.MaxCharacterLimit = &groupSetMaxChars
		}
		if flags.Changed("dedup-requests") {
			on := strings.EqualFold(groupSetDedup, "true") || groupSetDedup == "1" || strings.EqualFold(groupSetDedup, "on")
			opts.DeleteDuplicateRequests = &on
		}
		if flags.Changed("name") {
			opts.Name = &groupName
		}
		if flags.Changed("description") {
			opts.Description = &groupDescription
		}
		g, err = rt.groups.Edit(ctx, g.ID(), opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Updated group %s\n", color.GreenString("✓"), g)
		return nil
	}),
}

var groupAddCmd = &cobra.Command{
	Use:   "add <group> <channel-id>",
	Short: "Add a registered channel to a group",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		if _, err := g.Channels.Add(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Channel %s joined %s (%d/%d)\n", color.GreenString("✓"), args[1], g.Tag(), g.Channels.Size(), g.ChannelLimit())
		return nil
	}),
}

var groupKickCmd = &cobra.Command{
	Use:   "kick <group> <channel-id>",
	Short: "Remove a channel from a group",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		if _, err := g.Channels.Kick(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Channel %s left %s\n", color.GreenString("✓"), args[1], g.Tag())
		return nil
	}),
}

var groupBanCmd = &cobra.Command{
	Use:   "ban <group> <channel-id>",
	Short: "Kick a channel and bar it from rejoining",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		if err := g.Channels.Ban(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Channel %s banned from %s\n", color.GreenString("✓"), args[1], g.Tag())
		return nil
	}),
}

var groupUnbanCmd = &cobra.Command{
	Use:   "unban <group> <channel-id>",
	Short: "Lift a channel ban",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		if err := g.Channels.Unban(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Channel %s unbanned from %s\n", color.GreenString("✓"), args[1], g.Tag())
		return nil
	}),
}

var groupAcceptCmd = &cobra.Command{
	Use:   "accept <group> <request-id>",
	Short: "Accept a pending join request",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		req, err := g.Requests.Accept(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Channel %s joined %s\n", color.GreenString("✓"), req.ChannelID, g.Tag())
		return nil
	}),
}

var groupDenyCmd = &cobra.Command{
	Use:   "deny <group> <request-id>",
	Short: "Deny a pending join request",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error {
		g, err := findGroup(ctx, rt, args[0])
		if err != nil {
			return err
		}
		req, err := g.Requests.Deny(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Request from %s denied\n", color.YellowString("✗"), req.ChannelID)
		return nil
	}),
}

// withRuntime opens the runtime around a command body.
func withRuntime(fn func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(ctx, rt, cmd, args)
	}
}

func findGroup(ctx context.Context, rt *runtime, ref string) (*group.Group, error) {
	g, err := rt.groups.Find(ctx, ref)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, relayerr.ResourceNotFound("group", ref)
	}
	return g, nil
}

func printGroup(w io.Writer, g *group.Group) {
	fmt.Fprintf(w, "Group:       %s\n", color.CyanString(g.Tag()))
	fmt.Fprintf(w, "ID:          %s\n", g.ID())
	if name := g.Name(); name != "" {
		fmt.Fprintf(w, "Name:        %s\n", name)
	}
	if desc := g.Description(); desc != "" {
		fmt.Fprintf(w, "Description: %s\n", desc)
	}
	fmt.Fprintf(w, "Owner:       %s\n", g.OwnerID())
	fmt.Fprintf(w, "Status:      %s\n", statusLabel(g.Status()))
	fmt.Fprintf(w, "Locale:      %s\n", g.Locale())
	fmt.Fprintf(w, "Max chars:   %d\n", g.MaxCharacterLimit())
	fmt.Fprintf(w, "Created:     %s\n", g.CreatedAt().Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "Members:     %d/%d\n", g.Channels.Size(), g.ChannelLimit())
	for _, reg := range g.Members() {
		fmt.Fprintf(w, "  - %s (guild %s)\n", reg.ID(), reg.GuildID())
	}
	var pending []group.Request
	for _, req := range g.Requests.List() {
		if req.Pending() {
			pending = append(pending, req)
		}
	}
	if len(pending) > 0 {
		fmt.Fprintf(w, "Requests:    %d pending\n", len(pending))
		for _, req := range pending {
			fmt.Fprintf(w, "  - %s from %s %q\n", req.ID, req.ChannelID, req.Message)
		}
	}
}

func statusLabel(s group.Status) string {
	switch s {
	case group.StatusPublic:
		return color.GreenString(string(s))
	case group.StatusPrivate:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func init() {
	groupCreateCmd.Flags().StringVar(&groupOwner, "owner", "", "User id of the group owner")
	groupCreateCmd.Flags().StringVar(&groupName, "name", "", "Display name")
	groupCreateCmd.Flags().StringVar(&groupDescription, "description", "", "Description")
	_ = groupCreateCmd.MarkFlagRequired("owner")

	groupSetCmd.Flags().StringVar(&groupSetTag, "tag", "", "New tag")
	groupSetCmd.Flags().StringVar(&groupSetOwner, "owner", "", "New owner user id")
	groupSetCmd.Flags().StringVar(&groupSetStatus, "status", "", "public|restricted|protected|private")
	groupSetCmd.Flags().StringVar(&groupSetPassword, "password", "", "Entrance password (protected groups)")
	groupSetCmd.Flags().IntVar(&groupSetLimit, "limit", 0, "Channel limit")
	groupSetCmd.Flags().IntVar(&groupSetMaxChars, "max-chars", 0, "Max characters per relayed message")
	groupSetCmd.Flags().StringVar(&groupSetDedup, "dedup-requests", "", "Drop older pending requests of the same channel (true|false)")
	groupSetCmd.Flags().StringVar(&groupName, "name", "", "Display name")
	groupSetCmd.Flags().StringVar(&groupDescription, "description", "", "Description")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupDeleteCmd)
	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupInfoCmd)
	groupCmd.AddCommand(groupSetCmd)
	groupCmd.AddCommand(groupAddCmd)
	groupCmd.AddCommand(groupKickCmd)
	groupCmd.AddCommand(groupBanCmd)
	groupCmd.AddCommand(groupUnbanCmd)
	groupCmd.AddCommand(groupAcceptCmd)
	groupCmd.AddCommand(groupDenyCmd)
}
