package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/schema"
	"github.com/issuebridge/issuebridge/internal/seed"
	"github.com/issuebridge/issuebridge/internal/ui"
)

var connectionsCmd = &cobra.Command{
	Use:     "connections",
	Aliases: []string{"conn"},
	GroupID: "manage",
	Short:   "Manage Notion database to Discord channel connections",
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		conns, err := store.ListConnectionsContext(cmd.Context(), !all)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(conns) == 0 {
			fmt.Fprintf(out, "%s No connections. Add one with 'issuebridge connections add'.\n", ui.RenderWarn("⚠"))
			return nil
		}

		rows := make([][]string, 0, len(conns))
		for _, c := range conns {
			lastChecked := "never"
			if c.LastCheckedAt != nil {
				lastChecked = c.LastCheckedAt.Local().Format("2006-01-02 15:04:05")
			}
			active := ui.RenderPass("yes")
			if !c.Active {
				active = ui.RenderMuted("no")
			}
			rows = append(rows, []string{
				strconv.FormatInt(c.ID, 10),
				c.Name,
				c.SourceDatabaseID,
				c.SinkChannelID,
				active,
				lastChecked,
			})
		}
		fmt.Fprintln(out, ui.Table([]string{"ID", "Name", "Notion Database", "Channel", "Active", "Last Checked"}, rows))
		return nil
	},
}

var connectionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Connect a Notion database to a Discord channel",
	Long: `Add a connection. When a Notion token is configured the database is opened
first, which both checks the integration can read it and fills in its title.

Example usage:
  issuebridge connections add --source 1f2e3d... --channel 123456789012345678
  issuebridge connections add --source 1f2e3d... --channel 1234 --name "Bugs" --no-verify`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		channel, _ := cmd.Flags().GetString("channel")
		name, _ := cmd.Flags().GetString("name")
		sinkName, _ := cmd.Flags().GetString("sink-name")
		noVerify, _ := cmd.Flags().GetBool("no-verify")

		conn := &schema.Connection{
			SourceDatabaseID: source,
			SinkChannelID:    channel,
			Name:             name,
			SinkName:         sinkName,
		}
		if err := conn.Validate(); err != nil {
			return err
		}

		if !noVerify {
			describe, err := describer()
			if err != nil {
				return err
			}
			if describe != nil {
				title, err := describe(cmd.Context(), source)
				if err != nil {
					return fmt.Errorf("cannot access Notion database %s: %w", source, err)
				}
				conn.SourceName = title
				if conn.Name == "" {
					conn.Name = title
				}
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.AddConnectionContext(cmd.Context(), conn); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return fmt.Errorf("database %s is already connected to channel %s", source, channel)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added connection %d: %s\n", ui.RenderPass("✓"), conn.ID, conn.Label())
		return nil
	},
}

var connectionsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Deactivate or delete a connection",
	Long: `Deactivate a connection so it is no longer synced. With --hard the
connection and its tracked issues are deleted; the Discord messages stay.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hard, _ := cmd.Flags().GetBool("hard")
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid connection id %q", args[0])
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteConnectionContext(cmd.Context(), id, hard); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("connection %d not found", id)
			}
			return err
		}
		verb := "Deactivated"
		if hard {
			verb = "Deleted"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s connection %d\n", ui.RenderPass("✓"), verb, id)
		return nil
	},
}

var connectionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add connections from a YAML, TOML or JSONL seed file",
	Long: `Import connections from a seed file. The format follows the extension:
.yaml/.yml, .toml or .jsonl.

  connections:
    - source_database_id: 1f2e3d4c5b6a...
      sink_channel_id: "123456789012345678"
      name: Bugs

Pairs that are already connected are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noVerify, _ := cmd.Flags().GetBool("no-verify")

		conns, err := seed.ReadFile(args[0])
		if err != nil {
			return err
		}

		opts := seed.ImportOptions{DryRun: dryRun}
		if !noVerify {
			if opts.Describe, err = describer(); err != nil {
				return err
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := seed.Import(cmd.Context(), store, conns, opts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		prefix := ""
		if dryRun {
			prefix = ui.RenderMuted("[dry run] ")
		}
		fmt.Fprintf(out, "%s%s Added: %d  Skipped: %d  Errors: %d\n",
			prefix, ui.RenderPass("✓"), result.Added, result.Skipped, len(result.Errors))
		for _, msg := range result.Errors {
			fmt.Fprintf(out, "   %s %s\n", ui.RenderWarn("⚠"), msg)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("%d connection(s) failed to import", len(result.Errors))
		}
		return nil
	},
}

var connectionsExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write active connections to a seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		conns, err := store.ListConnectionsContext(cmd.Context(), true)
		if err != nil {
			return err
		}
		if err := seed.WriteFile(args[0], conns); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d connection(s) to %s\n", ui.RenderPass("✓"), len(conns), args[0])
		return nil
	},
}

// describer returns a seed.Describer backed by Notion, or nil when no
// Notion token is configured.
func describer() (seed.Describer, error) {
	client, err := sourceClient()
	if err != nil || client == nil {
		return nil, err
	}
	return func(ctx context.Context, databaseID string) (string, error) {
		info, err := client.DescribeDatabase(ctx, databaseID)
		if err != nil {
			return "", err
		}
		return info.Title, nil
	}, nil
}

func init() {
	connectionsListCmd.Flags().Bool("all", false, "Include deactivated connections")

	connectionsAddCmd.Flags().String("source", "", "Notion database id (required)")
	connectionsAddCmd.Flags().String("channel", "", "Discord channel id (required)")
	connectionsAddCmd.Flags().String("name", "", "Display name (default: the database title)")
	connectionsAddCmd.Flags().String("sink-name", "", "Channel display name")
	connectionsAddCmd.Flags().Bool("no-verify", false, "Don't open the database in Notion first")
	_ = connectionsAddCmd.MarkFlagRequired("source")
	_ = connectionsAddCmd.MarkFlagRequired("channel")

	connectionsRemoveCmd.Flags().Bool("hard", false, "Delete instead of deactivating")

	connectionsImportCmd.Flags().Bool("dry-run", false, "Validate without writing")
	connectionsImportCmd.Flags().Bool("no-verify", false, "Don't open the databases in Notion first")

	connectionsCmd.AddCommand(connectionsListCmd)
	connectionsCmd.AddCommand(connectionsAddCmd)
	connectionsCmd.AddCommand(connectionsRemoveCmd)
	connectionsCmd.AddCommand(connectionsImportCmd)
	connectionsCmd.AddCommand(connectionsExportCmd)
	rootCmd.AddCommand(connectionsCmd)
}
