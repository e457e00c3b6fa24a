package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/schema"
	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
	"github.com/issuebridge/issuebridge/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "run",
	Short:   "Run one reconciliation pass",
	Long: `Reconcile active connections once and print what changed.

Without --connection every active connection is synced. A connection whose
Notion database can't be read is skipped and reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		connID, _ := cmd.Flags().GetInt64("connection")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Syncing...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		var reports []*bridgesync.Report
		if connID != 0 {
			conn, err := a.Store.GetConnectionContext(cmd.Context(), connID)
			if err != nil {
				return fmt.Errorf("connection %d: %w", connID, err)
			}
			report, err := a.Engine.SyncConnection(cmd.Context(), conn)
			if err != nil {
				return err
			}
			reports = append(reports, report)
		} else {
			reports, err = a.Engine.SyncAll(cmd.Context())
			if err != nil {
				return err
			}
		}

		renderReports(out, reports)
		fmt.Fprintf(out, "%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "run",
	Short:   "Empty connected channels and resync",
	Long: `Delete every message in the connected Discord channels, forget the issues
that were removed, then run a full sync to repost the open ones.

Messages younger than 14 days are removed in bulk; older ones one at a time.
Channels where the bot lacks View Channel, Read Message History or Manage
Messages are skipped.

This cannot be undone. Without --yes you are asked to confirm, and a
non-interactive run refuses to proceed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		ids, _ := cmd.Flags().GetInt64Slice("connection")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var conns []*schema.Connection
		if len(ids) > 0 {
			for _, id := range ids {
				conn, err := a.Store.GetConnectionContext(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("connection %d: %w", id, err)
				}
				conns = append(conns, conn)
			}
		} else {
			conns, err = a.Store.ListConnectionsContext(cmd.Context(), true)
			if err != nil {
				return err
			}
		}
		if len(conns) == 0 {
			return errors.New("no active connections")
		}

		if !yes {
			ok, err := confirmClear(conns)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Channel clear cancelled\n", ui.RenderWarn("⚠"))
				return nil
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Clearing %d channel(s)...\n", ui.RenderAccent("🧹"), len(conns))
		bulk, reports, err := a.Engine.ClearAndResync(cmd.Context(), conns)
		if bulk != nil {
			renderBulk(out, bulk)
		}
		if err != nil {
			return err
		}
		renderReports(out, reports)
		fmt.Fprintf(out, "%s Cleared %d messages and synced\n", ui.RenderPass("✓"), bulk.TotalRemoved)
		return nil
	},
}

func confirmClear(conns []*schema.Connection) (bool, error) {
	if !ui.IsInteractive() {
		return false, errors.New("refusing to clear channels without --yes on a non-interactive terminal")
	}
	desc := ""
	for _, c := range conns {
		desc += fmt.Sprintf("• %s (channel %s)\n", c.Label(), c.SinkChannelID)
	}
	var ok bool
	err := huh.NewConfirm().
		Title("Clear all messages in these channels and resync?").
		Description(desc + "\nThis action cannot be undone!").
		Affirmative("Yes, Clear & Sync").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

func renderReports(w io.Writer, reports []*bridgesync.Report) {
	if len(reports) == 0 {
		fmt.Fprintf(w, "%s\n", ui.RenderMuted("No connections synced"))
		return
	}
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			r.Connection,
			strconv.Itoa(r.Created),
			strconv.Itoa(r.Updated),
			strconv.Itoa(r.Retired),
			strconv.Itoa(r.MarkedRemoved),
			strconv.Itoa(r.Recreated),
			strconv.Itoa(r.Failed),
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	fmt.Fprintln(w, ui.Table(
		[]string{"Connection", "Created", "Updated", "Retired", "Removed", "Recreated", "Failed", "Took"},
		rows,
	))
	for _, r := range reports {
		for _, msg := range r.ErrorMessages() {
			fmt.Fprintf(w, "%s %s: %s\n", ui.RenderWarn("⚠"), r.Connection, msg)
		}
	}
}

func renderBulk(w io.Writer, bulk *bridgesync.BulkReport) {
	rows := make([][]string, 0, len(bulk.Channels))
	for _, ch := range bulk.Channels {
		rows = append(rows, []string{
			ch.Connection,
			ch.ChannelID,
			strconv.Itoa(ch.Removed),
			strconv.Itoa(ch.Failed),
			strconv.FormatInt(ch.Untracked, 10),
			ch.Reason,
		})
	}
	fmt.Fprintln(w, ui.Table([]string{"Connection", "Channel", "Removed", "Failed", "Untracked", "Note"}, rows))
}

func init() {
	syncCmd.Flags().Int64("connection", 0, "Sync only this connection id")
	clearCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
	clearCmd.Flags().Int64Slice("connection", nil, "Clear only these connection ids (default: all active)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(clearCmd)
}
