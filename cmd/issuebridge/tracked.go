package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/schema"
	"github.com/issuebridge/issuebridge/internal/ui"
)

var trackedCmd = &cobra.Command{
	Use:     "tracked",
	GroupID: "manage",
	Short:   "Inspect the issues mirrored into Discord",
}

var trackedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked issues",
	Long: `List the issues currently mirrored into Discord, newest first.

--since accepts a timestamp, a duration or plain English:
  issuebridge tracked list --since 2025-06-01
  issuebridge tracked list --since 36h
  issuebridge tracked list --since yesterday
  issuebridge tracked list --since "last monday"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		connID, _ := cmd.Flags().GetInt64("connection")
		sinceText, _ := cmd.Flags().GetString("since")

		var since time.Time
		if sinceText != "" {
			var err error
			if since, err = parseSince(sinceText, time.Now()); err != nil {
				return err
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var tracked []*schema.TrackedArtifact
		if connID != 0 {
			tracked, err = store.ListTrackedContext(cmd.Context(), connID)
		} else {
			tracked, err = store.ListAllTrackedContext(cmd.Context())
		}
		if err != nil {
			return err
		}

		tracked = filterSince(tracked, since)
		out := cmd.OutOrStdout()
		if len(tracked) == 0 {
			fmt.Fprintf(out, "%s\n", ui.RenderMuted("No tracked issues"))
			return nil
		}

		rows := make([][]string, 0, len(tracked))
		for _, t := range tracked {
			rows = append(rows, []string{
				strconv.FormatInt(t.ConnectionID, 10),
				t.MatchKey(),
				t.Title,
				renderStatus(t.Status),
				t.SinkArtifactID,
				t.UpdatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		fmt.Fprintln(out, ui.Table([]string{"Conn", "Issue", "Title", "Status", "Message", "Updated"}, rows))
		fmt.Fprintf(out, "%d issue(s)\n", len(tracked))
		return nil
	},
}

// filterSince keeps rows updated at or after since, newest first. A zero
// since keeps everything.
func filterSince(tracked []*schema.TrackedArtifact, since time.Time) []*schema.TrackedArtifact {
	out := tracked[:0]
	for _, t := range tracked {
		if since.IsZero() || !t.UpdatedAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// parseSince resolves a --since value against now. Dates and RFC 3339
// timestamps are tried first, then Go durations, then natural language.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: no date or time found", s)
	}
	return r.Time, nil
}

func renderStatus(s schema.Status) string {
	switch s {
	case schema.StatusFixed:
		return ui.RenderPass(s.String())
	case schema.StatusOpen:
		return ui.RenderWarn(s.String())
	}
	return s.String()
}

func init() {
	trackedListCmd.Flags().Int64("connection", 0, "Only this connection id")
	trackedListCmd.Flags().String("since", "", `Only issues updated since (e.g. "2 days ago", "yesterday", 48h)`)

	trackedCmd.AddCommand(trackedListCmd)
	rootCmd.AddCommand(trackedCmd)
}
