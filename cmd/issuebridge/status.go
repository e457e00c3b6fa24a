package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "admin",
	Short:   "Show configuration and record store status",
	Long: `Display the resolved configuration, with secrets masked, and what the
record store holds:
  - Active and inactive connections
  - Tracked issues
  - When each connection was last synced`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := store.ListConnectionsContext(cmd.Context(), false)
		if err != nil {
			return err
		}
		tracked, err := store.CountTrackedContext(cmd.Context())
		if err != nil {
			return err
		}

		active := 0
		var lastSync time.Time
		for _, c := range all {
			if c.Active {
				active++
			}
			if c.LastCheckedAt != nil && c.LastCheckedAt.After(lastSync) {
				lastSync = *c.LastCheckedAt
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s issuebridge Status\n\n", ui.RenderAccent("📊"))
		if cfg.File != "" {
			fmt.Fprintf(out, "Config file: %s\n", cfg.File)
		}
		fmt.Fprint(out, cfg.String())
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Store: %s\n", store.Driver())
		fmt.Fprintf(out, "Connections: %d active, %d inactive\n", active, len(all)-active)
		fmt.Fprintf(out, "Tracked issues: %d\n", tracked)
		if lastSync.IsZero() {
			fmt.Fprintf(out, "Last sync: %s\n", ui.RenderMuted("never"))
		} else {
			fmt.Fprintf(out, "Last sync: %s (%s ago)\n", lastSync.Local().Format("2006-01-02 15:04:05"), time.Since(lastSync).Round(time.Second))
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(out, "\n%s %v\n", ui.RenderWarn("⚠"), err)
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
