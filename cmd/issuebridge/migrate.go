package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	GroupID:   "admin",
	Short:     "Apply or roll back PostgreSQL schema migrations",
	ValidArgs: []string{"up", "down"},
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	Long: `Move a PostgreSQL record store to the latest schema version, or one step
back with "down". SQLite stores create their schema on open and have nothing
to migrate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		if store.Driver() != db.DriverPostgres {
			fmt.Fprintf(out, "%s %s stores have nothing to migrate\n", ui.RenderMuted("•"), store.Driver())
			return nil
		}

		changed, err := store.MigrateDirection(direction, logger)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Fprintf(out, "%s Schema already up to date\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Fprintf(out, "%s Migrated %s\n", ui.RenderPass("✓"), direction)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
