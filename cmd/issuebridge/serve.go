package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/app"
	"github.com/issuebridge/issuebridge/internal/config"
	"github.com/issuebridge/issuebridge/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "run",
	Short:   "Run the scheduler, the Discord bot and the dashboard",
	Long: `Run the bridge in the foreground.

Every poll interval each active connection is reconciled: new open issues are
posted, changed ones are edited and closed or deleted ones are removed from
the channel. The Discord bot answers the status buttons and slash commands,
and the dashboard serves the REST API, /metrics and a WebSocket event stream.

Changes to the config file's log level and poll interval apply without a
restart.

Example usage:
  issuebridge serve                      # Bot, scheduler and dashboard
  issuebridge serve --port 9000          # Dashboard on a custom port
  issuebridge serve --interval 5m        # Poll every five minutes
  issuebridge serve --no-bot             # Scheduler and dashboard only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noBot, _ := cmd.Flags().GetBool("no-bot")
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Starting issuebridge...\n", ui.RenderAccent("🚀"))
		fmt.Fprintf(out, "   Poll interval: %s\n", cfg.Sync.Interval)
		if !noDashboard {
			fmt.Fprintf(out, "   Dashboard: http://localhost:%d\n", cfg.Dashboard.Port)
			fmt.Fprintf(out, "   WebSocket: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
		}
		if cfg.File != "" {
			fmt.Fprintf(out, "   Config: %s (watching)\n", cfg.File)
		}
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		err = a.Serve(cmd.Context(), app.ServeOptions{
			Viper:       v,
			NoBot:       noBot,
			NoDashboard: noDashboard,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s issuebridge stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 3000, "Dashboard port")
	serveCmd.Flags().String("interval", "2m", "Poll interval (a bare number means minutes)")
	serveCmd.Flags().Bool("no-bot", false, "Don't connect to the Discord gateway")
	serveCmd.Flags().Bool("no-dashboard", false, "Don't serve the dashboard")

	_ = v.BindPFlag(config.KeyDashboardPort, serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag(config.KeySyncInterval, serveCmd.Flags().Lookup("interval"))

	rootCmd.AddCommand(serveCmd)
}
