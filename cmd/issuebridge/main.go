package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/app"
	"github.com/issuebridge/issuebridge/internal/config"
	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/logging"
	"github.com/issuebridge/issuebridge/internal/notion"
	"github.com/issuebridge/issuebridge/internal/ui"
)

var (
	cfgFile string

	v         = config.New()
	cfg       *config.Config
	logger    *logrus.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "issuebridge",
	Short: "Mirror Notion issue databases into Discord channels",
	Long: `issuebridge keeps a Discord channel in step with the open issues of a Notion
database. Each open issue is posted as a message with buttons that write the
status back to Notion.

Configuration comes from flags, ISSUEBRIDGE_* environment variables, a .env
file and an optional issuebridge.yaml, in that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		logger, logCloser, err = logging.New(logging.Options{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			File:   cfg.Log.File,
			Out:    cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		ui.Init(cmd.OutOrStdout())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running the bridge:"},
		&cobra.Group{ID: "manage", Title: "Managing connections:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: ./issuebridge.yaml or ~/.config/issuebridge/issuebridge.yaml)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text or json)")
	flags.String("db-driver", "sqlite3", "Record store driver (sqlite3 or postgres)")
	flags.String("db-path", "./data/issuebridge.db", "SQLite database path")
	flags.String("db-dsn", "", "PostgreSQL connection string")

	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(config.KeyLogFormat, flags.Lookup("log-format"))
	_ = v.BindPFlag(config.KeyDBDriver, flags.Lookup("db-driver"))
	_ = v.BindPFlag(config.KeyDBPath, flags.Lookup("db-path"))
	_ = v.BindPFlag(config.KeyDBDSN, flags.Lookup("db-dsn"))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// openStore opens the record store for commands that don't need Discord or
// Notion.
func openStore() (*db.DB, error) {
	return app.OpenStore(cfg)
}

// openApp builds the full bridge.
func openApp() (*app.App, error) {
	return app.New(cfg, logger)
}

// sourceClient returns a Notion client, or nil when no token is configured.
func sourceClient() (*notion.Client, error) {
	if cfg.Notion.Token == "" {
		return nil, nil
	}
	return notion.New(notion.Options{
		BaseURL:       cfg.Notion.BaseURL,
		TokenProvider: notion.StaticToken(cfg.Notion.Token),
		Logger:        logger.WithField("component", "notion"),
	})
}
