package app

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"

	"github.com/issuebridge/issuebridge/internal/bot"
	"github.com/issuebridge/issuebridge/internal/config"
	"github.com/issuebridge/issuebridge/internal/confirm"
	"github.com/issuebridge/issuebridge/internal/daemon"
	"github.com/issuebridge/issuebridge/internal/dashboard"
)

// ServeOptions selects which surfaces Serve runs.
type ServeOptions struct {
	// Viper is watched for config file changes when set
	Viper *viper.Viper

	NoBot       bool
	NoDashboard bool
}

// Serve runs the scheduler with the dashboard and the Discord bot until ctx
// is cancelled.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	sched, err := daemon.New(a.Engine, &daemon.Config{
		Interval:   a.Config.Sync.Interval,
		RunOnStart: true,
		Logger:     a.Logger.WithField("component", "daemon"),
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	confirms := confirm.NewRegistry(confirm.DefaultTTL)

	if !opts.NoDashboard {
		dash := dashboard.NewServer(&dashboard.Config{
			Port:   a.Config.Dashboard.Port,
			Logger: a.Logger.WithField("component", "dashboard"),
			Deps: dashboard.Deps{
				Store:         a.Store,
				Engine:        a.Engine,
				Scheduler:     sched,
				Source:        a.Source,
				Confirmations: confirms,
			},
		})
		if err := dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer dash.Stop()
		a.Hub.Subscribe(dash)
	}

	if !opts.NoBot {
		a.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.Logger.WithField("user", r.User.String()).Info("Discord session ready")
		})
		if err := a.session.Open(); err != nil {
			return fmt.Errorf("failed to connect to discord: %w", err)
		}
		defer a.session.Close()

		// A bot's application id is its user id.
		appID := a.Config.Discord.AppID
		if appID == "" && a.session.State != nil && a.session.State.User != nil {
			appID = a.session.State.User.ID
		}

		b, err := bot.New(bot.Config{
			Session:       a.session,
			Store:         a.Store,
			Engine:        a.Engine,
			Scheduler:     sched,
			Permissions:   a.Sink,
			Confirmations: confirms,
			AppID:         appID,
			GuildID:       a.Config.Discord.GuildID,
			DashboardURL:  fmt.Sprintf("http://localhost:%d", a.Config.Dashboard.Port),
			Logger:        a.Logger.WithField("component", "bot"),
		})
		if err != nil {
			return fmt.Errorf("failed to create bot: %w", err)
		}
		defer b.Close()

		removeHandler := a.session.AddHandler(b.HandleInteraction)
		defer removeHandler()

		if err := b.RegisterCommands(ctx); err != nil {
			a.Logger.WithError(err).Warn("Slash commands not registered")
		}
	}

	if opts.Viper != nil {
		config.Watch(opts.Viper, func(cfg *config.Config) {
			a.ApplyReload(cfg)
			sched.SetInterval(cfg.Sync.Interval)
		}, func(err error) {
			a.Logger.WithError(err).Warn("Ignoring invalid config change")
		})
	}

	return sched.Start(ctx)
}
