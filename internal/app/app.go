// Package app wires the bridge together from a resolved configuration.
package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/issuebridge/issuebridge/internal/config"
	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/discord"
	"github.com/issuebridge/issuebridge/internal/events"
	"github.com/issuebridge/issuebridge/internal/logging"
	"github.com/issuebridge/issuebridge/internal/notion"
	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
)

// App holds the long-lived components shared by every command.
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	Store  *db.DB
	Source *notion.Client
	Sink   *discord.Sink
	Engine *bridgesync.Engine
	Hub    *events.Hub

	session *discordgo.Session
	closers []io.Closer
}

// OpenStore opens the configured record store and brings its schema up to
// date.
func OpenStore(cfg *config.Config) (*db.DB, error) {
	target := cfg.DB.Path
	if cfg.DB.Driver == db.DriverPostgres {
		target = cfg.DB.DSN
	}
	store, err := db.OpenDSN(cfg.DB.Driver, target)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// New builds the store, the Notion client, the Discord sink and the engine.
// Nothing connects to Discord's gateway until Serve.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	a := &App{Config: cfg, Logger: logger}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store)

	a.Source, err = notion.New(notion.Options{
		BaseURL:       cfg.Notion.BaseURL,
		TokenProvider: notion.StaticToken(cfg.Notion.Token),
		HTTPClient:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Logger:        logger.WithField("component", "notion"),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create notion client: %w", err)
	}

	a.session, err = discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	a.session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	a.Sink, err = discord.NewSink(discord.Config{
		Session: a.session,
		Logger:  logger.WithField("component", "discord"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Hub = events.NewHub(logger.WithField("component", "events"))
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		a.Hub.Subscribe(kp)
		a.closers = append(a.closers, kp)
	}

	a.Engine, err = bridgesync.New(bridgesync.Config{
		Store:             store,
		Source:            a.Source,
		Sink:              a.Sink,
		Notifier:          a.Hub,
		Logger:            logger.WithField("component", "sync"),
		BulkAgeCeiling:    cfg.Bulk.AgeCeiling,
		RecentDeleteDelay: cfg.Bulk.RecentDelay,
		OldDeleteDelay:    cfg.Bulk.OldDelay,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	return a, nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ApplyReload applies the settings that can change while running.
func (a *App) ApplyReload(cfg *config.Config) {
	if level, err := logging.ParseLevel(cfg.Log.Level); err == nil && level != a.Logger.GetLevel() {
		a.Logger.SetLevel(level)
		a.Logger.WithField("level", level).Info("Log level changed")
	}
	a.Config = cfg
}
