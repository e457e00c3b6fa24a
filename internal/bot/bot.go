// Package bot answers Discord interactions: the status buttons on issue
// messages and the slash commands.
package bot

import (
	"context"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/confirm"
	"github.com/issuebridge/issuebridge/internal/daemon"
	"github.com/issuebridge/issuebridge/internal/schema"
	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
)

// Session is the part of *discordgo.Session the bot needs.
type Session interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Store is the read side of the record store used by the commands.
type Store interface {
	ListConnectionsContext(ctx context.Context, activeOnly bool) ([]*schema.Connection, error)
	CountTrackedContext(ctx context.Context) (int, error)
}

// Engine applies status changes and empties channels.
type Engine interface {
	ApplyStatusChange(ctx context.Context, artifactID string, status schema.Status) error
	ClearAndResync(ctx context.Context, conns []*schema.Connection) (*bridgesync.BulkReport, []*bridgesync.Report, error)
}

// Scheduler runs reconciliation passes.
type Scheduler interface {
	Trigger()
	Status() daemon.Status
}

// PermissionChecker verifies the bot may empty a channel.
type PermissionChecker interface {
	CheckBulkPermissions(ctx context.Context, channelID string) error
}

// Config holds bot dependencies.
type Config struct {
	Session     Session
	Store       Store
	Engine      Engine
	Scheduler   Scheduler
	Permissions PermissionChecker

	// Confirmations holds /clear-channel prompts (default: a registry with
	// confirm.DefaultTTL)
	Confirmations *confirm.Registry

	// AppID and GuildID scope command registration. An empty GuildID
	// registers global commands.
	AppID   string
	GuildID string

	// DashboardURL is shown by /bot-status when set
	DashboardURL string

	// Logger for bot activity (default: standard logrus logger)
	Logger logrus.FieldLogger
}

// Bot dispatches interactions.
type Bot struct {
	session     Session
	store       Store
	engine      Engine
	scheduler   Scheduler
	permissions PermissionChecker
	confirms    *confirm.Registry

	appID        string
	guildID      string
	dashboardURL string
	logger       logrus.FieldLogger

	started time.Time
	after   func(d time.Duration) <-chan time.Time

	mu      stdsync.Mutex
	prompts map[string]*clearPrompt

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a Bot.
func New(cfg Config) (*Bot, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if cfg.Store == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("store and engine are required")
	}
	if cfg.Confirmations == nil {
		cfg.Confirmations = confirm.NewRegistry(confirm.DefaultTTL)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger().WithField("component", "bot")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		session:      cfg.Session,
		store:        cfg.Store,
		engine:       cfg.Engine,
		scheduler:    cfg.Scheduler,
		permissions:  cfg.Permissions,
		confirms:     cfg.Confirmations,
		appID:        cfg.AppID,
		guildID:      cfg.GuildID,
		dashboardURL: cfg.DashboardURL,
		logger:       cfg.Logger,
		started:      time.Now(),
		after:        time.After,
		prompts:      make(map[string]*clearPrompt),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// RegisterCommands replaces the application's slash commands with the
// bot's set.
func (b *Bot) RegisterCommands(ctx context.Context) error {
	if b.appID == "" {
		return fmt.Errorf("application id is required to register commands")
	}
	if _, err := b.session.ApplicationCommandBulkOverwrite(b.appID, b.guildID, Commands(), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	b.logger.WithField("guild", b.guildID).Info("Slash commands registered")
	return nil
}

// HandleInteraction is a discordgo event handler; pass it to
// Session.AddHandler.
func (b *Bot) HandleInteraction(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
	b.Handle(b.ctx, ic.Interaction)
}

// Handle dispatches one interaction.
func (b *Bot) Handle(ctx context.Context, i *discordgo.Interaction) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, i)
	case discordgo.InteractionMessageComponent:
		b.handleComponent(ctx, i)
	}
}

// Close stops pending prompt timers.
func (b *Bot) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bot) handleComponent(ctx context.Context, i *discordgo.Interaction) {
	customID := i.MessageComponentData().CustomID
	if token, confirmed, ok := parseClearButton(customID); ok {
		b.answerClear(ctx, i, token, confirmed)
		return
	}
	b.handleStatusButton(ctx, i, customID)
}

func (b *Bot) respond(ctx context.Context, i *discordgo.Interaction, resp *discordgo.InteractionResponse) {
	if err := b.session.InteractionRespond(i, resp, discordgo.WithContext(ctx)); err != nil {
		b.logger.WithError(err).Warn("Failed to respond to interaction")
	}
}

func (b *Bot) respondEphemeral(ctx context.Context, i *discordgo.Interaction, content string) {
	b.respond(ctx, i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content, Flags: discordgo.MessageFlagsEphemeral},
	})
}

func (b *Bot) editReply(ctx context.Context, i *discordgo.Interaction, edit *discordgo.WebhookEdit) {
	if _, err := b.session.InteractionResponseEdit(i, edit, discordgo.WithContext(ctx)); err != nil {
		b.logger.WithError(err).Warn("Failed to edit interaction reply")
	}
}

func (b *Bot) followUp(ctx context.Context, i *discordgo.Interaction, content string, ephemeral bool) {
	params := &discordgo.WebhookParams{Content: content}
	if ephemeral {
		params.Flags = discordgo.MessageFlagsEphemeral
	}
	if _, err := b.session.FollowupMessageCreate(i, true, params, discordgo.WithContext(ctx)); err != nil {
		b.logger.WithError(err).Warn("Failed to send follow-up message")
	}
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func textPtr(s string) *string { return &s }

func channelList(conns []*schema.Connection) string {
	lines := make([]string, 0, len(conns))
	for _, c := range conns {
		lines = append(lines, fmt.Sprintf("• <#%s>", c.SinkChannelID))
	}
	return strings.Join(lines, "\n")
}
