// Package discord is the sink adapter. Artifacts are channel messages
// carrying one embed and a row of status buttons.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	stdsync "sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/schema"
	"github.com/issuebridge/issuebridge/internal/sync"
)

// listLimit is the largest page the message history endpoint returns.
const listLimit = 100

// Session is the part of *discordgo.Session the sink uses.
type Session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessagesBulkDelete(channelID string, messages []string, options ...discordgo.RequestOption) error
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Config configures a Sink.
type Config struct {
	Session Session
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// Sink implements sync.Sink on a Discord bot session.
type Sink struct {
	session Session
	logger  logrus.FieldLogger
	now     func() time.Time

	mu     stdsync.Mutex
	selfID string
}

// NewSink creates a Sink.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("discord session is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger().WithField("component", "discord")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sink{session: cfg.Session, logger: cfg.Logger, now: cfg.Now}, nil
}

// CreateArtifact posts a new message and returns its id.
func (s *Sink) CreateArtifact(ctx context.Context, channelID string, content schema.ArtifactContent) (string, error) {
	msg, err := s.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{RenderEmbed(content, s.now())},
		Components: RenderComponents(content),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", mapError(err))
	}
	return msg.ID, nil
}

// EditArtifact replaces a message's embed and buttons.
func (s *Sink) EditArtifact(ctx context.Context, channelID, artifactID string, content schema.ArtifactContent) error {
	embeds := []*discordgo.MessageEmbed{RenderEmbed(content, s.now())}
	components := RenderComponents(content)
	edit := discordgo.NewMessageEdit(channelID, artifactID)
	edit.Embeds = &embeds
	edit.Components = &components
	if _, err := s.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to edit message %s: %w", artifactID, mapError(err))
	}
	return nil
}

// DeleteArtifact deletes one message.
func (s *Sink) DeleteArtifact(ctx context.Context, channelID, artifactID string) error {
	if err := s.session.ChannelMessageDelete(channelID, artifactID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", artifactID, mapError(err))
	}
	return nil
}

// ListArtifacts returns up to 100 messages older than cursor, newest first.
func (s *Sink) ListArtifacts(ctx context.Context, channelID, cursor string) (sync.ArtifactPage, error) {
	msgs, err := s.session.ChannelMessages(channelID, listLimit, cursor, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return sync.ArtifactPage{}, fmt.Errorf("failed to list messages: %w", mapError(err))
	}
	page := sync.ArtifactPage{
		Items:   make([]sync.ArtifactRef, 0, len(msgs)),
		HasMore: len(msgs) == listLimit,
	}
	for _, m := range msgs {
		created := m.Timestamp
		if created.IsZero() {
			created, _ = discordgo.SnowflakeTimestamp(m.ID)
		}
		page.Items = append(page.Items, sync.ArtifactRef{ID: m.ID, CreatedAt: created})
	}
	return page, nil
}

// BulkDeleteArtifacts deletes up to 100 messages younger than two weeks in
// one request.
func (s *Sink) BulkDeleteArtifacts(ctx context.Context, channelID string, artifactIDs []string) error {
	if len(artifactIDs) == 0 {
		return nil
	}
	if err := s.session.ChannelMessagesBulkDelete(channelID, artifactIDs, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to bulk delete %d messages: %w", len(artifactIDs), mapError(err))
	}
	return nil
}

// CheckBulkPermissions verifies the bot can read history and manage
// messages in the channel.
func (s *Sink) CheckBulkPermissions(ctx context.Context, channelID string) error {
	selfID, err := s.botUserID(ctx)
	if err != nil {
		return err
	}
	perms, err := s.session.UserChannelPermissions(selfID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to read channel permissions: %w", mapError(err))
	}
	var missing []string
	if perms&discordgo.PermissionViewChannel == 0 {
		missing = append(missing, "View Channel")
	}
	if perms&discordgo.PermissionReadMessageHistory == 0 {
		missing = append(missing, "Read Message History")
	}
	if perms&discordgo.PermissionManageMessages == 0 {
		missing = append(missing, "Manage Messages")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", sync.ErrSinkPermissionDenied, strings.Join(missing, ", "))
	}
	return nil
}

func (s *Sink) botUserID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selfID != "" {
		return s.selfID, nil
	}
	u, err := s.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to resolve bot user: %w", mapError(err))
	}
	s.selfID = u.ID
	return s.selfID, nil
}

// mapError translates Discord REST failures into the sync sentinels.
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	code := 0
	if restErr.Message != nil {
		code = restErr.Message.Code
	}
	status := 0
	if restErr.Response != nil {
		status = restErr.Response.StatusCode
	}
	switch {
	case code == discordgo.ErrCodeMissingPermissions || code == discordgo.ErrCodeMissingAccess || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", sync.ErrSinkPermissionDenied, err)
	case code == discordgo.ErrCodeUnknownMessage || code == discordgo.ErrCodeUnknownChannel || status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", sync.ErrSinkNotFound, err)
	}
	return err
}
