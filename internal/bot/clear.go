package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/issuebridge/issuebridge/internal/confirm"
	"github.com/issuebridge/issuebridge/internal/schema"
)

// Custom id prefixes of the /clear-channel prompt buttons. The confirmation
// token follows the prefix.
const (
	confirmClearPrefix = "confirm_clear_"
	cancelClearPrefix  = "cancel_clear_"
)

// clearPrompt is an unanswered /clear-channel prompt.
type clearPrompt struct {
	interaction *discordgo.Interaction
	conns       []*schema.Connection
}

func parseClearButton(customID string) (token string, confirmed bool, ok bool) {
	switch {
	case strings.HasPrefix(customID, confirmClearPrefix):
		return strings.TrimPrefix(customID, confirmClearPrefix), true, true
	case strings.HasPrefix(customID, cancelClearPrefix):
		return strings.TrimPrefix(customID, cancelClearPrefix), false, true
	}
	return "", false, false
}

// handleClearChannel checks the caller's rights and the bot's channel
// permissions, then posts a confirm/cancel prompt only the caller can
// answer.
func (b *Bot) handleClearChannel(ctx context.Context, i *discordgo.Interaction) {
	b.respond(ctx, i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})

	if i.Member == nil || i.Member.Permissions&discordgo.PermissionManageMessages == 0 {
		b.editReply(ctx, i, &discordgo.WebhookEdit{Content: textPtr(`❌ You need "Manage Messages" permission to use this command.`)})
		return
	}

	conns, err := b.store.ListConnectionsContext(ctx, true)
	if err != nil {
		b.logger.WithError(err).Error("Failed to list connections")
		b.editReply(ctx, i, &discordgo.WebhookEdit{Content: textPtr("An error occurred while processing the clear channel command.")})
		return
	}
	if len(conns) == 0 {
		b.editReply(ctx, i, &discordgo.WebhookEdit{Content: textPtr("❌ No active connections found. Please set up Notion database connections first.")})
		return
	}

	var usable []*schema.Connection
	for _, c := range conns {
		if b.permissions != nil {
			if err := b.permissions.CheckBulkPermissions(ctx, c.SinkChannelID); err != nil {
				b.logger.WithError(err).WithField("channel", c.SinkChannelID).Info("Skipping channel for clear")
				continue
			}
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		b.editReply(ctx, i, &discordgo.WebhookEdit{Content: textPtr(`❌ No accessible channels found or missing permissions. I need "View Channel", "Read Message History", and "Manage Messages" permissions.`)})
		return
	}

	requester := ""
	if u := interactionUser(i); u != nil {
		requester = u.ID
	}
	req := b.confirms.Begin(requester, "clear-channel")

	b.mu.Lock()
	b.prompts[req.Token] = &clearPrompt{interaction: i, conns: usable}
	b.mu.Unlock()

	embeds := []*discordgo.MessageEmbed{{
		Title:       "⚠️ Confirm Channel Clear & Sync",
		Description: fmt.Sprintf("Are you sure you want to clear all messages in the following connected channels and sync updated issues?\n\n%s\n\n**This action cannot be undone!**", channelList(usable)),
		Color:       colorWarning,
	}}
	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Yes, Clear & Sync", Style: discordgo.DangerButton, CustomID: confirmClearPrefix + req.Token},
			discordgo.Button{Label: "Cancel", Style: discordgo.SecondaryButton, CustomID: cancelClearPrefix + req.Token},
		}},
	}
	b.editReply(ctx, i, &discordgo.WebhookEdit{Embeds: &embeds, Components: &components})

	b.wg.Add(1)
	go b.expirePrompt(req)
}

// expirePrompt turns an unanswered prompt into a timeout notice.
func (b *Bot) expirePrompt(req confirm.Request) {
	defer b.wg.Done()

	select {
	case <-b.ctx.Done():
		return
	case <-b.after(req.ExpiresAt.Sub(req.CreatedAt)):
	}

	if _, expired := b.confirms.Expire(req.Token); !expired {
		return
	}
	prompt := b.takePrompt(req.Token)
	if prompt == nil {
		return
	}
	b.editReply(b.ctx, prompt.interaction, clearedPrompt("❌ Channel clear timed out."))
}

func (b *Bot) takePrompt(token string) *clearPrompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.prompts[token]
	delete(b.prompts, token)
	return p
}

// answerClear resolves a prompt button. Confirming empties every listed
// channel and resyncs before the prompt is replaced with the results.
func (b *Bot) answerClear(ctx context.Context, i *discordgo.Interaction, token string, confirmed bool) {
	userID := ""
	if u := interactionUser(i); u != nil {
		userID = u.ID
	}

	_, err := b.confirms.Resolve(token, userID, confirmed)
	switch {
	case errors.Is(err, confirm.ErrNotRequester):
		b.respondEphemeral(ctx, i, "Only the user who ran /clear-channel can answer this prompt.")
		return
	case errors.Is(err, confirm.ErrExpired):
		b.takePrompt(token)
		b.respond(ctx, i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: promptData("❌ Channel clear timed out."),
		})
		return
	case err != nil:
		b.respondEphemeral(ctx, i, "This prompt is no longer active.")
		return
	}

	prompt := b.takePrompt(token)
	if !confirmed {
		b.respond(ctx, i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: promptData("❌ Channel clear cancelled."),
		})
		return
	}
	if prompt == nil {
		b.respondEphemeral(ctx, i, "This prompt is no longer active.")
		return
	}

	b.respond(ctx, i, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})

	bulk, _, err := b.engine.ClearAndResync(ctx, prompt.conns)
	if err != nil {
		b.logger.WithError(err).Error("Channel clear failed")
		b.editReply(ctx, i, clearedPrompt("❌ An error occurred while clearing the channel. Some messages may not have been deleted."))
		return
	}

	lines := make([]string, 0, len(bulk.Channels))
	for _, ch := range bulk.Channels {
		line := fmt.Sprintf("• <#%s>: %d messages", ch.ChannelID, ch.Removed)
		if ch.Reason != "" {
			line += fmt.Sprintf(" (%s)", ch.Reason)
		}
		lines = append(lines, line)
	}
	embeds := []*discordgo.MessageEmbed{{
		Title:       "✅ Channels Cleared & Synced",
		Description: fmt.Sprintf("Successfully cleared %d total messages and synced updated issues:\n\n%s", bulk.TotalRemoved, strings.Join(lines, "\n")),
		Color:       colorSuccess,
	}}
	components := []discordgo.MessageComponent{}
	b.editReply(ctx, i, &discordgo.WebhookEdit{Content: textPtr(""), Embeds: &embeds, Components: &components})
}

func promptData(content string) *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		Content:    content,
		Embeds:     []*discordgo.MessageEmbed{},
		Components: []discordgo.MessageComponent{},
	}
}

func clearedPrompt(content string) *discordgo.WebhookEdit {
	embeds := []*discordgo.MessageEmbed{}
	components := []discordgo.MessageComponent{}
	return &discordgo.WebhookEdit{Content: textPtr(content), Embeds: &embeds, Components: &components}
}
