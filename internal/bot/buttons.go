package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/discord"
	"github.com/issuebridge/issuebridge/internal/notion"
	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
)

// handleStatusButton applies a Mark as Open / Mark as Fixed click. The
// message the button sits on is the tracked artifact; the engine re-renders
// it after the source accepts the new status.
func (b *Bot) handleStatusButton(ctx context.Context, i *discordgo.Interaction, customID string) {
	status, recordID, ok := discord.ParseStatusButton(customID)
	if !ok {
		b.respondEphemeral(ctx, i, "Unknown action.")
		return
	}

	b.respond(ctx, i, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})

	if i.Message == nil {
		b.followUp(ctx, i, "Issue not found in database.", true)
		return
	}

	log := b.logger.WithFields(logrus.Fields{
		"artifact": i.Message.ID,
		"record":   recordID,
		"status":   status,
	})

	err := b.engine.ApplyStatusChange(ctx, i.Message.ID, status)
	switch {
	case err == nil:
	case errors.Is(err, bridgesync.ErrNotFound):
		b.followUp(ctx, i, "Issue not found in database.", true)
		return
	case errors.Is(err, notion.ErrNoStatusProperty):
		b.followUp(ctx, i, "❌ Cannot update status: This Notion page has no status/select properties. Please add a Status field to your Notion database.", true)
		return
	default:
		log.WithError(err).Warn("Status change failed")
		b.followUp(ctx, i, "An error occurred while updating the issue.", true)
		return
	}

	by := ""
	if u := interactionUser(i); u != nil {
		by = " by " + u.Mention()
	}
	log.Info("Status changed from Discord")
	b.followUp(ctx, i, fmt.Sprintf("✅ Issue status updated to **%s**%s", status, by), false)
}
