package bot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Embed colors used by command replies.
const (
	colorInfo    = 0x0099FF
	colorSuccess = 0x00FF00
	colorWarning = 0xFF6B6B
)

// maxEmbedFields is Discord's limit on fields per embed.
const maxEmbedFields = 25

// Commands returns the slash commands the bot answers.
func Commands() []*discordgo.ApplicationCommand {
	manageMessages := int64(discordgo.PermissionManageMessages)
	return []*discordgo.ApplicationCommand{
		{
			Name:        "sync-now",
			Description: "Manually trigger a sync with all connected Notion databases",
		},
		{
			Name:        "list-connections",
			Description: "List all active Notion database connections",
		},
		{
			Name:        "bot-status",
			Description: "Show bot status and statistics",
		},
		{
			Name:                     "clear-channel",
			Description:              "Clear all messages in connected channels and sync updated issues",
			DefaultMemberPermissions: &manageMessages,
		},
	}
}

func (b *Bot) handleCommand(ctx context.Context, i *discordgo.Interaction) {
	name := i.ApplicationCommandData().Name
	b.logger.WithField("command", name).Debug("Slash command received")

	switch name {
	case "sync-now":
		b.handleSyncNow(ctx, i)
	case "list-connections":
		b.handleListConnections(ctx, i)
	case "bot-status":
		b.handleBotStatus(ctx, i)
	case "clear-channel":
		b.handleClearChannel(ctx, i)
	default:
		b.respondEphemeral(ctx, i, "Unknown command!")
	}
}

func (b *Bot) handleSyncNow(ctx context.Context, i *discordgo.Interaction) {
	if b.scheduler == nil {
		b.respondEphemeral(ctx, i, "❌ Scheduler is not running.")
		return
	}
	b.scheduler.Trigger()
	b.respond(ctx, i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: "🔄 Sync started. Issues will update shortly."},
	})
}

func (b *Bot) handleListConnections(ctx context.Context, i *discordgo.Interaction) {
	conns, err := b.store.ListConnectionsContext(ctx, true)
	if err != nil {
		b.logger.WithError(err).Error("Failed to list connections")
		b.respondEphemeral(ctx, i, "Error fetching connections.")
		return
	}
	if len(conns) == 0 {
		b.respondEphemeral(ctx, i, "No active connections found. Use the dashboard to add connections.")
		return
	}

	embed := &discordgo.MessageEmbed{
		Title: "🔗 Active Notion Connections",
		Color: colorInfo,
	}
	for n, c := range conns {
		if n == maxEmbedFields {
			embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("... and %d more", len(conns)-n)}
			break
		}
		lastChecked := "Never"
		if c.LastCheckedAt != nil {
			lastChecked = fmt.Sprintf("<t:%d:R>", c.LastCheckedAt.Unix())
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%d. %s", n+1, c.Label()),
			Value: fmt.Sprintf("**Channel:** <#%s>\n**Last Checked:** %s", c.SinkChannelID, lastChecked),
		})
	}

	b.respond(ctx, i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
}

func (b *Bot) handleBotStatus(ctx context.Context, i *discordgo.Interaction) {
	conns, err := b.store.ListConnectionsContext(ctx, true)
	if err != nil {
		b.logger.WithError(err).Error("Failed to list connections")
		b.respondEphemeral(ctx, i, "Error fetching bot status.")
		return
	}
	tracked, err := b.store.CountTrackedContext(ctx)
	if err != nil {
		b.logger.WithError(err).Error("Failed to count tracked issues")
		b.respondEphemeral(ctx, i, "Error fetching bot status.")
		return
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Active Connections", Value: strconv.Itoa(len(conns)), Inline: true},
		{Name: "Tracked Issues", Value: strconv.Itoa(tracked), Inline: true},
	}
	if b.scheduler != nil {
		st := b.scheduler.Status()
		lastSync := "Never"
		if !st.LastRun.IsZero() {
			lastSync = fmt.Sprintf("<t:%d:R>", st.LastRun.Unix())
		}
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Polling Interval", Value: st.Interval.String(), Inline: true},
			&discordgo.MessageEmbedField{Name: "Last Sync", Value: lastSync, Inline: true},
		)
	}
	fields = append(fields, &discordgo.MessageEmbedField{Name: "Uptime", Value: formatUptime(time.Since(b.started)), Inline: true})
	if b.dashboardURL != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Dashboard", Value: b.dashboardURL, Inline: true})
	}

	b.respond(ctx, i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{{
				Title:  "🤖 Bot Status",
				Color:  colorSuccess,
				Fields: fields,
			}},
			Flags: discordgo.MessageFlagsEphemeral,
		},
	})
}

func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
