package discord

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/issuebridge/issuebridge/internal/schema"
)

// Embed colors.
const (
	ColorFixed   = 0x00FF00
	ColorOpen    = 0xFF9900
	ColorOther   = 0x0099FF
	ColorRemoved = 0x808080
)

// Button custom id prefixes. The record id follows the prefix.
const (
	MarkOpenPrefix  = "mark-open_"
	MarkFixedPrefix = "mark-fixed_"
)

const maxDescription = 200

// ParseStatusButton decodes a status button custom id into the requested
// status and the source record id.
func ParseStatusButton(customID string) (schema.Status, string, bool) {
	switch {
	case strings.HasPrefix(customID, MarkOpenPrefix):
		id := strings.TrimPrefix(customID, MarkOpenPrefix)
		return schema.StatusOpen, id, id != ""
	case strings.HasPrefix(customID, MarkFixedPrefix):
		id := strings.TrimPrefix(customID, MarkFixedPrefix)
		return schema.StatusFixed, id, id != ""
	}
	return "", "", false
}

// StatusColor returns the embed color for a status.
func StatusColor(status schema.Status) int {
	switch status {
	case schema.StatusFixed:
		return ColorFixed
	case schema.StatusOpen:
		return ColorOpen
	}
	return ColorOther
}

// RenderEmbed builds the embed for an artifact.
func RenderEmbed(content schema.ArtifactContent, now time.Time) *discordgo.MessageEmbed {
	if content.Kind == schema.ContentRemoved {
		return &discordgo.MessageEmbed{
			Title:       "🗑️ [DELETED] Issue Removed",
			Description: "This issue has been removed from the tracker.",
			Color:       ColorRemoved,
		}
	}

	prefix := "🆕 "
	if content.Kind == schema.ContentUpdated {
		prefix = "🔄 "
	}
	embed := &discordgo.MessageEmbed{
		Title: prefix + content.Title,
		Color: StatusColor(content.Status),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: content.Status.String(), Inline: true},
			{Name: "Issue ID", Value: content.DisplayKey(), Inline: true},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
		URL:       content.URL,
	}
	if content.Description != "" {
		embed.Description = truncate(content.Description, maxDescription)
	}
	return embed
}

// RenderComponents builds the status buttons for an artifact. Removed
// artifacts get none.
func RenderComponents(content schema.ArtifactContent) []discordgo.MessageComponent {
	if content.Kind == schema.ContentRemoved {
		return []discordgo.MessageComponent{}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "🔓 Mark as Open",
					Style:    discordgo.SecondaryButton,
					CustomID: MarkOpenPrefix + content.RecordID,
					Disabled: content.Status == schema.StatusOpen,
				},
				discordgo.Button{
					Label:    "✅ Mark as Fixed",
					Style:    discordgo.SuccessButton,
					CustomID: MarkFixedPrefix + content.RecordID,
					Disabled: content.Status == schema.StatusFixed,
				},
			},
		},
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
