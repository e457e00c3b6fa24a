package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/confirm"
	"github.com/issuebridge/issuebridge/internal/daemon"
	"github.com/issuebridge/issuebridge/internal/notion"
	"github.com/issuebridge/issuebridge/internal/schema"
	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
)

type fakeSession struct {
	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	followups []*discordgo.WebhookParams
	commands  []*discordgo.ApplicationCommand
	edited    chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{edited: make(chan struct{}, 16)}
}

func (f *fakeSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSession) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	f.edits = append(f.edits, edit)
	f.mu.Unlock()
	f.edited <- struct{}{}
	return &discordgo.Message{}, nil
}

func (f *fakeSession) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followups = append(f.followups, data)
	return &discordgo.Message{}, nil
}

func (f *fakeSession) ApplicationCommandBulkOverwrite(_, _ string, commands []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	f.commands = commands
	return commands, nil
}

func (f *fakeSession) lastEdit(t *testing.T) *discordgo.WebhookEdit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatal("expected an edited reply")
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeSession) lastResponse(t *testing.T) *discordgo.InteractionResponse {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		t.Fatal("expected an interaction response")
	}
	return f.responses[len(f.responses)-1]
}

type fakeStore struct {
	conns   []*schema.Connection
	tracked int
}

func (f *fakeStore) ListConnectionsContext(context.Context, bool) ([]*schema.Connection, error) {
	return f.conns, nil
}

func (f *fakeStore) CountTrackedContext(context.Context) (int, error) { return f.tracked, nil }

type fakeEngine struct {
	applyFunc func(ctx context.Context, artifactID string, status schema.Status) error
	clearFunc func(ctx context.Context, conns []*schema.Connection) (*bridgesync.BulkReport, []*bridgesync.Report, error)
}

func (f *fakeEngine) ApplyStatusChange(ctx context.Context, artifactID string, status schema.Status) error {
	return f.applyFunc(ctx, artifactID, status)
}

func (f *fakeEngine) ClearAndResync(ctx context.Context, conns []*schema.Connection) (*bridgesync.BulkReport, []*bridgesync.Report, error) {
	return f.clearFunc(ctx, conns)
}

type fakeScheduler struct{ triggers int }

func (f *fakeScheduler) Trigger() { f.triggers++ }

func (f *fakeScheduler) Status() daemon.Status {
	return daemon.Status{Interval: 2 * time.Minute}
}

type permissionFunc func(ctx context.Context, channelID string) error

func (f permissionFunc) CheckBulkPermissions(ctx context.Context, channelID string) error {
	return f(ctx, channelID)
}

type testBot struct {
	*Bot
	session   *fakeSession
	store     *fakeStore
	engine    *fakeEngine
	scheduler *fakeScheduler
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tb := &testBot{
		session:   newFakeSession(),
		store:     &fakeStore{},
		engine:    &fakeEngine{},
		scheduler: &fakeScheduler{},
	}
	b, err := New(Config{
		Session:   tb.session,
		Store:     tb.store,
		Engine:    tb.engine,
		Scheduler: tb.scheduler,
		Permissions: permissionFunc(func(_ context.Context, channelID string) error {
			if channelID == "locked" {
				return fmt.Errorf("%w: missing Manage Messages", bridgesync.ErrSinkPermissionDenied)
			}
			return nil
		}),
		Confirmations: confirm.NewRegistry(time.Minute),
		AppID:         "app-1",
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Close)
	tb.Bot = b
	return tb
}

func moderator(id string) *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: id}, Permissions: discordgo.PermissionManageMessages}
}

func command(name string, member *discordgo.Member) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:   discordgo.InteractionApplicationCommand,
		Data:   discordgo.ApplicationCommandInteractionData{Name: name},
		Member: member,
	}
}

func button(customID, messageID string, member *discordgo.Member) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:    discordgo.InteractionMessageComponent,
		Data:    discordgo.MessageComponentInteractionData{CustomID: customID},
		Message: &discordgo.Message{ID: messageID},
		Member:  member,
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without a session")
	}
	if _, err := New(Config{Session: newFakeSession()}); err == nil {
		t.Error("expected error without store and engine")
	}
}

func TestRegisterCommands(t *testing.T) {
	tb := newTestBot(t)
	if err := tb.RegisterCommands(context.Background()); err != nil {
		t.Fatalf("RegisterCommands failed: %v", err)
	}
	var names []string
	for _, c := range tb.session.commands {
		names = append(names, c.Name)
	}
	want := []string{"sync-now", "list-connections", "bot-status", "clear-channel"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusButton_AppliesChange(t *testing.T) {
	tb := newTestBot(t)
	var gotArtifact string
	var gotStatus schema.Status
	tb.engine.applyFunc = func(_ context.Context, artifactID string, status schema.Status) error {
		gotArtifact, gotStatus = artifactID, status
		return nil
	}

	tb.Handle(context.Background(), button("mark-fixed_page-1", "msg-1", moderator("u1")))

	if gotArtifact != "msg-1" || gotStatus != schema.StatusFixed {
		t.Errorf("ApplyStatusChange(%q, %q), want msg-1, Fixed", gotArtifact, gotStatus)
	}
	if resp := tb.session.lastResponse(t); resp.Type != discordgo.InteractionResponseDeferredMessageUpdate {
		t.Errorf("response type = %v, want deferred update", resp.Type)
	}
	if len(tb.session.followups) != 1 {
		t.Fatalf("expected one follow-up, got %d", len(tb.session.followups))
	}
	f := tb.session.followups[0]
	if f.Flags != 0 || !strings.Contains(f.Content, "**Fixed**") || !strings.Contains(f.Content, "<@u1>") {
		t.Errorf("unexpected follow-up: %+v", f)
	}
}

func TestStatusButton_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"untracked", fmt.Errorf("artifact msg-1: %w", bridgesync.ErrNotFound), "Issue not found in database."},
		{"no status property", fmt.Errorf("failed to write status: %w", notion.ErrNoStatusProperty), "no status/select properties"},
		{"other", errors.New("boom"), "An error occurred while updating the issue."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBot(t)
			tb.engine.applyFunc = func(context.Context, string, schema.Status) error { return tt.err }

			tb.Handle(context.Background(), button("mark-open_page-1", "msg-1", moderator("u1")))

			if len(tb.session.followups) != 1 {
				t.Fatalf("expected one follow-up, got %d", len(tb.session.followups))
			}
			f := tb.session.followups[0]
			if f.Flags != discordgo.MessageFlagsEphemeral || !strings.Contains(f.Content, tt.want) {
				t.Errorf("follow-up = %+v, want ephemeral containing %q", f, tt.want)
			}
		})
	}
}

func TestSyncNow(t *testing.T) {
	tb := newTestBot(t)
	tb.Handle(context.Background(), command("sync-now", moderator("u1")))
	if tb.scheduler.triggers != 1 {
		t.Errorf("expected one trigger, got %d", tb.scheduler.triggers)
	}
}

func TestListConnections(t *testing.T) {
	tb := newTestBot(t)
	tb.Handle(context.Background(), command("list-connections", nil))
	if resp := tb.session.lastResponse(t); !strings.Contains(resp.Data.Content, "No active connections") {
		t.Errorf("unexpected empty reply: %q", resp.Data.Content)
	}

	checked := time.Unix(1700000000, 0)
	tb.store.conns = []*schema.Connection{
		{ID: 1, Name: "Bugs", SinkChannelID: "111", LastCheckedAt: &checked},
		{ID: 2, Name: "Ops", SinkChannelID: "222"},
	}
	tb.Handle(context.Background(), command("list-connections", nil))

	embed := tb.session.lastResponse(t).Data.Embeds[0]
	want := []*discordgo.MessageEmbedField{
		{Name: "1. Bugs", Value: "**Channel:** <#111>\n**Last Checked:** <t:1700000000:R>"},
		{Name: "2. Ops", Value: "**Channel:** <#222>\n**Last Checked:** Never"},
	}
	if diff := cmp.Diff(want, embed.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestBotStatus(t *testing.T) {
	tb := newTestBot(t)
	tb.store.conns = []*schema.Connection{{ID: 1}}
	tb.store.tracked = 4

	tb.Handle(context.Background(), command("bot-status", nil))

	embed := tb.session.lastResponse(t).Data.Embeds[0]
	got := map[string]string{}
	for _, f := range embed.Fields {
		got[f.Name] = f.Value
	}
	if got["Active Connections"] != "1" || got["Tracked Issues"] != "4" || got["Polling Interval"] != "2m0s" {
		t.Errorf("unexpected fields: %v", got)
	}
}

func TestFormatUptime(t *testing.T) {
	if got := formatUptime(26*time.Hour + 5*time.Minute + 30*time.Second); got != "26h 5m" {
		t.Errorf("formatUptime = %q", got)
	}
}

func TestClearChannel_RequiresManageMessages(t *testing.T) {
	tb := newTestBot(t)
	tb.store.conns = []*schema.Connection{{ID: 1, SinkChannelID: "111"}}

	tb.Handle(context.Background(), command("clear-channel", &discordgo.Member{User: &discordgo.User{ID: "u1"}}))

	if got := *tb.session.lastEdit(t).Content; !strings.Contains(got, "Manage Messages") {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestClearChannel_NoAccessibleChannels(t *testing.T) {
	tb := newTestBot(t)
	tb.store.conns = []*schema.Connection{{ID: 1, SinkChannelID: "locked"}}

	tb.Handle(context.Background(), command("clear-channel", moderator("u1")))

	if got := *tb.session.lastEdit(t).Content; !strings.Contains(got, "No accessible channels") {
		t.Errorf("unexpected reply: %q", got)
	}
}

// promptToken posts a /clear-channel prompt and returns its token.
func promptToken(t *testing.T, tb *testBot, requester string) string {
	t.Helper()
	tb.Handle(context.Background(), command("clear-channel", moderator(requester)))

	edit := tb.session.lastEdit(t)
	if edit.Embeds == nil || (*edit.Embeds)[0].Title != "⚠️ Confirm Channel Clear & Sync" {
		t.Fatalf("expected confirm prompt, got %+v", edit)
	}
	row := (*edit.Components)[0].(discordgo.ActionsRow)
	yes := row.Components[0].(discordgo.Button)
	if yes.Style != discordgo.DangerButton {
		t.Errorf("confirm button style = %v, want danger", yes.Style)
	}
	return strings.TrimPrefix(yes.CustomID, confirmClearPrefix)
}

func TestClearChannel_Confirm(t *testing.T) {
	tb := newTestBot(t)
	tb.store.conns = []*schema.Connection{
		{ID: 1, SinkChannelID: "111"},
		{ID: 2, SinkChannelID: "locked"},
	}
	var cleared []int64
	tb.engine.clearFunc = func(_ context.Context, conns []*schema.Connection) (*bridgesync.BulkReport, []*bridgesync.Report, error) {
		for _, c := range conns {
			cleared = append(cleared, c.ID)
		}
		return &bridgesync.BulkReport{
			TotalRemoved: 3,
			Channels:     []bridgesync.ChannelResult{{ConnectionID: 1, ChannelID: "111", Removed: 3}},
		}, nil, nil
	}

	token := promptToken(t, tb, "u1")

	tb.Handle(context.Background(), button(confirmClearPrefix+token, "prompt", moderator("u2")))
	if resp := tb.session.lastResponse(t); !strings.Contains(resp.Data.Content, "Only the user") {
		t.Errorf("other users must not answer, got %q", resp.Data.Content)
	}
	if cleared != nil {
		t.Fatal("clear ran for the wrong user")
	}

	tb.Handle(context.Background(), button(confirmClearPrefix+token, "prompt", moderator("u1")))
	if diff := cmp.Diff([]int64{1}, cleared); diff != "" {
		t.Errorf("cleared connections mismatch (-want +got):\n%s", diff)
	}
	result := (*tb.session.lastEdit(t).Embeds)[0]
	if result.Title != "✅ Channels Cleared & Synced" || !strings.Contains(result.Description, "• <#111>: 3 messages") {
		t.Errorf("unexpected result embed: %+v", result)
	}

	tb.Handle(context.Background(), button(confirmClearPrefix+token, "prompt", moderator("u1")))
	if resp := tb.session.lastResponse(t); !strings.Contains(resp.Data.Content, "no longer active") {
		t.Errorf("second answer: got %q", resp.Data.Content)
	}
}

func TestClearChannel_Cancel(t *testing.T) {
	tb := newTestBot(t)
	tb.store.conns = []*schema.Connection{{ID: 1, SinkChannelID: "111"}}
	tb.engine.clearFunc = func(context.Context, []*schema.Connection) (*bridgesync.BulkReport, []*bridgesync.Report, error) {
		t.Fatal("cancelled prompt must not clear")
		return nil, nil, nil
	}

	token := promptToken(t, tb, "u1")
	tb.Handle(context.Background(), button(cancelClearPrefix+token, "prompt", moderator("u1")))

	resp := tb.session.lastResponse(t)
	if resp.Type != discordgo.InteractionResponseUpdateMessage || resp.Data.Content != "❌ Channel clear cancelled." {
		t.Errorf("unexpected cancel response: %+v", resp)
	}
}

func TestClearChannel_Timeout(t *testing.T) {
	tb := newTestBot(t)
	tb.store.conns = []*schema.Connection{{ID: 1, SinkChannelID: "111"}}
	fire := make(chan time.Time)
	tb.after = func(time.Duration) <-chan time.Time { return fire }

	token := promptToken(t, tb, "u1")
	<-tb.session.edited

	close(fire)
	select {
	case <-tb.session.edited:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt was not expired")
	}
	if got := *tb.session.lastEdit(t).Content; got != "❌ Channel clear timed out." {
		t.Errorf("unexpected timeout edit: %q", got)
	}

	tb.Handle(context.Background(), button(confirmClearPrefix+token, "prompt", moderator("u1")))
	if resp := tb.session.lastResponse(t); resp.Data.Content != "❌ Channel clear timed out." {
		t.Errorf("late answer: got %q", resp.Data.Content)
	}
}

func TestParseClearButton(t *testing.T) {
	tests := []struct {
		id        string
		token     string
		confirmed bool
		ok        bool
	}{
		{"confirm_clear_abc", "abc", true, true},
		{"cancel_clear_abc", "abc", false, true},
		{"mark-open_abc", "", false, false},
	}
	for _, tt := range tests {
		token, confirmed, ok := parseClearButton(tt.id)
		if token != tt.token || confirmed != tt.confirmed || ok != tt.ok {
			t.Errorf("parseClearButton(%q) = %q, %v, %v", tt.id, token, confirmed, ok)
		}
	}
}
