package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/confirm"
	"github.com/issuebridge/issuebridge/internal/daemon"
	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/events"
	"github.com/issuebridge/issuebridge/internal/notion"
	"github.com/issuebridge/issuebridge/internal/schema"
	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
)

type fakeStore struct {
	mu      sync.Mutex
	conns   []*schema.Connection
	tracked []*schema.TrackedArtifact
	nextID  int64
}

func (f *fakeStore) ListConnectionsContext(_ context.Context, activeOnly bool) ([]*schema.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.Connection
	for _, c := range f.conns {
		if !activeOnly || c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetConnectionContext(_ context.Context, id int64) (*schema.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) AddConnectionContext(_ context.Context, c *schema.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.conns {
		if existing.Active && existing.SourceDatabaseID == c.SourceDatabaseID && existing.SinkChannelID == c.SinkChannelID {
			return db.ErrDuplicate
		}
	}
	f.nextID++
	c.ID = f.nextID
	c.Active = true
	c.SetDefaults()
	f.conns = append(f.conns, c)
	return nil
}

func (f *fakeStore) DeleteConnectionContext(_ context.Context, id int64, hard bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.conns {
		if c.ID == id {
			if hard {
				f.conns = append(f.conns[:i], f.conns[i+1:]...)
			} else {
				c.Active = false
			}
			return nil
		}
	}
	return db.ErrNotFound
}

func (f *fakeStore) ListTrackedContext(_ context.Context, connectionID int64) ([]*schema.TrackedArtifact, error) {
	var out []*schema.TrackedArtifact
	for _, t := range f.tracked {
		if t.ConnectionID == connectionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAllTrackedContext(context.Context) ([]*schema.TrackedArtifact, error) {
	return f.tracked, nil
}

func (f *fakeStore) CountTrackedContext(context.Context) (int, error) {
	return len(f.tracked), nil
}

type fakeEngine struct {
	calls chan []*schema.Connection
}

func (f *fakeEngine) ClearAndResync(_ context.Context, conns []*schema.Connection) (*bridgesync.BulkReport, []*bridgesync.Report, error) {
	f.calls <- conns
	return &bridgesync.BulkReport{}, nil, nil
}

type fakeScheduler struct {
	triggers int
}

func (f *fakeScheduler) Trigger() { f.triggers++ }

func (f *fakeScheduler) Status() daemon.Status {
	return daemon.Status{Interval: 2 * time.Minute, LastRun: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

type fakeSource struct{}

func (fakeSource) DescribeDatabase(_ context.Context, id string) (*notion.DatabaseInfo, error) {
	if id == "missing" {
		return nil, errors.New("object_not_found")
	}
	return &notion.DatabaseInfo{ID: id, Title: "Bug Tracker", Fields: map[string]string{"Name": "title"}}, nil
}

type testEnv struct {
	server    *Server
	http      *httptest.Server
	store     *fakeStore
	engine    *fakeEngine
	scheduler *fakeScheduler
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     &fakeStore{},
		engine:    &fakeEngine{calls: make(chan []*schema.Connection, 4)},
		scheduler: &fakeScheduler{},
	}
	env.server = NewServer(&Config{
		Logger: quietLogger(),
		Deps: Deps{
			Store:         env.store,
			Engine:        env.engine,
			Scheduler:     env.scheduler,
			Source:        fakeSource{},
			Confirmations: confirm.NewRegistry(time.Minute),
		},
	})
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.http.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func TestAddConnection(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/connections", `{"source_database_id": "db-1", "sink_channel_id": "123"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
	got := decode[schema.Connection](t, resp)
	if got.ID != 1 || got.SourceName != "Bug Tracker" || got.Name != "Bug Tracker" {
		t.Errorf("unexpected connection: %+v", got)
	}

	resp = env.do(t, http.MethodPost, "/api/connections", `{"source_database_id": "db-1", "sink_channel_id": "123"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate pair: status = %d, want 409", resp.StatusCode)
	}
}

func TestAddConnection_Validation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing channel", `{"source_database_id": "db-1"}`},
		{"non-numeric channel", `{"source_database_id": "db-1", "sink_channel_id": "general"}`},
		{"unknown field", `{"source_database_id": "db-1", "sink_channel_id": "1", "extra": true}`},
		{"unreachable source", `{"source_database_id": "missing", "sink_channel_id": "1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/connections", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestDeleteConnection(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.AddConnectionContext(context.Background(), &schema.Connection{SourceDatabaseID: "a", SinkChannelID: "1"})

	if resp := env.do(t, http.MethodDelete, "/api/connections/1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if env.store.conns[0].Active {
		t.Error("soft delete should deactivate the connection")
	}
	if resp := env.do(t, http.MethodDelete, "/api/connections/1?hard=true", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("hard delete status = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/api/connections/1", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTrackedIssues(t *testing.T) {
	env := newTestEnv(t)
	env.store.tracked = []*schema.TrackedArtifact{
		{ID: 1, ConnectionID: 1, SourceRecordID: "r1", SinkArtifactID: "m1"},
		{ID: 2, ConnectionID: 2, SourceRecordID: "r2", SinkArtifactID: "m2"},
	}

	got := decode[[]schema.TrackedArtifact](t, env.do(t, http.MethodGet, "/api/tracked-issues?connection=2", ""))
	if len(got) != 1 || got[0].SinkArtifactID != "m2" {
		t.Errorf("unexpected tracked list: %+v", got)
	}
	all := decode[[]schema.TrackedArtifact](t, env.do(t, http.MethodGet, "/api/tracked-issues", ""))
	if len(all) != 2 {
		t.Errorf("expected 2 tracked issues, got %d", len(all))
	}
	if resp := env.do(t, http.MethodGet, "/api/tracked-issues?connection=abc", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSyncTriggersScheduler(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodPost, "/api/sync", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if env.scheduler.triggers != 1 {
		t.Errorf("expected one trigger, got %d", env.scheduler.triggers)
	}
}

func TestBulkRetire_ConfirmFlow(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.AddConnectionContext(context.Background(), &schema.Connection{SourceDatabaseID: "a", SinkChannelID: "1"})

	pending := decode[bulkRetireResponse](t, env.do(t, http.MethodPost, "/api/bulk-retire", `{"connection_ids": [1]}`))
	if pending.Token == "" || pending.Channels != 1 {
		t.Fatalf("unexpected pending response: %+v", pending)
	}

	resp := env.do(t, http.MethodPost, "/api/bulk-retire/"+pending.Token+"/confirm", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("confirm status = %d, want 202", resp.StatusCode)
	}
	select {
	case conns := <-env.engine.calls:
		if len(conns) != 1 || conns[0].ID != 1 {
			t.Errorf("unexpected connections: %+v", conns)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bulk retirement did not run")
	}

	resp = env.do(t, http.MethodPost, "/api/bulk-retire/"+pending.Token+"/confirm", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("reused token: status = %d, want 409", resp.StatusCode)
	}
}

func TestBulkRetire_Cancel(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.AddConnectionContext(context.Background(), &schema.Connection{SourceDatabaseID: "a", SinkChannelID: "1"})

	pending := decode[bulkRetireResponse](t, env.do(t, http.MethodPost, "/api/bulk-retire", ""))
	got := decode[map[string]string](t, env.do(t, http.MethodPost, "/api/bulk-retire/"+pending.Token+"/cancel", ""))
	if got["status"] != string(confirm.Cancelled) {
		t.Errorf("unexpected cancel response: %v", got)
	}
	select {
	case <-env.engine.calls:
		t.Fatal("cancelled request must not run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBulkRetire_NoConnections(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodPost, "/api/bulk-retire", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTestNotion(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/test-notion", `{"database_id": "db-9"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[map[string]any](t, resp)
	if got["success"] != true {
		t.Errorf("unexpected body: %v", got)
	}

	if resp := env.do(t, http.MethodPost, "/api/test-notion", `{"database_id": "missing"}`); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.AddConnectionContext(context.Background(), &schema.Connection{SourceDatabaseID: "a", SinkChannelID: "1"})
	env.store.tracked = []*schema.TrackedArtifact{{ID: 1}}

	got := decode[statusResponse](t, env.do(t, http.MethodGet, "/api/status", ""))
	want := statusResponse{Connections: 1, Tracked: 1, Interval: "2m0s"}
	if diff := cmp.Diff(want, got, cmpIgnoreVolatile); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if got.LastSync == nil {
		t.Error("expected last sync time")
	}
}

var cmpIgnoreVolatile = cmp.FilterPath(func(p cmp.Path) bool {
	switch p.Last().String() {
	case ".Uptime", ".LastSync", ".Clients":
		return true
	}
	return false
}, cmp.Ignore())

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	resp := env.do(t, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("issuebridge_http_requests_total")) {
		t.Error("metrics should expose the request counter")
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quietLogger(), Deps: Deps{Store: &fakeStore{}}})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello events.Event
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != MessageTypeHello {
		t.Fatalf("unexpected welcome message %s: %v", data, err)
	}

	hub := events.NewHub(quietLogger())
	hub.Subscribe(server)
	hub.Notify(ctx, events.New(events.TypeArtifactCreated, 7, events.ArtifactData{RecordID: "r1", ArtifactID: "m1"}))

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if got.Type != events.TypeArtifactCreated || got.ConnectionID != 7 {
		t.Errorf("unexpected event: %+v", got)
	}
}
