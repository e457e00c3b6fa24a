package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/schema"
)

// memStore is an in-memory Store.
type memStore struct {
	mu      stdsync.Mutex
	conns   map[int64]*schema.Connection
	rows    map[int64]*schema.TrackedArtifact
	nextID  int64
	touched map[int64]time.Time

	failInsert error
	failTouch  error

	// onGetArtifact runs before every lookup by artifact id.
	onGetArtifact func()
}

func newMemStore(conns ...*schema.Connection) *memStore {
	s := &memStore{
		conns:   make(map[int64]*schema.Connection),
		rows:    make(map[int64]*schema.TrackedArtifact),
		touched: make(map[int64]time.Time),
	}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *memStore) ListConnectionsContext(ctx context.Context, activeOnly bool) ([]*schema.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.Connection
	for _, c := range s.conns {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetConnectionContext(ctx context.Context, id int64) (*schema.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (s *memStore) TouchConnectionContext(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTouch != nil {
		return s.failTouch
	}
	s.touched[id] = at
	return nil
}

func (s *memStore) ListTrackedContext(ctx context.Context, connectionID int64) ([]*schema.TrackedArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.TrackedArtifact
	for _, r := range s.rows {
		if r.ConnectionID == connectionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) find(match func(*schema.TrackedArtifact) bool) (*schema.TrackedArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if match(r) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) GetTrackedByArtifactIDContext(ctx context.Context, artifactID string) (*schema.TrackedArtifact, error) {
	if s.onGetArtifact != nil {
		s.onGetArtifact()
	}
	return s.find(func(r *schema.TrackedArtifact) bool { return r.SinkArtifactID == artifactID })
}

func (s *memStore) FindTrackedByExternalKeyContext(ctx context.Context, connectionID int64, key string) (*schema.TrackedArtifact, error) {
	return s.find(func(r *schema.TrackedArtifact) bool {
		return r.ConnectionID == connectionID && r.ExternalKey == key
	})
}

func (s *memStore) FindTrackedByRecordIDContext(ctx context.Context, connectionID int64, recordID string) (*schema.TrackedArtifact, error) {
	return s.find(func(r *schema.TrackedArtifact) bool {
		return r.ConnectionID == connectionID && r.SourceRecordID == recordID
	})
}

func (s *memStore) InsertTrackedContext(ctx context.Context, t *schema.TrackedArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return s.failInsert
	}
	s.nextID++
	t.ID = s.nextID
	cp := *t
	s.rows[t.ID] = &cp
	return nil
}

func (s *memStore) UpdateTrackedContext(ctx context.Context, t *schema.TrackedArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[t.ID]; !ok {
		return db.ErrNotFound
	}
	cp := *t
	s.rows[t.ID] = &cp
	return nil
}

func (s *memStore) DeleteTrackedContext(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memStore) DeleteTrackedByArtifactIDsContext(ctx context.Context, connectionID int64, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for id, r := range s.rows {
		if r.ConnectionID == connectionID && want[r.SinkArtifactID] {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) seed(rows ...*schema.TrackedArtifact) {
	for _, r := range rows {
		_ = s.InsertTrackedContext(context.Background(), r)
	}
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore) hasArtifact(id string) bool {
	_, err := s.GetTrackedByArtifactIDContext(context.Background(), id)
	return err == nil
}

// fakeSource serves a fixed snapshot.
type fakeSource struct {
	records     []schema.SourceRecord
	listErr     error
	writeStatus func(recordID string, status schema.Status) (schema.SourceRecord, error)
	writes      []string
}

func (f *fakeSource) ListOpenRecords(ctx context.Context, databaseID string) ([]schema.SourceRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]schema.SourceRecord, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeSource) WriteStatus(ctx context.Context, recordID string, status schema.Status) (schema.SourceRecord, error) {
	f.writes = append(f.writes, recordID+"="+string(status))
	if f.writeStatus != nil {
		return f.writeStatus(recordID, status)
	}
	return schema.SourceRecord{}, nil
}

// fakeSink records every call. Hooks, when set, decide the outcome.
type fakeSink struct {
	mu     stdsync.Mutex
	nextID int

	creates     []schema.ArtifactContent
	edits       []string
	editContent []schema.ArtifactContent
	deletes     []string
	bulkCalls   [][]string

	onCreate func(content schema.ArtifactContent) error
	onEdit   func(artifactID string, content schema.ArtifactContent) error
	onDelete func(artifactID string) error
	onBulk   func(ids []string) error
	permErr  error

	// listing serves ListArtifacts; removed items disappear from it.
	listing []ArtifactRef
	pageLen int
}

func (f *fakeSink) CreateArtifact(ctx context.Context, channelID string, content schema.ArtifactContent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, content)
	if f.onCreate != nil {
		if err := f.onCreate(content); err != nil {
			return "", err
		}
	}
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeSink) EditArtifact(ctx context.Context, channelID, artifactID string, content schema.ArtifactContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, artifactID)
	f.editContent = append(f.editContent, content)
	if f.onEdit != nil {
		return f.onEdit(artifactID, content)
	}
	return nil
}

func (f *fakeSink) DeleteArtifact(ctx context.Context, channelID, artifactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, artifactID)
	if f.onDelete != nil {
		return f.onDelete(artifactID)
	}
	return nil
}

func (f *fakeSink) ListArtifacts(ctx context.Context, channelID, cursor string) (ArtifactPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size := f.pageLen
	if size == 0 {
		size = 100
	}
	start := 0
	if cursor != "" {
		for i, item := range f.listing {
			if item.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	end := min(start+size, len(f.listing))
	items := append([]ArtifactRef(nil), f.listing[start:end]...)
	return ArtifactPage{Items: items, HasMore: len(items) == size}, nil
}

func (f *fakeSink) BulkDeleteArtifacts(ctx context.Context, channelID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls = append(f.bulkCalls, ids)
	if f.onBulk != nil {
		return f.onBulk(ids)
	}
	return nil
}

func (f *fakeSink) CheckBulkPermissions(ctx context.Context, channelID string) error {
	return f.permErr
}

func (f *fakeSink) ops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates) + len(f.edits) + len(f.deletes) + len(f.bulkCalls)
}

func (f *fakeSink) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates, f.edits, f.editContent, f.deletes, f.bulkCalls = nil, nil, nil, nil, nil
}
