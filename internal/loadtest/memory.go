package loadtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/issuebridge/issuebridge/internal/schema"
	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
)

// MemSource is an in-memory issue source. Records with status Fixed are
// left out of ListOpenRecords.
type MemSource struct {
	mu      sync.Mutex
	records map[string][]schema.SourceRecord
}

// NewMemSource creates an empty source.
func NewMemSource() *MemSource {
	return &MemSource{records: make(map[string][]schema.SourceRecord)}
}

// Put replaces the records of a source database.
func (s *MemSource) Put(databaseID string, records []schema.SourceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[databaseID] = append([]schema.SourceRecord(nil), records...)
}

// SetStatus changes the status of one record. It reports whether the record
// was found.
func (s *MemSource) SetStatus(databaseID, recordID string, status schema.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records[databaseID] {
		if s.records[databaseID][i].ID == recordID {
			s.records[databaseID][i].Status = status
			return true
		}
	}
	return false
}

// OpenCount returns the number of records ListOpenRecords would return.
func (s *MemSource) OpenCount(databaseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records[databaseID] {
		if r.Status != schema.StatusFixed {
			n++
		}
	}
	return n
}

func (s *MemSource) ListOpenRecords(ctx context.Context, databaseID string) ([]schema.SourceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", bridgesync.ErrSourceUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.SourceRecord
	for _, r := range s.records[databaseID] {
		if r.Status != schema.StatusFixed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemSource) WriteStatus(ctx context.Context, recordID string, status schema.Status) (schema.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for db, recs := range s.records {
		for i := range recs {
			if recs[i].ID == recordID {
				s.records[db][i].Status = status
				return s.records[db][i], nil
			}
		}
	}
	return schema.SourceRecord{}, fmt.Errorf("record %s: %w", recordID, bridgesync.ErrSourceUnavailable)
}

// MemSink is an in-memory channel store. Artifact ids are random UUIDs.
type MemSink struct {
	mu       sync.Mutex
	channels map[string]map[string]time.Time
	edits    int
}

// NewMemSink creates an empty sink.
func NewMemSink() *MemSink {
	return &MemSink{channels: make(map[string]map[string]time.Time)}
}

// Artifacts returns the ids present in a channel.
func (s *MemSink) Artifacts(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.channels[channelID]))
	for id := range s.channels[channelID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edits returns the number of in-place edits performed.
func (s *MemSink) Edits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edits
}

func (s *MemSink) CreateArtifact(ctx context.Context, channelID string, content schema.ArtifactContent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		ch = make(map[string]time.Time)
		s.channels[channelID] = ch
	}
	id := uuid.NewString()
	ch[id] = time.Now()
	return id, nil
}

func (s *MemSink) EditArtifact(ctx context.Context, channelID, artifactID string, content schema.ArtifactContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID][artifactID]; !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, bridgesync.ErrSinkNotFound)
	}
	s.edits++
	return nil
}

func (s *MemSink) DeleteArtifact(ctx context.Context, channelID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID][artifactID]; !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, bridgesync.ErrSinkNotFound)
	}
	delete(s.channels[channelID], artifactID)
	return nil
}

// ListArtifacts returns the whole channel, newest first, as a single page.
func (s *MemSink) ListArtifacts(ctx context.Context, channelID, cursor string) (bridgesync.ArtifactPage, error) {
	if cursor != "" {
		return bridgesync.ArtifactPage{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []bridgesync.ArtifactRef
	for id, at := range s.channels[channelID] {
		items = append(items, bridgesync.ArtifactRef{ID: id, CreatedAt: at})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return bridgesync.ArtifactPage{Items: items}, nil
}

func (s *MemSink) BulkDeleteArtifacts(ctx context.Context, channelID string, artifactIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range artifactIDs {
		delete(s.channels[channelID], id)
	}
	return nil
}

func (s *MemSink) CheckBulkPermissions(ctx context.Context, channelID string) error {
	return nil
}
