package schema

import (
	"fmt"
	"time"
)

// Status is a free-form status name taken verbatim from the source.
type Status string

// Well-known statuses. Sources may use any other value.
const (
	StatusOpen  Status = "Open"
	StatusFixed Status = "Fixed"
)

// String returns the status name.
func (s Status) String() string { return string(s) }

// SourceRecord is one issue as currently seen in the source database.
type SourceRecord struct {
	ID          string `json:"id"`
	ExternalKey string `json:"external_key,omitempty"`
	Title       string `json:"title"`
	Status      Status `json:"status"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// MatchKey returns the identifier used to correlate the record with a
// tracked artifact.
func (r *SourceRecord) MatchKey() string {
	if r.ExternalKey != "" {
		return r.ExternalKey
	}
	return r.ID
}

// DisplayKey is the short identifier shown to users: the external key, or
// the tail of the record id.
func (r *SourceRecord) DisplayKey() string {
	if r.ExternalKey != "" {
		return r.ExternalKey
	}
	return shortID(r.ID)
}

// TrackedArtifact links a source record to the sink artifact that mirrors it.
type TrackedArtifact struct {
	ID             int64     `json:"id"`
	SourceRecordID string    `json:"source_record_id"`
	SinkArtifactID string    `json:"sink_artifact_id"`
	ConnectionID   int64     `json:"connection_id"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	ExternalKey    string    `json:"external_key,omitempty"`
	Removed        bool      `json:"removed,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MatchKey returns the identifier used to correlate the artifact with a
// source record.
func (t *TrackedArtifact) MatchKey() string {
	if t.ExternalKey != "" {
		return t.ExternalKey
	}
	return t.SourceRecordID
}

// Differs reports whether the tracked copy is stale relative to r. An
// artifact showing the removed placeholder is always stale.
func (t *TrackedArtifact) Differs(r *SourceRecord) bool {
	return t.Removed || t.Status != r.Status || t.Title != r.Title || t.ExternalKey != r.ExternalKey
}

// Apply copies the mirrored fields of r into the tracked row and clears the
// removed marker.
func (t *TrackedArtifact) Apply(r *SourceRecord) {
	t.Status = r.Status
	t.Title = r.Title
	t.ExternalKey = r.ExternalKey
	t.Removed = false
}

// Validate checks if the TrackedArtifact has valid field values.
func (t *TrackedArtifact) Validate() error {
	if t.SourceRecordID == "" {
		return fmt.Errorf("source_record_id is required")
	}
	if t.SinkArtifactID == "" {
		return fmt.Errorf("sink_artifact_id is required")
	}
	if t.ConnectionID <= 0 {
		return fmt.Errorf("connection_id is required")
	}
	return nil
}

// ContentKind selects how a sink renders an artifact.
type ContentKind int

const (
	ContentNew ContentKind = iota
	ContentUpdated
	ContentRemoved
)

// ArtifactContent is everything a sink needs to render one artifact.
type ArtifactContent struct {
	Kind        ContentKind
	RecordID    string
	ExternalKey string
	Title       string
	Status      Status
	Description string
	URL         string
}

// ContentFor builds the content for a live source record.
func ContentFor(r *SourceRecord, kind ContentKind) ArtifactContent {
	return ArtifactContent{
		Kind:        kind,
		RecordID:    r.ID,
		ExternalKey: r.ExternalKey,
		Title:       r.Title,
		Status:      r.Status,
		Description: r.Description,
		URL:         r.URL,
	}
}

// RemovedContent builds the placeholder shown when an artifact can't be
// deleted outright.
func RemovedContent(t *TrackedArtifact) ArtifactContent {
	return ArtifactContent{
		Kind:        ContentRemoved,
		RecordID:    t.SourceRecordID,
		ExternalKey: t.ExternalKey,
		Title:       t.Title,
		Status:      t.Status,
	}
}

// TrackedContent rebuilds content from the tracked row alone, for edits made
// without a fresh source record in hand.
func TrackedContent(t *TrackedArtifact) ArtifactContent {
	return ArtifactContent{
		Kind:        ContentUpdated,
		RecordID:    t.SourceRecordID,
		ExternalKey: t.ExternalKey,
		Title:       t.Title,
		Status:      t.Status,
	}
}

// DisplayKey is the short identifier shown on the rendered artifact.
func (c *ArtifactContent) DisplayKey() string {
	if c.ExternalKey != "" {
		return c.ExternalKey
	}
	return shortID(c.RecordID)
}
