package sync

import (
	"context"
	"time"

	"github.com/issuebridge/issuebridge/internal/events"
	"github.com/issuebridge/issuebridge/internal/schema"
)

// Source reads and writes issue records in the remote structured database.
type Source interface {
	// ListOpenRecords returns the full current snapshot of open records in
	// a source database. The result may be empty.
	//
	// Returns an error wrapping ErrSourceUnavailable on network or auth
	// failures.
	ListOpenRecords(ctx context.Context, databaseID string) ([]schema.SourceRecord, error)

	// WriteStatus sets the status of a single record and returns the record
	// as the source now sees it.
	WriteStatus(ctx context.Context, recordID string, status schema.Status) (schema.SourceRecord, error)
}

// ArtifactRef identifies an artifact found in a sink channel.
type ArtifactRef struct {
	ID        string
	CreatedAt time.Time
}

// ArtifactPage is one page of a channel listing, newest first.
type ArtifactPage struct {
	Items   []ArtifactRef
	HasMore bool
}

// Sink renders artifacts into channels.
//
// Implementations report a missing permission with an error wrapping
// ErrSinkPermissionDenied and an artifact that no longer exists with an
// error wrapping ErrSinkNotFound. The engine's fallback paths depend on
// both.
type Sink interface {
	// CreateArtifact posts a new artifact and returns its id.
	CreateArtifact(ctx context.Context, channelID string, content schema.ArtifactContent) (string, error)

	// EditArtifact re-renders an existing artifact in place.
	EditArtifact(ctx context.Context, channelID, artifactID string, content schema.ArtifactContent) error

	// DeleteArtifact removes a single artifact.
	DeleteArtifact(ctx context.Context, channelID, artifactID string) error

	// ListArtifacts returns the page of artifacts older than cursor. An
	// empty cursor starts from the newest artifact.
	//
	// Example:
	//   page, err := sink.ListArtifacts(ctx, channelID, "")
	//   next := page.Items[len(page.Items)-1].ID
	ListArtifacts(ctx context.Context, channelID, cursor string) (ArtifactPage, error)

	// BulkDeleteArtifacts removes many young artifacts in one call. The
	// whole batch either succeeds or fails.
	BulkDeleteArtifacts(ctx context.Context, channelID string, artifactIDs []string) error

	// CheckBulkPermissions verifies that the channel allows the manage and
	// read-history operations bulk retirement needs. The error text names
	// the missing permission.
	CheckBulkPermissions(ctx context.Context, channelID string) error
}

// Store is the record store as the engine uses it. *db.DB implements it.
type Store interface {
	ListConnectionsContext(ctx context.Context, activeOnly bool) ([]*schema.Connection, error)
	GetConnectionContext(ctx context.Context, id int64) (*schema.Connection, error)
	TouchConnectionContext(ctx context.Context, id int64, at time.Time) error

	ListTrackedContext(ctx context.Context, connectionID int64) ([]*schema.TrackedArtifact, error)
	GetTrackedByArtifactIDContext(ctx context.Context, artifactID string) (*schema.TrackedArtifact, error)
	FindTrackedByExternalKeyContext(ctx context.Context, connectionID int64, key string) (*schema.TrackedArtifact, error)
	FindTrackedByRecordIDContext(ctx context.Context, connectionID int64, recordID string) (*schema.TrackedArtifact, error)
	InsertTrackedContext(ctx context.Context, t *schema.TrackedArtifact) error
	UpdateTrackedContext(ctx context.Context, t *schema.TrackedArtifact) error
	DeleteTrackedContext(ctx context.Context, id int64) error
	DeleteTrackedByArtifactIDsContext(ctx context.Context, connectionID int64, ids []string) (int64, error)
}

// Notifier receives engine events. *events.Hub implements it.
type Notifier interface {
	Notify(ctx context.Context, ev events.Event)
}
