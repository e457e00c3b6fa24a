package dashboard

import (
	"context"

	"github.com/issuebridge/issuebridge/internal/confirm"
	"github.com/issuebridge/issuebridge/internal/daemon"
	"github.com/issuebridge/issuebridge/internal/notion"
	"github.com/issuebridge/issuebridge/internal/schema"
	"github.com/issuebridge/issuebridge/internal/sync"
)

// Store is the record store as the API uses it. *db.DB implements it.
type Store interface {
	ListConnectionsContext(ctx context.Context, activeOnly bool) ([]*schema.Connection, error)
	GetConnectionContext(ctx context.Context, id int64) (*schema.Connection, error)
	AddConnectionContext(ctx context.Context, c *schema.Connection) error
	DeleteConnectionContext(ctx context.Context, id int64, hard bool) error
	ListTrackedContext(ctx context.Context, connectionID int64) ([]*schema.TrackedArtifact, error)
	ListAllTrackedContext(ctx context.Context) ([]*schema.TrackedArtifact, error)
	CountTrackedContext(ctx context.Context) (int, error)
}

// Engine runs bulk retirement. *sync.Engine implements it.
type Engine interface {
	ClearAndResync(ctx context.Context, conns []*schema.Connection) (*sync.BulkReport, []*sync.Report, error)
}

// Scheduler is the poll loop. *daemon.Daemon implements it.
type Scheduler interface {
	Trigger()
	Status() daemon.Status
}

// SourceInspector validates source databases. *notion.Client implements it.
type SourceInspector interface {
	DescribeDatabase(ctx context.Context, databaseID string) (*notion.DatabaseInfo, error)
}

// Deps are the services behind the API. Source is optional; without it
// connections are saved unchecked and /api/test-notion answers 503.
type Deps struct {
	Store         Store
	Engine        Engine
	Scheduler     Scheduler
	Source        SourceInspector
	Confirmations *confirm.Registry
}
