package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/issuebridge/issuebridge/internal/events"
	"github.com/issuebridge/issuebridge/internal/schema"
)

var tracer = otel.Tracer("issuebridge/sync")

// Config holds engine dependencies and tuning.
type Config struct {
	Store  Store
	Source Source
	Sink   Sink

	// Notifier receives engine events (optional).
	Notifier Notifier

	// Logger for engine activity (default: standard logrus logger)
	Logger logrus.FieldLogger

	// BulkAgeCeiling is the age beyond which the sink refuses bulk deletes
	// (default: 14 days).
	BulkAgeCeiling time.Duration

	// RecentDeleteDelay throttles one-by-one deletes of young artifacts
	// after a failed bulk call (default: 100ms).
	RecentDeleteDelay time.Duration

	// OldDeleteDelay throttles one-by-one deletes of artifacts past the
	// ceiling (default: 200ms).
	OldDeleteDelay time.Duration

	// Now and Sleep are overridable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns sensible tuning defaults. Store, Source and Sink
// must still be set.
func DefaultConfig() Config {
	return Config{
		BulkAgeCeiling:    14 * 24 * time.Hour,
		RecentDeleteDelay: 100 * time.Millisecond,
		OldDeleteDelay:    200 * time.Millisecond,
	}
}

// Engine reconciles connections, empties channels and writes statuses back.
// It is safe for concurrent use.
type Engine struct {
	store    Store
	source   Source
	sink     Sink
	notifier Notifier
	logger   logrus.FieldLogger

	ageCeiling  time.Duration
	recentDelay time.Duration
	oldDelay    time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	locks *connLocks
}

// New creates an Engine. Zero tuning values take their defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	def := DefaultConfig()
	if cfg.BulkAgeCeiling <= 0 {
		cfg.BulkAgeCeiling = def.BulkAgeCeiling
	}
	if cfg.RecentDeleteDelay <= 0 {
		cfg.RecentDeleteDelay = def.RecentDeleteDelay
	}
	if cfg.OldDeleteDelay <= 0 {
		cfg.OldDeleteDelay = def.OldDeleteDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger().WithField("component", "sync")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	return &Engine{
		store:       cfg.Store,
		source:      cfg.Source,
		sink:        cfg.Sink,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		ageCeiling:  cfg.BulkAgeCeiling,
		recentDelay: cfg.RecentDeleteDelay,
		oldDelay:    cfg.OldDeleteDelay,
		now:         cfg.Now,
		sleep:       cfg.Sleep,
		locks:       newConnLocks(),
	}, nil
}

// Reconcile runs one reconciliation pass for conn against the given
// snapshots. It returns ErrSyncInProgress if conn is already being synced.
func (e *Engine) Reconcile(ctx context.Context, conn *schema.Connection, records []schema.SourceRecord, tracked []*schema.TrackedArtifact) (*Report, error) {
	if !e.locks.tryLock(conn.ID) {
		return nil, fmt.Errorf("connection %d: %w", conn.ID, ErrSyncInProgress)
	}
	defer e.locks.unlock(conn.ID)

	return e.reconcile(ctx, conn, records, tracked)
}

// SyncConnection fetches the source snapshot and tracked rows for conn and
// reconciles them. A source failure skips the pass without touching the
// connection's last-checked time.
func (e *Engine) SyncConnection(ctx context.Context, conn *schema.Connection) (*Report, error) {
	if !e.locks.tryLock(conn.ID) {
		return nil, fmt.Errorf("connection %d: %w", conn.ID, ErrSyncInProgress)
	}
	defer e.locks.unlock(conn.ID)

	ctx, span := tracer.Start(ctx, "sync.connection", trace.WithAttributes(
		attribute.Int64("connection.id", conn.ID),
		attribute.String("source.database", conn.SourceDatabaseID),
	))
	defer span.End()

	records, err := e.source.ListOpenRecords(ctx, conn.SourceDatabaseID)
	if err != nil {
		span.SetStatus(codes.Error, "source unavailable")
		passesTotal.WithLabelValues("source_error").Inc()
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return nil, fmt.Errorf("connection %d: %w", conn.ID, err)
	}

	tracked, err := e.store.ListTrackedContext(ctx, conn.ID)
	if err != nil {
		span.SetStatus(codes.Error, "store error")
		passesTotal.WithLabelValues("store_error").Inc()
		return nil, storeError("list tracked artifacts", err)
	}

	return e.reconcile(ctx, conn, records, tracked)
}

// SyncAll runs SyncConnection for every active connection. Per-connection
// errors are logged and never stop the loop; the returned error is only set
// when the connection list itself can't be read.
func (e *Engine) SyncAll(ctx context.Context) ([]*Report, error) {
	conns, err := e.store.ListConnectionsContext(ctx, true)
	if err != nil {
		return nil, storeError("list connections", err)
	}

	var reports []*Report
	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		report, err := e.SyncConnection(ctx, conn)
		log := e.logger.WithField("connection", conn.ID)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			log.Info("sync already running for connection, skipping")
		case err != nil:
			log.WithError(err).Warn("sync pass failed")
		default:
			reports = append(reports, report)
		}
	}
	return reports, nil
}

// Busy reports whether a pass or bulk retirement is running for the
// connection.
func (e *Engine) Busy(connectionID int64) bool {
	return e.locks.busy(connectionID)
}

func (e *Engine) notify(ctx context.Context, ev events.Event) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, ev)
	}
}

// connLocks hands out one single-slot semaphore per connection.
type connLocks struct {
	mu   stdsync.Mutex
	sems map[int64]chan struct{}
}

func newConnLocks() *connLocks {
	return &connLocks{sems: make(map[int64]chan struct{})}
}

func (l *connLocks) sem(id int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[id]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[id] = s
	}
	return s
}

func (l *connLocks) tryLock(id int64) bool {
	select {
	case l.sem(id) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *connLocks) lock(ctx context.Context, id int64) error {
	select {
	case l.sem(id) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *connLocks) unlock(id int64) {
	<-l.sem(id)
}

func (l *connLocks) busy(id int64) bool {
	return len(l.sem(id)) > 0
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
