package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/events"
	"github.com/issuebridge/issuebridge/internal/schema"
)

// reconcile performs the pass. The caller holds the connection lock.
func (e *Engine) reconcile(ctx context.Context, conn *schema.Connection, records []schema.SourceRecord, tracked []*schema.TrackedArtifact) (*Report, error) {
	ctx, span := tracer.Start(ctx, "sync.reconcile", trace.WithAttributes(
		attribute.Int64("connection.id", conn.ID),
		attribute.Int("records", len(records)),
		attribute.Int("tracked", len(tracked)),
	))
	defer span.End()

	start := e.now()
	report := &Report{ConnectionID: conn.ID, Connection: conn.Label(), StartedAt: start}
	log := e.logger.WithFields(logrus.Fields{
		"connection": conn.ID,
		"channel":    conn.SinkChannelID,
	})

	// Source index. Colliding keys: last record wins, first position kept.
	sourceByKey := make(map[string]*schema.SourceRecord, len(records))
	sourceKeys := make([]string, 0, len(records))
	for i := range records {
		r := &records[i]
		key := r.MatchKey()
		if prev, ok := sourceByKey[key]; ok {
			log.WithFields(logrus.Fields{
				"key":     key,
				"kept":    r.ID,
				"dropped": prev.ID,
			}).Warn("duplicate matching key in source snapshot, last record wins")
		} else {
			sourceKeys = append(sourceKeys, key)
		}
		sourceByKey[key] = r
	}

	// Tracked index. Older rows sharing a key are surplus and get retired.
	trackedByKey := make(map[string]*schema.TrackedArtifact, len(tracked))
	trackedKeys := make([]string, 0, len(tracked))
	var surplus []*schema.TrackedArtifact
	for _, t := range tracked {
		key := t.MatchKey()
		if prev, ok := trackedByKey[key]; ok {
			surplus = append(surplus, prev)
		} else {
			trackedKeys = append(trackedKeys, key)
		}
		trackedByKey[key] = t
	}

	// RETIRE
	for _, t := range surplus {
		if ctx.Err() != nil {
			break
		}
		e.retire(ctx, conn, t, report, log)
	}
	for _, key := range trackedKeys {
		if ctx.Err() != nil {
			break
		}
		if _, ok := sourceByKey[key]; !ok {
			e.retire(ctx, conn, trackedByKey[key], report, log)
		}
	}

	// UPDATE
	recreate := make(map[string]bool)
	for _, key := range trackedKeys {
		if ctx.Err() != nil {
			break
		}
		r, ok := sourceByKey[key]
		if !ok {
			continue
		}
		t := trackedByKey[key]
		if !t.Differs(r) {
			continue
		}
		if !e.update(ctx, conn, t, r, report, log) {
			recreate[key] = true
		}
	}

	// CREATE
	for _, key := range sourceKeys {
		if ctx.Err() != nil {
			break
		}
		if _, ok := trackedByKey[key]; ok && !recreate[key] {
			continue
		}
		e.create(ctx, conn, sourceByKey[key], recreate[key], report, log)
	}

	if err := ctx.Err(); err != nil {
		report.fail(fmt.Errorf("pass interrupted: %w", err))
	}

	// Always advance last-checked; failures are retried next pass.
	checkedAt := e.now()
	var touchErr error
	if err := e.store.TouchConnectionContext(ctx, conn.ID, checkedAt); err != nil {
		touchErr = storeError("update last checked time", err)
		report.fail(touchErr)
	} else {
		conn.LastCheckedAt = &checkedAt
	}

	report.Duration = e.now().Sub(start)
	passDuration.Observe(report.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("created", report.Created),
		attribute.Int("updated", report.Updated),
		attribute.Int("retired", report.Retired),
		attribute.Int("failed", report.Failed),
	)

	result := "ok"
	if report.Failed > 0 {
		result = "partial"
	}
	passesTotal.WithLabelValues(result).Inc()

	summary := log.WithFields(logrus.Fields{
		"created":  report.Created,
		"updated":  report.Updated,
		"retired":  report.Retired,
		"marked":   report.MarkedRemoved,
		"skipped":  report.SkippedDuplicates,
		"failed":   report.Failed,
		"duration": report.Duration,
	})
	if report.Changes() > 0 || report.Failed > 0 {
		summary.Info("sync pass complete")
	} else {
		summary.Debug("sync pass complete, nothing to do")
	}
	e.notify(ctx, events.New(events.TypeSyncCompleted, conn.ID, report))

	return report, touchErr
}

// retire removes an artifact whose record left the source. An artifact
// already showing the removed placeholder is left alone.
func (e *Engine) retire(ctx context.Context, conn *schema.Connection, t *schema.TrackedArtifact, report *Report, log logrus.FieldLogger) {
	if t.Removed {
		return
	}
	log = log.WithFields(logrus.Fields{"record": t.SourceRecordID, "artifact": t.SinkArtifactID})

	err := e.sink.DeleteArtifact(ctx, conn.SinkChannelID, t.SinkArtifactID)
	observeOp("delete", err)

	switch {
	case err == nil || errors.Is(err, ErrSinkNotFound):
		if err != nil {
			log.Info("artifact already gone from sink")
		}
		if derr := e.store.DeleteTrackedContext(ctx, t.ID); derr != nil {
			report.fail(storeError("delete tracked artifact", derr))
			log.WithError(derr).Warn("artifact deleted but tracked row remains")
			return
		}
		report.Retired++
		e.notify(ctx, events.New(events.TypeArtifactRetired, conn.ID, artifactData(t)))

	case errors.Is(err, ErrSinkPermissionDenied):
		log.WithError(err).Warn("no permission to delete artifact, marking it removed")
		eerr := e.sink.EditArtifact(ctx, conn.SinkChannelID, t.SinkArtifactID, schema.RemovedContent(t))
		observeOp("mark_removed", eerr)
		if eerr != nil {
			report.fail(fmt.Errorf("failed to mark artifact %s removed: %w", t.SinkArtifactID, eerr))
			log.WithError(eerr).Warn("failed to mark artifact removed")
			return
		}
		t.Removed = true
		if uerr := e.store.UpdateTrackedContext(ctx, t); uerr != nil {
			t.Removed = false
			report.fail(storeError("record removed marker", uerr))
			log.WithError(uerr).Warn("artifact marked removed but tracked row not updated")
			return
		}
		report.MarkedRemoved++

	default:
		report.fail(fmt.Errorf("failed to delete artifact %s: %w", t.SinkArtifactID, err))
		log.WithError(err).Warn("failed to delete artifact")
	}
}

// update edits a stale artifact in place. It returns false when the record
// must be re-created because the edit failed and the old row was dropped.
func (e *Engine) update(ctx context.Context, conn *schema.Connection, t *schema.TrackedArtifact, r *schema.SourceRecord, report *Report, log logrus.FieldLogger) bool {
	log = log.WithFields(logrus.Fields{"record": r.ID, "artifact": t.SinkArtifactID})

	err := e.sink.EditArtifact(ctx, conn.SinkChannelID, t.SinkArtifactID, schema.ContentFor(r, schema.ContentUpdated))
	observeOp("edit", err)
	if err != nil {
		log.WithError(err).Warn("failed to edit artifact, replacing it")

		// The old artifact may linger; replacing matters more than cleanup.
		if derr := e.sink.DeleteArtifact(ctx, conn.SinkChannelID, t.SinkArtifactID); derr != nil && !errors.Is(derr, ErrSinkNotFound) {
			log.WithError(derr).Debug("could not delete stale artifact")
		}
		if derr := e.store.DeleteTrackedContext(ctx, t.ID); derr != nil {
			report.fail(storeError("drop stale tracked artifact", derr))
			return true
		}
		return false
	}

	t.Apply(r)
	if err := e.store.UpdateTrackedContext(ctx, t); err != nil {
		report.fail(storeError("update tracked artifact", err))
		log.WithError(err).Warn("artifact edited but tracked row not updated")
		return true
	}

	report.Updated++
	e.notify(ctx, events.New(events.TypeArtifactUpdated, conn.ID, artifactData(t)))
	return true
}

// create mirrors a new record, unless the store already tracks it.
func (e *Engine) create(ctx context.Context, conn *schema.Connection, r *schema.SourceRecord, replacing bool, report *Report, log logrus.FieldLogger) {
	log = log.WithField("record", r.ID)

	existing, err := e.findExisting(ctx, conn.ID, r)
	switch {
	case err == nil:
		log.WithField("artifact", existing.SinkArtifactID).Debug("record already tracked, skipping create")
		report.SkippedDuplicates++
		return
	case !errors.Is(err, db.ErrNotFound):
		report.fail(storeError("check for duplicate artifact", err))
		return
	}

	artifactID, err := e.sink.CreateArtifact(ctx, conn.SinkChannelID, schema.ContentFor(r, schema.ContentNew))
	observeOp("create", err)
	if err != nil {
		report.fail(fmt.Errorf("failed to create artifact for record %s: %w", r.ID, err))
		log.WithError(err).Warn("failed to create artifact")
		return
	}

	row := &schema.TrackedArtifact{
		SourceRecordID: r.ID,
		SinkArtifactID: artifactID,
		ConnectionID:   conn.ID,
		Title:          r.Title,
		Status:         r.Status,
		ExternalKey:    r.ExternalKey,
	}
	if err := e.store.InsertTrackedContext(ctx, row); err != nil {
		report.fail(storeError("track new artifact", err))
		log.WithError(err).WithField("artifact", artifactID).Warn("created artifact could not be tracked, removing it")
		if derr := e.sink.DeleteArtifact(ctx, conn.SinkChannelID, artifactID); derr != nil {
			log.WithError(derr).WithField("artifact", artifactID).Error("untracked artifact left in sink")
		}
		return
	}

	report.Created++
	if replacing {
		report.Recreated++
	}
	e.notify(ctx, events.New(events.TypeArtifactCreated, conn.ID, artifactData(row)))
}

// findExisting is the create-time duplicate guard.
func (e *Engine) findExisting(ctx context.Context, connectionID int64, r *schema.SourceRecord) (*schema.TrackedArtifact, error) {
	if r.ExternalKey != "" {
		return e.store.FindTrackedByExternalKeyContext(ctx, connectionID, r.ExternalKey)
	}
	return e.store.FindTrackedByRecordIDContext(ctx, connectionID, r.ID)
}

func artifactData(t *schema.TrackedArtifact) events.ArtifactData {
	return events.ArtifactData{
		RecordID:    t.SourceRecordID,
		ArtifactID:  t.SinkArtifactID,
		ExternalKey: t.ExternalKey,
		Title:       t.Title,
		Status:      string(t.Status),
	}
}
