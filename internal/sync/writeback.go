package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/events"
	"github.com/issuebridge/issuebridge/internal/schema"
)

// ApplyStatusChange handles a user setting a new status on an artifact.
//
// The source is written first. Only when that succeeds is the tracked row
// committed, and it is committed whether or not the follow-up sink edit
// works: a failed edit leaves a purely cosmetic mismatch that the next
// reconciliation pass repairs. Returns ErrNotFound, without touching the
// source, when the artifact isn't tracked.
func (e *Engine) ApplyStatusChange(ctx context.Context, artifactID string, status schema.Status) error {
	t, err := e.lookupTracked(ctx, artifactID)
	if err != nil {
		return err
	}

	if err := e.locks.lock(ctx, t.ConnectionID); err != nil {
		return err
	}
	defer e.locks.unlock(t.ConnectionID)

	// A pass may have retired or replaced the row while we waited.
	t, err = e.lookupTracked(ctx, artifactID)
	if err != nil {
		return err
	}

	conn, err := e.store.GetConnectionContext(ctx, t.ConnectionID)
	if err != nil {
		return storeError("load connection", err)
	}

	log := e.logger.WithFields(logrus.Fields{
		"connection": conn.ID,
		"record":     t.SourceRecordID,
		"artifact":   artifactID,
		"status":     status,
	})

	record, err := e.source.WriteStatus(ctx, t.SourceRecordID, status)
	observeOp("write_status", err)
	if err != nil {
		log.WithError(err).Warn("failed to write status to source")
		return fmt.Errorf("failed to write status for record %s: %w", t.SourceRecordID, err)
	}
	if record.ID == "" {
		record = schema.SourceRecord{
			ID:          t.SourceRecordID,
			ExternalKey: t.ExternalKey,
			Title:       t.Title,
		}
	}
	record.Status = status

	t.Apply(&record)
	if err := e.store.UpdateTrackedContext(ctx, t); err != nil {
		return storeError("commit status change", err)
	}

	err = e.sink.EditArtifact(ctx, conn.SinkChannelID, artifactID, schema.ContentFor(&record, schema.ContentUpdated))
	observeOp("edit", err)
	if err != nil {
		log.WithError(err).Warn("status saved but artifact not re-rendered")
	} else {
		log.Info("status changed")
	}

	e.notify(ctx, events.New(events.TypeStatusChanged, conn.ID, artifactData(t)))
	return nil
}

func (e *Engine) lookupTracked(ctx context.Context, artifactID string) (*schema.TrackedArtifact, error) {
	t, err := e.store.GetTrackedByArtifactIDContext(ctx, artifactID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
		}
		return nil, storeError("look up tracked artifact", err)
	}
	return t, nil
}
