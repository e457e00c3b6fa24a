package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/issuebridge/issuebridge/internal/events"
	"github.com/issuebridge/issuebridge/internal/schema"
)

// BulkRetire empties the sink channel of each connection and drops the
// tracked rows of every artifact confirmed deleted. Channels are processed
// one after another; a channel that fails its permission check is skipped
// with a Reason. Once a channel's deletion loop starts it runs to the end
// unless ctx is done, in which case the rest of the channel counts as failed.
//
// Callers normally follow up with SyncAll to rebuild; see ClearAndResync.
func (e *Engine) BulkRetire(ctx context.Context, conns []*schema.Connection) (*BulkReport, error) {
	ctx, span := tracer.Start(ctx, "sync.bulk_retire", trace.WithAttributes(
		attribute.Int("channels", len(conns)),
	))
	defer span.End()

	report := &BulkReport{Channels: make([]ChannelResult, 0, len(conns))}
	for _, conn := range conns {
		res := e.retireChannel(ctx, conn)
		report.Channels = append(report.Channels, res)
		report.TotalRemoved += res.Removed
	}

	bulkRemovedTotal.Add(float64(report.TotalRemoved))
	span.SetAttributes(attribute.Int("removed", report.TotalRemoved))
	e.notify(ctx, events.New(events.TypeBulkCompleted, 0, report))
	return report, nil
}

// ClearAndResync runs BulkRetire over conns, or over every active
// connection when conns is nil, and then a full sync.
func (e *Engine) ClearAndResync(ctx context.Context, conns []*schema.Connection) (*BulkReport, []*Report, error) {
	if conns == nil {
		var err error
		conns, err = e.store.ListConnectionsContext(ctx, true)
		if err != nil {
			return nil, nil, storeError("list connections", err)
		}
	}

	bulk, err := e.BulkRetire(ctx, conns)
	if err != nil {
		return bulk, nil, err
	}

	e.logger.WithField("removed", bulk.TotalRemoved).Info("bulk retirement complete, resyncing")
	reports, err := e.SyncAll(ctx)
	return bulk, reports, err
}

func (e *Engine) retireChannel(ctx context.Context, conn *schema.Connection) ChannelResult {
	res := ChannelResult{
		ConnectionID: conn.ID,
		Connection:   conn.Label(),
		ChannelID:    conn.SinkChannelID,
	}
	log := e.logger.WithFields(logrus.Fields{"connection": conn.ID, "channel": conn.SinkChannelID})

	if err := e.locks.lock(ctx, conn.ID); err != nil {
		res.Reason = fmt.Sprintf("gave up waiting for running sync: %v", err)
		return res
	}
	defer e.locks.unlock(conn.ID)

	if err := e.sink.CheckBulkPermissions(ctx, conn.SinkChannelID); err != nil {
		res.Reason = err.Error()
		log.WithError(err).Warn("skipping channel for bulk retirement")
		return res
	}

	var confirmed []string
	cursor := ""
	for {
		page, err := e.sink.ListArtifacts(ctx, conn.SinkChannelID, cursor)
		if err != nil {
			res.Reason = fmt.Sprintf("failed to list artifacts: %v", err)
			log.WithError(err).Warn("stopping bulk retirement for channel")
			break
		}
		if len(page.Items) == 0 {
			break
		}
		cursor = page.Items[len(page.Items)-1].ID

		ceiling := e.now().Add(-e.ageCeiling)
		var recent, old []ArtifactRef
		for _, item := range page.Items {
			if item.CreatedAt.After(ceiling) {
				recent = append(recent, item)
			} else {
				old = append(old, item)
			}
		}
		log.WithFields(logrus.Fields{"recent": len(recent), "old": len(old)}).Debug("retiring page")

		deleted, failed := e.deleteRecent(ctx, conn.SinkChannelID, recent, log)
		confirmed = append(confirmed, deleted...)
		res.Removed += len(deleted)
		res.Failed += failed

		deleted, failed = e.deleteEach(ctx, conn.SinkChannelID, old, e.oldDelay, log)
		confirmed = append(confirmed, deleted...)
		res.Removed += len(deleted)
		res.Failed += failed

		if !page.HasMore {
			break
		}
		if err := ctx.Err(); err != nil {
			res.Reason = fmt.Sprintf("interrupted: %v", err)
			break
		}
	}

	if len(confirmed) > 0 {
		n, err := e.store.DeleteTrackedByArtifactIDsContext(ctx, conn.ID, confirmed)
		res.Untracked = n
		if err != nil {
			res.Reason = storeError("drop tracked artifacts", err).Error()
			log.WithError(err).Warn("artifacts removed but tracked rows remain")
		}
	}

	log.WithFields(logrus.Fields{
		"removed":   res.Removed,
		"failed":    res.Failed,
		"untracked": res.Untracked,
	}).Info("channel cleared")
	return res
}

// deleteRecent removes artifacts younger than the ceiling: one bulk call
// when there are several, falling back to throttled single deletes.
func (e *Engine) deleteRecent(ctx context.Context, channelID string, items []ArtifactRef, log logrus.FieldLogger) ([]string, int) {
	switch len(items) {
	case 0:
		return nil, 0
	case 1:
		return e.deleteEach(ctx, channelID, items, 0, log)
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	err := e.sink.BulkDeleteArtifacts(ctx, channelID, ids)
	observeOp("bulk_delete", err)
	if err == nil {
		return ids, 0
	}

	log.WithError(err).WithField("count", len(ids)).Warn("bulk delete failed, deleting one by one")
	return e.deleteEach(ctx, channelID, items, e.recentDelay, log)
}

// deleteEach removes artifacts one at a time, pausing delay after each
// call. It returns the ids confirmed gone and the number of failures; items
// left when ctx ends count as failures.
func (e *Engine) deleteEach(ctx context.Context, channelID string, items []ArtifactRef, delay time.Duration, log logrus.FieldLogger) ([]string, int) {
	var (
		deleted []string
		failed  int
	)
	for i, item := range items {
		err := e.sink.DeleteArtifact(ctx, channelID, item.ID)
		observeOp("delete", err)
		switch {
		case err == nil, errors.Is(err, ErrSinkNotFound):
			deleted = append(deleted, item.ID)
		default:
			failed++
			log.WithError(err).WithField("artifact", item.ID).Warn("could not delete artifact")
		}
		if delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				rest := len(items) - i - 1
				failed += rest
				if rest > 0 {
					log.WithError(err).WithField("remaining", rest).Warn("stopping one-by-one deletes")
				}
				break
			}
		}
	}
	return deleted, failed
}
