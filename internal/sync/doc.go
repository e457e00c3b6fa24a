// Package sync mirrors source records into sink artifacts.
//
// # Reconciliation
//
// A reconciliation pass takes one connection, the current snapshot of open
// source records and the artifacts already tracked for that connection, and
// computes a three-way diff keyed by matching key (external key, else record
// id):
//
//   - RETIRE: tracked key no longer in the source. The sink artifact is
//     deleted and its row dropped. If the sink refuses for lack of
//     permission, the artifact is edited into a "removed" placeholder and the
//     row is kept so the delete is retried on the next pass. An artifact
//     already gone from the sink counts as retired.
//   - UPDATE: key on both sides, but status, title or external key differ.
//     The artifact is edited in place. If the edit fails the row is dropped
//     and the record is re-created, so the sink never silently goes stale.
//   - CREATE: source key with no tracked row. A duplicate guard checks the
//     store for an existing row (by external key, else by record id) before
//     the artifact is created and tracked.
//
// RETIRE and UPDATE run before CREATE. Every per-record failure is logged and
// counted in the Report; it never aborts the pass. The connection's
// last-checked time is updated at the end of every pass, so failed records
// are simply retried next time. Sync is eventually consistent, not
// transactional.
//
// # Bulk retirement
//
// BulkRetire empties sink channels page by page. Artifacts younger than the
// bulk age ceiling go out in one bulk call per page; older ones are deleted
// one at a time with a throttle delay. Only rows whose artifacts were
// confirmed deleted are dropped from the store.
//
// # Concurrency
//
// Engine holds one lock per connection. Reconcile and SyncConnection skip a
// connection that is already being synced (ErrSyncInProgress). BulkRetire
// and ApplyStatusChange wait for the lock instead.
//
// # Usage
//
//	engine, err := sync.New(sync.Config{
//	    Store:  store,
//	    Source: notionClient,
//	    Sink:   discordSink,
//	})
//	if err != nil {
//	    return err
//	}
//	reports, err := engine.SyncAll(ctx)
package sync
