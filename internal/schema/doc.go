// Package schema provides the data structures shared by the issuebridge store,
// adapters and sync engine.
//
// Three shapes matter:
//
//   - Connection links one source database to one sink channel. At most one
//     active connection may exist per (SourceDatabaseID, SinkChannelID) pair.
//   - SourceRecord is an issue fetched fresh from the source on every poll.
//     It is never stored.
//   - TrackedArtifact is the persisted link between a source record and the
//     sink artifact (message + buttons) that mirrors it.
//
// Source records and tracked artifacts are correlated by their matching key:
// the stable external key when present, otherwise the source record id.
//
// Status is deliberately an open string type. Sources can use arbitrary status
// names, so all change detection compares statuses with plain equality.
package schema
