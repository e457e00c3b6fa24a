// Package loadtest drives the sync engine against a real store under
// concurrent load.
//
// A Fixture pairs an on-disk store with in-memory source and sink so many
// connections can be reconciled in parallel while latency is measured and
// the one-artifact-per-record invariant is checked afterwards.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/schema"
	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
)

// Fixture is a populated store plus an engine wired to in-memory endpoints.
type Fixture struct {
	DB          *db.DB
	Engine      *bridgesync.Engine
	Source      *MemSource
	Sink        *MemSink
	Connections []*schema.Connection

	rng *rand.Rand
}

// LatencyStats captures per-pass timings from a load run.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	TotalPasses int
	Skipped     int
	Errors      int
	Durations   []time.Duration
}

// NewFixture opens a store at dbPath with numConns active connections, each
// backed by recordsPerConn open source records.
func NewFixture(dbPath string, numConns, recordsPerConn int, logger logrus.FieldLogger) (*Fixture, error) {
	if numConns <= 0 {
		return nil, fmt.Errorf("numConns must be positive")
	}

	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	f := &Fixture{
		DB:     store,
		Source: NewMemSource(),
		Sink:   NewMemSink(),
		rng:    rand.New(rand.NewSource(42)),
	}

	for i := 0; i < numConns; i++ {
		conn := &schema.Connection{
			SourceDatabaseID: fmt.Sprintf("db-%04d", i),
			SinkChannelID:    fmt.Sprintf("chan-%04d", i),
			Name:             fmt.Sprintf("Load %d", i),
		}
		if err := store.AddConnection(conn); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to add connection %d: %w", i, err)
		}
		f.Connections = append(f.Connections, conn)
		f.Source.Put(conn.SourceDatabaseID, generateRecords(conn.SourceDatabaseID, recordsPerConn))
	}

	engine, err := bridgesync.New(bridgesync.Config{
		Store:  store,
		Source: f.Source,
		Sink:   f.Sink,
		Logger: logger,
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	f.Engine = engine

	return f, nil
}

// Close closes the store.
func (f *Fixture) Close() error {
	if f.DB != nil {
		return f.DB.Close()
	}
	return nil
}

// generateRecords builds count open records. Every third record carries an
// external key so both matching paths are exercised.
func generateRecords(databaseID string, count int) []schema.SourceRecord {
	records := make([]schema.SourceRecord, count)
	for i := 0; i < count; i++ {
		r := schema.SourceRecord{
			ID:     fmt.Sprintf("%s-rec-%05d", databaseID, i),
			Title:  fmt.Sprintf("Issue %d", i),
			Status: schema.StatusOpen,
			URL:    fmt.Sprintf("https://example.invalid/%s/%d", databaseID, i),
		}
		if i%3 == 0 {
			r.ExternalKey = fmt.Sprintf("BUG-%d", i)
		}
		records[i] = r
	}
	return records
}

// Churn moves a fraction of each connection's records to a new status so
// the next pass has edits to make. Fixed records drop out of the source and
// get retired.
func (f *Fixture) Churn(fraction float64, status schema.Status) int {
	changed := 0
	for _, conn := range f.Connections {
		recs, _ := f.Source.ListOpenRecords(context.Background(), conn.SourceDatabaseID)
		n := int(float64(len(recs)) * fraction)
		for _, i := range f.rng.Perm(len(recs))[:n] {
			if f.Source.SetStatus(conn.SourceDatabaseID, recs[i].ID, status) {
				changed++
			}
		}
	}
	return changed
}

// RunConcurrentPasses starts workers goroutines that each run passesPerWorker
// reconciliation passes, cycling through the connections. Passes refused by
// the per-connection guard count as skipped.
func (f *Fixture) RunConcurrentPasses(ctx context.Context, workers, passesPerWorker int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []time.Duration
	var skipped, failed int

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, passesPerWorker)
			var skips, errs int
			for j := 0; j < passesPerWorker; j++ {
				conn := f.Connections[(worker+j)%len(f.Connections)]

				start := time.Now()
				report, err := f.Engine.SyncConnection(ctx, conn)
				elapsed := time.Since(start)

				switch {
				case errors.Is(err, bridgesync.ErrSyncInProgress):
					skips++
					continue
				case err != nil:
					errs++
				case report.Failed > 0:
					errs += report.Failed
				}
				durations = append(durations, elapsed)
			}

			mu.Lock()
			all = append(all, durations...)
			skipped += skips
			failed += errs
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no passes completed (%d skipped)", skipped)
	}

	stats := computeLatencyStats(all)
	stats.Skipped = skipped
	stats.Errors = failed
	return stats, nil
}

// VerifyConsistency checks that every open record has exactly one tracked
// row and that tracked rows and channel contents agree. Run it after a
// quiescent pass.
func (f *Fixture) VerifyConsistency(ctx context.Context) error {
	for _, conn := range f.Connections {
		tracked, err := f.DB.ListTrackedContext(ctx, conn.ID)
		if err != nil {
			return fmt.Errorf("connection %d: %w", conn.ID, err)
		}

		if want := f.Source.OpenCount(conn.SourceDatabaseID); len(tracked) != want {
			return fmt.Errorf("connection %d: %d tracked rows for %d open records", conn.ID, len(tracked), want)
		}

		seen := make(map[string]bool, len(tracked))
		present := make(map[string]bool)
		for _, id := range f.Sink.Artifacts(conn.SinkChannelID) {
			present[id] = true
		}
		for _, t := range tracked {
			if seen[t.SourceRecordID] {
				return fmt.Errorf("connection %d: record %s tracked twice", conn.ID, t.SourceRecordID)
			}
			seen[t.SourceRecordID] = true
			if !present[t.SinkArtifactID] {
				return fmt.Errorf("connection %d: artifact %s missing from channel", conn.ID, t.SinkArtifactID)
			}
		}
		if len(present) != len(tracked) {
			return fmt.Errorf("connection %d: %d artifacts in channel for %d tracked rows", conn.ID, len(present), len(tracked))
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalPasses: len(durations),
		Durations:   sorted,
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Passes: %d\n", s.TotalPasses)
	fmt.Fprintf(w, "  Skipped:      %d\n", s.Skipped)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
