// Package daemon runs reconciliation passes on a fixed interval.
//
// The daemon:
//  1. Runs SyncAll once on start (optional)
//  2. Runs SyncAll on every tick of the poll interval
//  3. Runs an extra pass whenever Trigger is called, coalescing bursts
//  4. Handles graceful shutdown
//
// Passes never overlap. A trigger that arrives while a pass is running is
// remembered and served by exactly one follow-up pass.
//
// Example:
//
//	d, err := daemon.New(engine, &daemon.Config{Interval: 2 * time.Minute, RunOnStart: true})
//	if err != nil {
//		return err
//	}
//	go d.Start(ctx)
//	d.Trigger() // from the dashboard or a slash command
package daemon
