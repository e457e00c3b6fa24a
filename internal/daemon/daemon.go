package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	bridgesync "github.com/issuebridge/issuebridge/internal/sync"
)

// Runner performs one reconciliation pass over all active connections.
// *sync.Engine implements it.
type Runner interface {
	SyncAll(ctx context.Context) ([]*bridgesync.Report, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is the time between scheduled passes
	Interval time.Duration

	// RunOnStart runs a pass as soon as Start is called
	RunOnStart bool

	// Logger for daemon activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:   2 * time.Minute,
		RunOnStart: true,
		Logger:     logrus.StandardLogger().WithField("component", "daemon"),
	}
}

// Status is a snapshot of the daemon's last pass.
type Status struct {
	Running  bool                 `json:"running"`
	Interval time.Duration        `json:"interval"`
	LastRun  time.Time            `json:"last_run"`
	Passes   int                  `json:"passes"`
	Reports  []*bridgesync.Report `json:"reports,omitempty"`
	LastErr  string               `json:"last_error,omitempty"`
}

// Daemon schedules reconciliation passes.
type Daemon struct {
	runner Runner
	config *Config

	trigger  chan struct{}
	interval chan time.Duration

	mu     sync.Mutex
	status Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. Use Start to begin scheduling.
func New(runner Runner, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", config.Interval)
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		runner:   runner,
		config:   config,
		trigger:  make(chan struct{}, 1),
		interval: make(chan time.Duration, 1),
		status:   Status{Interval: config.Interval},
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the scheduling loop. It blocks until ctx is cancelled or Stop
// is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.WithField("interval", d.config.Interval).Info("Starting daemon")

	d.mu.Lock()
	d.status.Running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop()

	select {
	case <-ctx.Done():
		d.config.Logger.Info("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop cancels any running pass and waits for the loop to exit.
func (d *Daemon) Stop() error {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	wasRunning := d.status.Running
	d.status.Running = false
	d.mu.Unlock()

	if wasRunning {
		d.config.Logger.Info("Daemon stopped")
	}
	return nil
}

// Trigger requests an immediate pass. It never blocks; triggers that arrive
// before the pending one is served are merged into it.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// SetInterval changes the poll interval. The new interval takes effect
// after the current tick.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	select {
	case <-d.interval:
	default:
	}
	d.interval <- interval
}

// Status returns a snapshot of the last pass.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.status
	s.Reports = append([]*bridgesync.Report(nil), d.status.Reports...)
	return s
}

func (d *Daemon) loop() {
	defer d.wg.Done()

	if d.config.RunOnStart {
		d.runPass("startup")
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case interval := <-d.interval:
			ticker.Reset(interval)
			d.mu.Lock()
			d.status.Interval = interval
			d.mu.Unlock()
			d.config.Logger.WithField("interval", interval).Info("Poll interval changed")

		case <-ticker.C:
			d.runPass("schedule")

		case <-d.trigger:
			d.runPass("trigger")
		}
	}
}

func (d *Daemon) runPass(reason string) {
	log := d.config.Logger.WithField("reason", reason)
	log.Debug("Running sync pass")

	start := time.Now()
	reports, err := d.runner.SyncAll(d.ctx)

	d.mu.Lock()
	d.status.LastRun = start
	d.status.Passes++
	d.status.Reports = reports
	d.status.LastErr = ""
	if err != nil {
		d.status.LastErr = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("Sync pass failed")
		return
	}

	changes := 0
	for _, r := range reports {
		changes += r.Changes()
	}
	log.WithFields(logrus.Fields{
		"connections": len(reports),
		"changes":     changes,
		"duration":    time.Since(start),
	}).Info("Sync pass complete")
}
