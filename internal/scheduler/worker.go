// Package scheduler runs the periodic maintenance jobs of the fraud service:
// the trial sweep and the background duplicate scan.
package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	jobTrialSweep    = "trial_sweep"
	jobDuplicateScan = "duplicate_scan"

	defaultTrialSweepInterval    = time.Hour
	defaultDuplicateScanInterval = 15 * time.Minute
	defaultDuplicateScanLookback = time.Hour
	defaultDuplicateScanBatch    = 500
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_scheduler_job_runs_total",
		Help: "Scheduler job runs by job and result",
	}, []string{"job", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fraud_scheduler_job_duration_seconds",
		Help:    "Scheduler job duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
)

// Config holds the job intervals. Zero values take the defaults.
type Config struct {
	TrialSweepInterval    time.Duration
	DuplicateScanInterval time.Duration
	DuplicateScanLookback time.Duration
	DuplicateScanBatch    int
}

func (c Config) withDefaults() Config {
	if c.TrialSweepInterval <= 0 {
		c.TrialSweepInterval = defaultTrialSweepInterval
	}
	if c.DuplicateScanInterval <= 0 {
		c.DuplicateScanInterval = defaultDuplicateScanInterval
	}
	if c.DuplicateScanLookback <= 0 {
		c.DuplicateScanLookback = defaultDuplicateScanLookback
	}
	if c.DuplicateScanBatch <= 0 {
		c.DuplicateScanBatch = defaultDuplicateScanBatch
	}
	return c
}

// tick returns the loop period, the shorter of the two job intervals
func (c Config) tick() time.Duration {
	if c.DuplicateScanInterval < c.TrialSweepInterval {
		return c.DuplicateScanInterval
	}
	return c.TrialSweepInterval
}

// Worker runs the maintenance jobs on a single ticker. Each job keeps its own
// last-run time and only fires once its interval has elapsed.
type Worker struct {
	trials  TrialExpirer
	scanner DuplicateScanner
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
	done    chan struct{}

	lastTrialSweep    time.Time
	lastDuplicateScan time.Time
}

// NewWorker creates a scheduler worker. scanner may be nil to disable the
// background duplicate scan.
func NewWorker(trials TrialExpirer, scanner DuplicateScanner, logger *zap.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		trials:  trials,
		scanner: scanner,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		done:    make(chan struct{}),
	}
}

// Start runs the jobs until ctx is cancelled or Stop is called. It blocks.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("scheduler worker started",
		zap.Duration("trial_sweep_interval", w.cfg.TrialSweepInterval),
		zap.Duration("duplicate_scan_interval", w.cfg.DuplicateScanInterval),
	)

	ticker := time.NewTicker(w.cfg.tick())
	defer ticker.Stop()

	w.runDue(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("scheduler worker stopped", zap.Error(ctx.Err()))
			return
		case <-w.done:
			w.logger.Info("scheduler worker stopped")
			return
		case <-ticker.C:
			w.runDue(ctx)
		}
	}
}

// Stop signals Start to return. Call it once.
func (w *Worker) Stop() {
	close(w.done)
}

// runDue runs every job whose interval has elapsed
func (w *Worker) runDue(ctx context.Context) {
	now := w.now()

	if now.Sub(w.lastTrialSweep) >= w.cfg.TrialSweepInterval {
		w.lastTrialSweep = now
		w.sweepTrials(ctx)
	}

	if w.scanner != nil && now.Sub(w.lastDuplicateScan) >= w.cfg.DuplicateScanInterval {
		w.lastDuplicateScan = now
		w.scanDuplicates(ctx, now)
	}
}

func (w *Worker) sweepTrials(ctx context.Context) {
	start := time.Now()
	defer func() { jobDuration.WithLabelValues(jobTrialSweep).Observe(time.Since(start).Seconds()) }()

	n, err := w.trials.ExpireTrials(ctx)
	if err != nil {
		jobRuns.WithLabelValues(jobTrialSweep, "error").Inc()
		w.logger.Error("trial sweep failed", zap.Error(err))
		return
	}
	jobRuns.WithLabelValues(jobTrialSweep, "ok").Inc()
	if n > 0 {
		w.logger.Info("expired trials", zap.Int64("count", n))
	}
}

func (w *Worker) scanDuplicates(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() { jobDuration.WithLabelValues(jobDuplicateScan).Observe(time.Since(start).Seconds()) }()

	since := now.Add(-w.cfg.DuplicateScanLookback)
	n, err := w.scanner.ScanRecent(ctx, since, w.cfg.DuplicateScanBatch)
	if err != nil {
		jobRuns.WithLabelValues(jobDuplicateScan, "error").Inc()
		w.logger.Error("duplicate scan failed",
			zap.Time("since", since),
			zap.Int("links", n),
			zap.Error(err),
		)
		return
	}
	jobRuns.WithLabelValues(jobDuplicateScan, "ok").Inc()
	w.logger.Debug("duplicate scan finished", zap.Time("since", since), zap.Int("links", n))
}
