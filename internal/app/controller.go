package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"objmover/internal/checkpoint"
	"objmover/internal/config"
	"objmover/internal/metrics"
	"objmover/internal/partition"
	"objmover/internal/progress"
	"objmover/internal/ratelimit"
	"objmover/internal/retry"
	"objmover/internal/storage"
	"objmover/internal/worker"
)

// Controller owns the run lifecycle. It selects a strategy, takes the
// listing snapshot, seeds and consumes checkpoint state, drives the worker
// pool, and produces the final report. State machine:
// created -> listing -> partitioning -> running -> {paused, completed, failed},
// with paused -> running via Resume.
type Controller struct {
	cfg        *config.Config
	logger     *zap.Logger
	src        storage.Source
	dst        storage.Target
	store      checkpoint.Store
	metrics    *metrics.Collector
	limiter    *ratelimit.Limiter
	classifier *retry.Classifier

	metricsOnce sync.Once

	mu           sync.Mutex
	state        RunState
	runID        string
	strategyName string
	elapsedPrior time.Duration
	report       *Report
	pausing      bool
	cancelRun    context.CancelFunc
	quiesced     chan struct{}
}

// New creates a controller with production collaborators built from cfg
func New(cfg *config.Config, logger *zap.Logger) (*Controller, error) {
	src, err := storage.New(storage.Config{
		Provider:  cfg.Source.Provider,
		Endpoint:  cfg.Source.Endpoint,
		Region:    cfg.Source.Region,
		AccessKey: cfg.Source.AccessKey,
		SecretKey: cfg.Source.SecretKey,
		Secure:    cfg.Source.Secure,
		Bucket:    cfg.Source.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}

	dst, err := storage.New(storage.Config{
		Provider:  cfg.Target.Provider,
		Endpoint:  cfg.Target.Endpoint,
		Region:    cfg.Target.Region,
		AccessKey: cfg.Target.AccessKey,
		SecretKey: cfg.Target.SecretKey,
		Secure:    cfg.Target.Secure,
		Bucket:    cfg.Target.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create target client: %w", err)
	}

	store, err := checkpoint.NewSQLiteStore(cfg.Migration.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	return NewWithCollaborators(cfg, logger, src, dst, store), nil
}

// NewWithCollaborators creates a controller around supplied collaborators;
// tests substitute fakes per run through here.
func NewWithCollaborators(cfg *config.Config, logger *zap.Logger, src storage.Source, dst storage.Target, store checkpoint.Store) *Controller {
	collector := metrics.New()

	limiter := ratelimit.New(map[string]float64{
		ratelimit.BucketSource: cfg.Migration.RateLimitSource,
		ratelimit.BucketTarget: cfg.Migration.RateLimitTarget,
	}, time.Duration(cfg.Migration.AcquireTimeoutMs)*time.Millisecond, collector)

	classifier := retry.NewClassifier(
		time.Duration(cfg.Migration.BackoffBaseMs)*time.Millisecond,
		cfg.Migration.BackoffFactor,
		time.Duration(cfg.Migration.BackoffMaxMs)*time.Millisecond,
	)

	return &Controller{
		cfg:        cfg,
		logger:     logger,
		src:        src,
		dst:        dst,
		store:      store,
		metrics:    collector,
		limiter:    limiter,
		classifier: classifier,
		state:      RunCreated,
	}
}

// RunID returns the identifier of the current run, empty before the first Run
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Status returns a point-in-time snapshot of the run
func (c *Controller) Status() RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RunStatus{
		RunID:    c.runID,
		State:    c.state,
		Strategy: c.strategyName,
		Progress: c.metrics.GetProgressTracker().GetStatus(),
		Report:   c.report,
	}
}

// Start launches the run asynchronously and returns its identifier. Poll
// with Status; stop with Pause.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != RunCreated {
		c.mu.Unlock()
		return "", fmt.Errorf("cannot start run in state %q", c.state)
	}
	runID := c.resolveRunIDLocked()
	c.mu.Unlock()

	go func() {
		if _, err := c.Run(ctx); err != nil {
			c.logger.Error("Run finished with error", zap.Error(err))
		}
	}()

	return runID, nil
}

// Pause requests cooperative cancellation and returns once every worker has
// quiesced. In-flight artifacts finish their current step boundary and are
// rolled back to pending; nothing is left in_progress.
func (c *Controller) Pause() error {
	c.mu.Lock()
	switch c.state {
	case RunListing, RunPartitioning, RunRunning:
	default:
		c.mu.Unlock()
		return fmt.Errorf("cannot pause run in state %q", c.state)
	}
	c.pausing = true
	cancel := c.cancelRun
	quiesced := c.quiesced
	c.mu.Unlock()

	cancel()
	<-quiesced
	return nil
}

// Resume continues a paused run. The residual work set is rebuilt from the
// checkpoint store, never from a fresh listing.
func (c *Controller) Resume(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	if c.state != RunPaused {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot resume run in state %q", c.state)
	}
	c.mu.Unlock()

	return c.Run(ctx)
}

// Run executes the migration to completion, pause, or failure. It blocks;
// use Start for async polling.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	if c.state != RunCreated && c.state != RunPaused {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot run in state %q", c.state)
	}
	runID := c.resolveRunIDLocked()
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.quiesced = make(chan struct{})
	c.pausing = false
	c.state = RunListing
	quiesced := c.quiesced
	c.mu.Unlock()

	defer cancel()
	defer close(quiesced)

	start := time.Now()

	c.logger.Info("Starting migration run",
		zap.String("run_id", runID),
		zap.String("source_bucket", c.cfg.Source.Bucket),
		zap.String("target_bucket", c.cfg.Target.Bucket),
		zap.String("prefix", c.cfg.Migration.Prefix),
		zap.Bool("dry_run", c.cfg.Migration.DryRun),
	)

	if c.cfg.Migration.MetricsAddr != "" && !c.cfg.Migration.DryRun {
		c.metricsOnce.Do(func() {
			go func() {
				if err := c.metrics.StartServer(c.cfg.Migration.MetricsAddr); err != nil {
					c.logger.Error("Failed to start metrics server", zap.Error(err))
				}
			}()
		})
	}

	artifacts, run, err := c.prepareWorkSet(runCtx, runID)
	if err != nil {
		c.mu.Lock()
		if c.pausing || runCtx.Err() != nil {
			c.state = RunPaused
		} else {
			c.state = RunFailed
		}
		c.mu.Unlock()
		return nil, err
	}

	if c.cfg.Migration.DryRun {
		return c.dryRun(artifacts, run, start)
	}

	strategy := c.cfg.Migration.Resolve(config.SelectStrategy(c.cfg.Migration.Strategy, run.TotalBytes))
	c.mu.Lock()
	c.strategyName = strategy.Name
	c.mu.Unlock()
	if run.Strategy != strategy.Name {
		run.Strategy = strategy.Name
		if err := c.store.UpdateRun(run); err != nil {
			c.logger.Warn("Failed to persist run strategy", zap.Error(err))
		}
	}

	c.setState(RunPartitioning)
	batches := partition.Split(artifacts, strategy.BatchCount, strategy.BatchBytes)
	c.logger.Info("Partitioned work set",
		zap.String("strategy", strategy.Name),
		zap.Int("concurrency", strategy.Concurrency),
		zap.Int("batches", len(batches)),
		zap.Int("artifacts", len(artifacts)),
	)

	c.metrics.SetTotalCounts(run.TotalArtifacts, run.TotalBytes)

	var display *progress.Display
	if c.cfg.Migration.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(c.metrics.GetProgressTracker(), 2*time.Second)
		display.Start()
	}

	pool := worker.NewPool(strategy.Concurrency, worker.Config{
		RunID:          runID,
		MaxRetries:     c.cfg.Migration.MaxRetries,
		SkipExisting:   c.cfg.Migration.SkipExisting,
		SpoolThreshold: c.cfg.Migration.SpoolThreshold,
	}, c.src, c.dst, c.store, c.limiter, c.classifier, c.metrics, c.logger)

	c.setState(RunRunning)

	batchCh := make(chan partition.Batch, len(batches))
	for _, b := range batches {
		batchCh <- b
	}
	close(batchCh)

	outcomes := make(chan worker.Outcome, strategy.Concurrency*2)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for outcome := range outcomes {
			if outcome.Err != nil && outcome.State == checkpoint.StatePending {
				c.logger.Debug("Artifact deferred",
					zap.String("key", outcome.Key),
					zap.Error(outcome.Err))
			}
		}
	}()

	pool.Run(runCtx, batchCh, outcomes)
	close(outcomes)
	<-consumed

	if display != nil {
		display.Stop()
	}

	// anything stranded by a pause or halt goes back to pending
	if _, err := c.store.ResetInProgress(runID); err != nil {
		c.logger.Error("Failed to reset in-progress records", zap.Error(err))
	}

	return c.finish(runID, run, pool, runCtx, start)
}

// Close releases controller resources
func (c *Controller) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func (c *Controller) resolveRunIDLocked() string {
	if c.runID != "" {
		return c.runID
	}
	if c.cfg.Migration.RunID != "" {
		c.runID = c.cfg.Migration.RunID
	} else {
		c.runID = uuid.New().String()
	}
	return c.runID
}

// prepareWorkSet returns the residual artifacts for this run. A fresh run
// lists the source and seeds every identity as pending before any transfer;
// an existing run rebuilds the work set from checkpoint records, so the
// original snapshot is honored across pauses and crashes.
func (c *Controller) prepareWorkSet(ctx context.Context, runID string) ([]storage.ArtifactInfo, *checkpoint.RunRecord, error) {
	run, err := c.store.GetRun(runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load run record: %w", err)
	}

	if run == nil {
		l := &lister{src: c.src, logger: c.logger}
		artifacts, totalBytes, err := l.snapshot(ctx, c.cfg.Migration.Prefix, c.cfg.Migration.Artifact)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list source: %w", err)
		}

		if !c.cfg.Migration.DryRun {
			for i := range artifacts {
				record := &checkpoint.TransferRecord{
					RunID:    runID,
					Key:      artifacts[i].Key,
					Size:     artifacts[i].Size,
					Checksum: artifacts[i].Checksum,
					State:    checkpoint.StatePending,
				}
				if err := c.store.SeedRecord(record); err != nil {
					return nil, nil, fmt.Errorf("failed to seed checkpoint records: %w", err)
				}
			}
		}

		run = &checkpoint.RunRecord{
			ID:             runID,
			Strategy:       c.cfg.Migration.Strategy,
			State:          string(RunRunning),
			TotalArtifacts: int64(len(artifacts)),
			TotalBytes:     totalBytes,
			StartedAt:      time.Now(),
		}
		if !c.cfg.Migration.DryRun {
			if err := c.store.CreateRun(run); err != nil {
				return nil, nil, fmt.Errorf("failed to create run record: %w", err)
			}
		}

		return artifacts, run, nil
	}

	// resume path: re-queue interrupted and transiently failed work, then
	// take everything not yet terminal
	reset, err := c.store.ResetInProgress(runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reset in-progress records: %w", err)
	}
	if reset > 0 {
		c.logger.Info("Re-queued interrupted artifacts", zap.Int64("count", reset))
	}

	retryable, err := c.store.ListByState(runID, checkpoint.StateFailedRetryable)
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range retryable {
		rec.State = checkpoint.StatePending
		rec.Attempts = 0
		if err := c.store.Transition(rec, checkpoint.StateFailedRetryable); err != nil {
			return nil, nil, fmt.Errorf("failed to re-queue retryable record %s: %w", rec.Key, err)
		}
	}

	pending, err := c.store.ListByState(runID, checkpoint.StatePending)
	if err != nil {
		return nil, nil, err
	}

	artifacts := make([]storage.ArtifactInfo, 0, len(pending))
	for _, rec := range pending {
		artifacts = append(artifacts, storage.ArtifactInfo{
			Key:      rec.Key,
			Size:     rec.Size,
			Checksum: rec.Checksum,
		})
	}

	c.logger.Info("Resuming run from checkpoint",
		zap.String("run_id", runID),
		zap.Int("residual_artifacts", len(artifacts)),
	)

	return artifacts, run, nil
}

func (c *Controller) dryRun(artifacts []storage.ArtifactInfo, run *checkpoint.RunRecord, start time.Time) (*Report, error) {
	for _, art := range artifacts {
		c.logger.Info("Would migrate artifact",
			zap.String("key", art.Key),
			zap.Int64("size", art.Size),
		)
	}

	report := &Report{
		RunID:          run.ID,
		Strategy:       run.Strategy,
		TotalArtifacts: run.TotalArtifacts,
		TotalBytes:     run.TotalBytes,
		Elapsed:        time.Since(start),
	}

	c.mu.Lock()
	c.report = report
	c.state = RunCompleted
	c.mu.Unlock()
	return report, nil
}

func (c *Controller) finish(runID string, run *checkpoint.RunRecord, pool *worker.Pool, runCtx context.Context, start time.Time) (*Report, error) {
	c.mu.Lock()
	c.elapsedPrior += time.Since(start)
	elapsed := c.elapsedPrior
	paused := c.pausing
	c.mu.Unlock()

	var final RunState
	switch {
	case pool.Halted():
		final = RunFailed
	case paused || runCtx.Err() != nil:
		final = RunPaused
	default:
		final = RunCompleted
	}

	report, err := buildReport(c.store, runID, run.Strategy, run.TotalArtifacts, run.TotalBytes, elapsed)
	if err != nil {
		c.setState(RunFailed)
		return nil, fmt.Errorf("failed to build report: %w", err)
	}
	report.Skipped = c.metrics.GetProgressTracker().GetStatus().SkippedArtifacts

	run.State = string(final)
	if final != RunPaused {
		run.FinishedAt = time.Now()
	}
	if err := c.store.UpdateRun(run); err != nil {
		c.logger.Error("Failed to persist run state", zap.Error(err))
	}

	c.mu.Lock()
	c.state = final
	c.report = report
	c.mu.Unlock()

	c.logger.Info("Run finished",
		zap.String("run_id", runID),
		zap.String("state", string(final)),
		zap.Int64("committed", report.Committed),
		zap.Int64("failed_retryable", report.FailedRetryable),
		zap.Int64("failed_fatal", report.FailedFatal),
		zap.Int64("pending", report.Pending),
		zap.Duration("elapsed", report.Elapsed),
	)

	if final == RunFailed {
		return report, fmt.Errorf("run %s failed: systemic error halted dispatch", runID)
	}
	return report, nil
}

func (c *Controller) setState(s RunState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
