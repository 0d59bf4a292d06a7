package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"objmover/internal/checkpoint"
	"objmover/internal/metrics"
	"objmover/internal/partition"
	"objmover/internal/ratelimit"
	"objmover/internal/retry"
	"objmover/internal/storage"
)

// Config contains worker configuration
type Config struct {
	RunID          string
	MaxRetries     int
	SkipExisting   bool
	SpoolThreshold int64
}

// Outcome is the terminal per-artifact result reported to the controller
type Outcome struct {
	Key      string
	State    checkpoint.State
	Skipped  bool
	Attempts int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// ErrHalted marks artifacts that were never dispatched because a systemic
// failure (credentials) stopped the pool. Their records stay pending.
var ErrHalted = errors.New("worker: dispatch halted by systemic failure")

// Pool manages a bounded set of workers consuming batches. Each slot runs
// the full per-artifact protocol to completion before taking new work.
type Pool struct {
	size       int
	cfg        Config
	src        storage.Source
	dst        storage.Target
	store      checkpoint.Store
	limiter    *ratelimit.Limiter
	classifier *retry.Classifier
	metrics    *metrics.Collector
	logger     *zap.Logger

	halted atomic.Bool
}

// NewPool creates a new worker pool
func NewPool(
	size int,
	cfg Config,
	src storage.Source,
	dst storage.Target,
	store checkpoint.Store,
	limiter *ratelimit.Limiter,
	classifier *retry.Classifier,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:       size,
		cfg:        cfg,
		src:        src,
		dst:        dst,
		store:      store,
		limiter:    limiter,
		classifier: classifier,
		metrics:    metricsCollector,
		logger:     logger,
	}
}

// Run consumes batches until the channel closes or ctx is cancelled, emitting
// one Outcome per artifact. It blocks until every worker has quiesced; no
// record is left in_progress when it returns.
func (p *Pool) Run(ctx context.Context, batches <-chan partition.Batch, outcomes chan<- Outcome) {
	var wg sync.WaitGroup
	p.metrics.SetInflightWorkers(p.size)

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, batches, outcomes, &wg)
	}

	wg.Wait()
	p.metrics.SetInflightWorkers(0)
}

// Halted reports whether a systemic failure stopped dispatch
func (p *Pool) Halted() bool {
	return p.halted.Load()
}

func (p *Pool) worker(ctx context.Context, id int, batches <-chan partition.Batch, outcomes chan<- Outcome, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	proc := &processor{
		cfg:        p.cfg,
		src:        p.src,
		dst:        p.dst,
		store:      p.store,
		limiter:    p.limiter,
		classifier: p.classifier,
		metrics:    p.metrics,
		logger:     logger,
		halt:       func() { p.halted.Store(true) },
	}

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				logger.Debug("Worker finished - no more batches")
				return
			}

			// batch internal order is preserved for deterministic replay
			for _, art := range batch.Artifacts {
				if p.halted.Load() {
					outcomes <- Outcome{Key: art.Key, State: checkpoint.StatePending, Err: ErrHalted}
					continue
				}
				if ctx.Err() != nil {
					outcomes <- Outcome{Key: art.Key, State: checkpoint.StatePending, Err: ctx.Err()}
					continue
				}
				outcomes <- proc.process(ctx, art)
			}

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}
