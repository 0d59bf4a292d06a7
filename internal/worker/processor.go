package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"objmover/internal/checkpoint"
	"objmover/internal/metrics"
	"objmover/internal/ratelimit"
	"objmover/internal/retry"
	"objmover/internal/storage"
	"objmover/internal/validate"
)

// processor executes the per-artifact transfer protocol:
// claim the record, read from the source, verify, write to the target,
// verify the store-confirmed result, commit. Every remote call sits behind
// the rate limiter; every failure goes through the classifier.
type processor struct {
	cfg        Config
	src        storage.Source
	dst        storage.Target
	store      checkpoint.Store
	limiter    *ratelimit.Limiter
	classifier *retry.Classifier
	metrics    *metrics.Collector
	logger     *zap.Logger
	halt       func()
}

func (p *processor) process(ctx context.Context, art storage.ArtifactInfo) Outcome {
	start := time.Now()

	rec, err := p.store.GetRecord(p.cfg.RunID, art.Key)
	if err != nil {
		return Outcome{Key: art.Key, State: checkpoint.StatePending, Err: fmt.Errorf("checkpoint read: %w", err)}
	}
	if rec == nil {
		rec = &checkpoint.TransferRecord{
			RunID: p.cfg.RunID,
			Key:   art.Key,
			Size:  art.Size,
			State: checkpoint.StatePending,
		}
		if err := p.store.SeedRecord(rec); err != nil {
			return Outcome{Key: art.Key, State: checkpoint.StatePending, Err: fmt.Errorf("checkpoint seed: %w", err)}
		}
	}
	if rec.State.Terminal() {
		p.logger.Debug("Skipping artifact in terminal state",
			zap.String("key", art.Key),
			zap.String("state", string(rec.State)))
		p.metrics.IncSkipped(art.Size)
		return Outcome{Key: art.Key, State: rec.State, Skipped: true, Attempts: rec.Attempts}
	}

	// claim before any remote call, so a crash mid-transfer is observably
	// resumable; the conditional write is the single-writer guard
	rec.State = checkpoint.StateInProgress
	if err := p.store.Transition(rec, checkpoint.StatePending); err != nil {
		if errors.Is(err, checkpoint.ErrConflict) {
			// another slot won the race on this key
			p.logger.Debug("Lost claim race", zap.String("key", art.Key))
			return Outcome{Key: art.Key, State: checkpoint.StateInProgress, Skipped: true}
		}
		return Outcome{Key: art.Key, State: checkpoint.StatePending, Err: fmt.Errorf("checkpoint claim: %w", err)}
	}

	if p.cfg.SkipExisting && p.targetMatches(ctx, art) {
		p.logger.Debug("Skipping artifact already present on target", zap.String("key", art.Key))
		rec.State = checkpoint.StateCommitted
		rec.Checksum = art.Checksum
		if err := p.store.Transition(rec, checkpoint.StateInProgress); err != nil {
			return Outcome{Key: art.Key, State: checkpoint.StateInProgress, Err: err}
		}
		p.metrics.IncSkipped(art.Size)
		return Outcome{Key: art.Key, State: checkpoint.StateCommitted, Skipped: true}
	}

	var lastErr error
	for attempt := rec.Attempts + 1; attempt <= p.cfg.MaxRetries; attempt++ {
		rec.Attempts = attempt
		p.metrics.IncAttempt()

		err := p.attempt(ctx, art, rec)
		if err == nil {
			rec.State = checkpoint.StateCommitted
			if err := p.store.Transition(rec, checkpoint.StateValidated); err != nil {
				return Outcome{Key: art.Key, State: checkpoint.StateValidated, Attempts: attempt, Err: err}
			}

			elapsed := time.Since(start)
			p.metrics.IncCommitted(art.Size)
			p.metrics.ObserveDuration(elapsed)
			p.logger.Info("Artifact committed",
				zap.String("key", art.Key),
				zap.Int64("size", art.Size),
				zap.Int("attempts", attempt),
				zap.Duration("duration", elapsed),
			)
			return Outcome{Key: art.Key, State: checkpoint.StateCommitted, Attempts: attempt, Bytes: art.Size, Duration: elapsed}
		}

		if ctx.Err() != nil {
			// cooperative pause: the in-flight call finished at a step
			// boundary, roll the record back so nothing stays in_progress
			return p.rollback(art, rec, attempt)
		}

		lastErr = err
		p.logger.Warn("Transfer attempt failed",
			zap.String("key", art.Key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		decision := p.classifier.Classify(err, attempt)
		if decision.Class == retry.ClassFatal {
			if decision.Systemic {
				p.logger.Error("Systemic failure, halting dispatch", zap.Error(err))
				p.halt()
			}
			return p.fail(art, rec, checkpoint.StateFailedFatal, attempt, err)
		}

		// record stays in_progress across retries, attempt count persisted
		snapshot := *rec
		snapshot.LastError = err.Error()
		snapshot.ErrorClass = decision.Class.String()
		if terr := p.store.Transition(&snapshot, checkpoint.StateInProgress); terr != nil {
			return Outcome{Key: art.Key, State: checkpoint.StateInProgress, Attempts: attempt, Err: terr}
		}

		if attempt < p.cfg.MaxRetries {
			select {
			case <-time.After(decision.Delay):
			case <-ctx.Done():
				return p.rollback(art, rec, attempt)
			}
		}
	}

	return p.fail(art, rec, checkpoint.StateFailedRetryable, rec.Attempts, lastErr)
}

// attempt runs one full transfer pass. Re-entry happens at the first token
// acquisition; the checkpoint record is untouched here except through the
// validated transition after the target confirms.
func (p *processor) attempt(ctx context.Context, art storage.ArtifactInfo, rec *checkpoint.TransferRecord) error {
	if err := p.limiter.Acquire(ctx, ratelimit.BucketSource, 1); err != nil {
		return fmt.Errorf("source rate limit: %w", err)
	}

	reader, declared, err := p.src.Read(ctx, art.Key)
	if err != nil {
		return fmt.Errorf("failed to read source artifact: %w", err)
	}

	content, err := spoolFrom(reader, declared.Size, p.cfg.SpoolThreshold)
	reader.Close()
	if err != nil {
		return err
	}
	defer content.close()

	// pre-transfer verification: computed digest against the declared one.
	// A source with no declared checksum gets the computed digest as the
	// value of record for the post-transfer check.
	expectChecksum := declared.Checksum
	if expectChecksum == "" {
		expectChecksum = art.Checksum
	}
	if err := validate.Verify(art.Key, content.digest, content.size, expectChecksum, declared.Size); err != nil {
		return err
	}

	if err := p.limiter.Acquire(ctx, ratelimit.BucketTarget, 1); err != nil {
		return fmt.Errorf("target rate limit: %w", err)
	}

	contentType := declared.ContentType
	if contentType == "" {
		contentType = storage.DetectContentType(content.head())
	}

	body, err := content.reader()
	if err != nil {
		return err
	}

	confirmed, err := p.dst.Write(ctx, art.Key, body, content.size, storage.PutOptions{
		ContentType: contentType,
		Checksum:    content.digest,
		Metadata:    declared.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to write target artifact: %w", err)
	}

	// post-transfer verification closes the loop against silent upload
	// corruption: the store-confirmed size and digest must match what was
	// read from the source.
	if err := validate.Verify(art.Key, confirmed.Checksum, confirmed.Size, nonEmptyExpect(confirmed.Checksum, content.digest), content.size); err != nil {
		return err
	}

	rec.Checksum = content.digest
	rec.Size = content.size
	rec.State = checkpoint.StateValidated
	rec.LastError = ""
	rec.ErrorClass = ""
	return p.store.Transition(rec, checkpoint.StateInProgress, checkpoint.StateValidated)
}

// nonEmptyExpect skips the digest comparison when the target reports none;
// the size check still applies.
func nonEmptyExpect(confirmed, computed string) string {
	if confirmed == "" {
		return ""
	}
	return computed
}

func (p *processor) targetMatches(ctx context.Context, art storage.ArtifactInfo) bool {
	if err := p.limiter.Acquire(ctx, ratelimit.BucketTarget, 1); err != nil {
		return false
	}
	info, err := p.dst.Head(ctx, art.Key)
	if err != nil {
		return false
	}
	if info.Size != art.Size {
		return false
	}
	// identical size alone is not enough; require a matching checksum or etag
	if art.Checksum != "" && info.Checksum != "" {
		return info.Checksum == art.Checksum
	}
	return art.ETag != "" && info.ETag == art.ETag
}

func (p *processor) rollback(art storage.ArtifactInfo, rec *checkpoint.TransferRecord, attempt int) Outcome {
	snapshot := *rec
	snapshot.State = checkpoint.StatePending
	if err := p.store.Transition(&snapshot, checkpoint.StateInProgress, checkpoint.StateValidated); err != nil && !errors.Is(err, checkpoint.ErrConflict) {
		p.logger.Error("Failed to roll back record on cancellation",
			zap.String("key", art.Key),
			zap.Error(err))
	}
	p.logger.Info("Artifact returned to pending on cancellation", zap.String("key", art.Key))
	return Outcome{Key: art.Key, State: checkpoint.StatePending, Attempts: attempt, Err: context.Canceled}
}

func (p *processor) fail(art storage.ArtifactInfo, rec *checkpoint.TransferRecord, state checkpoint.State, attempt int, cause error) Outcome {
	rec.State = state
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if state == checkpoint.StateFailedFatal {
		rec.ErrorClass = retry.ClassFatal.String()
	} else {
		rec.ErrorClass = retry.ClassRetryable.String()
	}

	if err := p.store.Transition(rec, checkpoint.StateInProgress, checkpoint.StateValidated); err != nil {
		p.logger.Error("Failed to record terminal failure",
			zap.String("key", art.Key),
			zap.Error(err))
	}

	p.metrics.IncFailed(string(state))
	p.logger.Error("Artifact failed",
		zap.String("key", art.Key),
		zap.String("state", string(state)),
		zap.Int("attempts", attempt),
		zap.Error(cause),
	)
	return Outcome{Key: art.Key, State: state, Attempts: attempt, Err: cause}
}
