package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"objmover/internal/checkpoint"
	"objmover/internal/config"
	"objmover/internal/storage/storagetest"
)

type fixture struct {
	cfg   *config.Config
	src   *storagetest.FakeClient
	dst   *storagetest.FakeClient
	store *checkpoint.SQLiteStore
	ctrl  *Controller
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{
		Source: config.Endpoint{Endpoint: "src:9000", Bucket: "src"},
		Target: config.Endpoint{Endpoint: "dst:9000", Bucket: "dst"},
		Migration: config.Migration{
			Strategy:       "small",
			MaxRetries:     3,
			BackoffBaseMs:  1,
			BackoffFactor:  2.0,
			BackoffMaxMs:   5,
			SpoolThreshold: 1 << 20,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		cfg:   cfg,
		src:   storagetest.NewFakeClient(),
		dst:   storagetest.NewFakeClient(),
		store: store,
	}
	f.ctrl = NewWithCollaborators(cfg, zap.NewNop(), f.src, f.dst, store)
	return f
}

func (f *fixture) seedSource(keys ...string) {
	for _, key := range keys {
		f.src.Seed(key, []byte("content of "+key))
	}
}

func TestRun_SmallStrategyCommitsEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource("a.bin", "b.bin", "c.bin")

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.TotalArtifacts)
	assert.Equal(t, int64(3), report.Committed)
	assert.Zero(t, report.FailedRetryable)
	assert.Zero(t, report.FailedFatal)
	assert.Zero(t, report.Pending)
	assert.Empty(t, report.Failures)
	assert.Equal(t, "small", report.Strategy)
	assert.Equal(t, RunCompleted, f.ctrl.Status().State)

	for _, key := range []string{"a.bin", "b.bin", "c.bin"} {
		assert.Equal(t, []byte("content of "+key), f.dst.Content(key))
	}

	run, err := f.store.GetRun(f.ctrl.RunID())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, string(RunCompleted), run.State)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestRun_CorruptArtifactFailsAloneOthersCommit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Migration.Strategy = "medium"
		cfg.Migration.Concurrency = 2
		cfg.Migration.BatchCount = 2
	})
	f.seedSource("f1.bin", "f2.bin", "f3.bin", "f4.bin", "f5.bin")
	f.src.SetDeclaredChecksum("f3.bin", "1111111111111111111111111111111111111111111111111111111111111111")

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err, "a non-systemic fatal artifact does not fail the run")

	assert.Equal(t, int64(4), report.Committed)
	assert.Equal(t, int64(1), report.FailedFatal)
	assert.Zero(t, report.Pending)
	assert.Equal(t, RunCompleted, f.ctrl.Status().State)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "f3.bin", report.Failures[0].Key)
	assert.Equal(t, checkpoint.StateFailedFatal, report.Failures[0].State)
	assert.Equal(t, 1, report.Failures[0].Attempts)
	assert.Contains(t, report.Failures[0].Error, "checksum")

	assert.Nil(t, f.dst.Content("f3.bin"), "corrupted content never reaches the target")
}

func TestRun_TransientFailuresRecoverWithinBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource("flaky.bin")
	f.dst.WriteHook = func(key string, attempt int) error {
		if attempt <= 2 {
			return fmt.Errorf("write %s: connection reset by peer", key)
		}
		return nil
	}

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Committed)

	rec, err := f.store.GetRecord(f.ctrl.RunID(), "flaky.bin")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
}

func TestRun_SystemicFailureEndsFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource("a.bin", "b.bin", "c.bin")
	f.src.ReadHook = func(key string, attempt int) error {
		return minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied", Message: "access denied"}
	}

	report, err := f.ctrl.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "systemic")
	require.NotNil(t, report)

	assert.Equal(t, RunFailed, f.ctrl.Status().State)
	assert.Equal(t, int64(1), report.FailedFatal, "only the first artifact observes the credential failure")
	assert.Equal(t, int64(2), report.Pending, "undispatched artifacts stay pending")

	run, err := f.store.GetRun(f.ctrl.RunID())
	require.NoError(t, err)
	assert.Equal(t, string(RunFailed), run.State)
}

func TestRun_CancelThenResumeCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource("a.bin", "b.bin", "c.bin")

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	f.src.ReadHook = func(key string, attempt int) error {
		once.Do(cancel)
		return context.Canceled
	}

	report, err := f.ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunPaused, f.ctrl.Status().State)
	assert.Zero(t, report.Committed)
	assert.Equal(t, int64(3), report.Pending, "interrupted work rolls back to pending")

	run, err := f.store.GetRun(f.ctrl.RunID())
	require.NoError(t, err)
	assert.True(t, run.FinishedAt.IsZero(), "a paused run is not finished")

	f.src.ReadHook = nil
	report, err = f.ctrl.Resume(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.Committed)
	assert.Zero(t, report.Pending)
	assert.Equal(t, RunCompleted, f.ctrl.Status().State)
	for _, key := range []string{"a.bin", "b.bin", "c.bin"} {
		assert.Equal(t, []byte("content of "+key), f.dst.Content(key))
	}
}

func TestRun_ResumeSkipsCommittedAndRequeuesInterrupted(t *testing.T) {
	const runID = "crash-run"
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Migration.RunID = runID
	})
	f.seedSource("committed.bin", "interrupted.bin", "untouched.bin", "gaveup.bin")

	// durable state left behind by a crashed process
	require.NoError(t, f.store.CreateRun(&checkpoint.RunRecord{
		ID:             runID,
		Strategy:       "small",
		State:          string(RunRunning),
		TotalArtifacts: 4,
		TotalBytes:     4 * int64(len("content of committed.bin")),
		StartedAt:      time.Now().Add(-time.Minute),
	}))
	seed := func(key string, state checkpoint.State, attempts int) {
		require.NoError(t, f.store.SeedRecord(&checkpoint.TransferRecord{
			RunID: runID, Key: key, Size: int64(len("content of " + key)), State: checkpoint.StatePending,
		}))
		if state != checkpoint.StatePending {
			rec, err := f.store.GetRecord(runID, key)
			require.NoError(t, err)
			rec.State = state
			rec.Attempts = attempts
			require.NoError(t, f.store.Transition(rec, checkpoint.StatePending))
		}
	}
	seed("committed.bin", checkpoint.StateCommitted, 1)
	seed("interrupted.bin", checkpoint.StateInProgress, 1)
	seed("untouched.bin", checkpoint.StatePending, 0)
	seed("gaveup.bin", checkpoint.StateFailedRetryable, 3)

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), report.Committed)
	assert.Zero(t, report.Pending)
	assert.Zero(t, report.FailedRetryable)

	assert.Zero(t, f.src.ReadCount("committed.bin"), "committed work is never re-read on resume")
	assert.Equal(t, []byte("content of interrupted.bin"), f.dst.Content("interrupted.bin"))
	assert.Equal(t, []byte("content of untouched.bin"), f.dst.Content("untouched.bin"))
	assert.Equal(t, []byte("content of gaveup.bin"), f.dst.Content("gaveup.bin"))

	rec, err := f.store.GetRecord(runID, "gaveup.bin")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateCommitted, rec.State)
	assert.Equal(t, 1, rec.Attempts, "retryable failures restart with a fresh budget")
}

func TestRun_PrefixFilter(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Migration.Prefix = "logs/"
	})
	f.seedSource("logs/a.bin", "logs/b.bin", "data/c.bin")

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.TotalArtifacts)
	assert.Equal(t, int64(2), report.Committed)
	assert.Nil(t, f.dst.Content("data/c.bin"))
}

func TestRun_SingleArtifact(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Migration.Artifact = "data/c.bin"
	})
	f.seedSource("logs/a.bin", "data/c.bin")

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.TotalArtifacts)
	assert.Equal(t, int64(1), report.Committed)
	assert.Equal(t, []byte("content of data/c.bin"), f.dst.Content("data/c.bin"))
	assert.Nil(t, f.dst.Content("logs/a.bin"))
}

func TestRun_DryRunTransfersNothing(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Migration.DryRun = true
	})
	f.seedSource("a.bin", "b.bin")

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.TotalArtifacts)
	assert.Zero(t, report.Committed)
	assert.Equal(t, RunCompleted, f.ctrl.Status().State)
	assert.Zero(t, f.dst.WriteCount("a.bin"))
	assert.Zero(t, f.dst.WriteCount("b.bin"))

	run, err := f.store.GetRun(f.ctrl.RunID())
	require.NoError(t, err)
	assert.Nil(t, run, "a dry run leaves no durable trace")
}

func TestRun_RerunCompletedRunIsIdempotent(t *testing.T) {
	const runID = "repeat-run"
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Migration.RunID = runID
	})
	f.seedSource("a.bin", "b.bin")

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), report.Committed)

	// a fresh controller over the same checkpoint finds nothing to do
	ctrl2 := NewWithCollaborators(f.cfg, zap.NewNop(), f.src, f.dst, f.store)
	report, err = ctrl2.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.Committed)
	assert.Equal(t, 1, f.src.ReadCount("a.bin"), "committed artifacts are not transferred again")
	assert.Equal(t, 1, f.dst.WriteCount("a.bin"))
}

func TestRun_GuardsLifecycleStates(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource("a.bin")

	assert.Equal(t, RunCreated, f.ctrl.Status().State)

	err := f.ctrl.Pause()
	assert.ErrorContains(t, err, "cannot pause run in state")

	_, err = f.ctrl.Resume(context.Background())
	assert.ErrorContains(t, err, "cannot resume run in state")

	_, err = f.ctrl.Run(context.Background())
	require.NoError(t, err)

	_, err = f.ctrl.Run(context.Background())
	assert.ErrorContains(t, err, "cannot run in state")
}

func TestRun_AutoStrategySelectsBySnapshotSize(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Migration.Strategy = "auto"
	})
	f.seedSource("tiny.bin")

	report, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "small", report.Strategy, "a sub-threshold payload resolves to the small preset")
	assert.Equal(t, "small", f.ctrl.Status().Strategy)

	run, err := f.store.GetRun(f.ctrl.RunID())
	require.NoError(t, err)
	assert.Equal(t, "small", run.Strategy, "the resolved strategy is persisted for resume")
}
