package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"objmover/internal/checkpoint"
)

func TestBuildReport_ThroughputCountsCommittedBytesOnly(t *testing.T) {
	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	seed := func(key string, size int64, state checkpoint.State) {
		require.NoError(t, store.SeedRecord(&checkpoint.TransferRecord{
			RunID: "run-1",
			Key:   key,
			Size:  size,
			State: checkpoint.StatePending,
		}))
		if state != checkpoint.StatePending {
			rec, err := store.GetRecord("run-1", key)
			require.NoError(t, err)
			rec.State = state
			require.NoError(t, store.Transition(rec, checkpoint.StatePending))
		}
	}
	seed("a.bin", 100, checkpoint.StateCommitted)
	seed("b.bin", 50, checkpoint.StateCommitted)
	seed("huge.bin", 10_000, checkpoint.StateFailedFatal)
	seed("waiting.bin", 5_000, checkpoint.StatePending)

	report, err := buildReport(store, "run-1", "small", 4, 15_150, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, int64(150), report.CommittedBytes)
	// bytes that never moved do not inflate throughput
	assert.InDelta(t, 15.0, report.BytesPerSecond, 0.001)
	assert.Equal(t, int64(15_150), report.TotalBytes)
	assert.Equal(t, int64(2), report.Committed)
	assert.Equal(t, int64(1), report.FailedFatal)
	assert.Equal(t, int64(1), report.Pending)
}
