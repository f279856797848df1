package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldstate/internal/eventlog"
	"worldstate/internal/reducer"
	"worldstate/internal/snapshot"
	"worldstate/internal/store"
)

type recordingSink struct {
	deltas    []reducer.Delta
	deletions []reducer.Deletion
}

func (r *recordingSink) PublishDeltas(d []reducer.Delta)  { r.deltas = append(r.deltas, d...) }
func (r *recordingSink) PublishDeletion(d reducer.Deletion) { r.deletions = append(r.deletions, d) }

func appendEvents(t *testing.T, log *eventlog.Log, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, log.EnsureStream(StreamName))
	for i := 1; i <= n; i++ {
		payload, err := json.Marshal(map[string]any{
			"entity_id":  "ns/e1",
			"properties": map[string]any{"x": i},
		})
		require.NoError(t, err)
		_, err = log.Append(ctx, StreamName, "state.update", payload)
		require.NoError(t, err)
	}
}

func TestRunReplaysFromZeroWithoutSnapshot(t *testing.T) {
	logDir, snapDir := t.TempDir(), t.TempDir()
	log, err := eventlog.Open(logDir, nil)
	require.NoError(t, err)
	defer log.Close()
	appendEvents(t, log, 5)

	st := store.New()
	sink := &recordingSink{}
	red := reducer.New(st, sink, nil)

	result, consumer, err := Run(context.Background(), log, st, red, snapDir, nil)
	require.NoError(t, err)
	require.NotNil(t, consumer)
	assert.False(t, result.LoadedSnapshot)
	assert.Equal(t, uint64(5), result.ReplayedRecords)
	assert.Equal(t, uint64(5), result.FinalWatermark)

	e, ok := st.Get("ns/e1")
	require.True(t, ok)
	assert.Equal(t, `5`, string(e.Properties["x"]))
}

// TestRunFromSnapshotPlusReplayMatchesFullReplay verifies the snapshot+replay
// path reaches the same store state as a full replay from 0, given the same
// event history (spec.md §8).
func TestRunFromSnapshotPlusReplayMatchesFullReplay(t *testing.T) {
	logDir := t.TempDir()
	log, err := eventlog.Open(logDir, nil)
	require.NoError(t, err)
	defer log.Close()
	appendEvents(t, log, 5)

	// Full replay baseline.
	baselineStore := store.New()
	baselineRed := reducer.New(baselineStore, &recordingSink{}, nil)
	_, _, err = Run(context.Background(), log, baselineStore, baselineRed, t.TempDir(), nil)
	require.NoError(t, err)

	// Snapshot-then-replay: snapshot taken after 3 events, then 2 more
	// appended, recovery should land on the same state as the baseline.
	snapStore := store.New()
	snapRed := reducer.New(snapStore, &recordingSink{}, nil)
	replayLog, err := eventlog.Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer replayLog.Close()
	appendEvents(t, replayLog, 3)

	snapDir := t.TempDir()
	snapper, err := snapshot.New(snapDir, time.Hour, 5, snapStore, snapRed.Watermark, nil)
	require.NoError(t, err)
	_, _, err = Run(context.Background(), replayLog, snapStore, snapRed, snapDir, nil)
	require.NoError(t, err)
	_, err = snapper.TakeSnapshot()
	require.NoError(t, err)

	appendEvents2(t, replayLog, 4, 5)

	finalStore := store.New()
	finalRed := reducer.New(finalStore, &recordingSink{}, nil)
	result, _, err := Run(context.Background(), replayLog, finalStore, finalRed, snapDir, nil)
	require.NoError(t, err)
	assert.True(t, result.LoadedSnapshot)

	baselineEntity, _ := baselineStore.Get("ns/e1")
	finalEntity, ok := finalStore.Get("ns/e1")
	require.True(t, ok)
	assert.Equal(t, baselineEntity.Properties["x"], finalEntity.Properties["x"])
}

func appendEvents2(t *testing.T, log *eventlog.Log, from, to int) {
	t.Helper()
	ctx := context.Background()
	for i := from; i <= to; i++ {
		payload, err := json.Marshal(map[string]any{
			"entity_id":  "ns/e1",
			"properties": map[string]any{"x": i},
		})
		require.NoError(t, err)
		_, err = log.Append(ctx, StreamName, "state.update", payload)
		require.NoError(t, err)
	}
}

func TestRunLiveContinuesFromRecoveryConsumer(t *testing.T) {
	logDir, snapDir := t.TempDir(), t.TempDir()
	log, err := eventlog.Open(logDir, nil)
	require.NoError(t, err)
	defer log.Close()
	appendEvents(t, log, 2)

	st := store.New()
	red := reducer.New(st, &recordingSink{}, nil)
	result, consumer, err := Run(context.Background(), log, st, red, snapDir, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.ReplayedRecords)

	ctx, cancel := context.WithCancel(context.Background())
	liveErr := make(chan error, 1)
	go func() { liveErr <- RunLive(ctx, consumer, red, nil) }()

	appendEvents2(t, log, 3, 3)

	require.Eventually(t, func() bool {
		return red.Watermark() == 3
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-liveErr)
}
