package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "lanebridge/pkg/logx"
)

func openTestStore(t *testing.T, driver string, maxRows int) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "lanebridge.db")
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second, MaxRows: maxRows}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func statsAt(i int) StatsRecord {
	return StatsRecord{
		At:         time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC),
		RunID:      "run-1",
		Workers:    2,
		EWMAMicros: float64(i) + 0.5,
		Lanes: []LaneRecord{
			{Lane: "high", Enqueued: uint64(i), Executed: uint64(i)},
			{Lane: "io", Enqueued: 1, Pending: 1},
		},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Logger{})
		assert.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver, 0)

			for i := 1; i <= 3; i++ {
				require.NoError(t, st.AppendStats(ctx, statsAt(i)))
			}
			got, err := st.RecentStats(ctx, 2)
			require.NoError(t, err)
			want := []StatsRecord{statsAt(3), statsAt(2)}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("RecentStats mismatch (-want +got):\n%s", diff)
			}

			f := FaultRecord{
				At:     time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC),
				RunID:  "run-1",
				Lane:   "normal",
				Worker: 1,
				Error:  "task panicked: boom",
				Panic:  true,
			}
			require.NoError(t, st.AppendFault(ctx, f))
			faults, err := st.RecentFaults(ctx, 10)
			require.NoError(t, err)
			require.Len(t, faults, 1)
			assert.Equal(t, f, faults[0])

			none, err := st.RecentStats(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, "file", 3)
	for i := 1; i <= 10; i++ {
		require.NoError(t, st.AppendStats(ctx, statsAt(i)))
	}
	got, err := st.RecentStats(ctx, 100)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, 10.5, got[0].EWMAMicros)
	assert.Equal(t, 5.5, got[5].EWMAMicros)
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "hist.jsonl")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hist.stats.jsonl"), []byte("{not json\n\n"), 0o600))

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.AppendStats(context.Background(), statsAt(1)))
	got, err := st.RecentStats(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].RunID)
}

func TestFileStoreReopenKeepsHistory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "hist.jsonl")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendStats(context.Background(), statsAt(1)))
	require.NoError(t, st.Close())
	assert.Error(t, st.AppendStats(context.Background(), statsAt(2)))

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.RecentStats(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLitePrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, "sqlite", 3).(*sqliteStore)
	for i := 1; i <= 5; i++ {
		require.NoError(t, st.AppendStats(ctx, statsAt(i)))
	}
	require.NoError(t, st.prune(ctx))

	got, err := st.RecentStats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 5.5, got[0].EWMAMicros)
	assert.Equal(t, 3.5, got[2].EWMAMicros)
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, "file", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, st.AppendFault(ctx, FaultRecord{Lane: "low"}), context.Canceled)
}
