package reporter

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanebridge/internal/lane/engine"
	"lanebridge/internal/storage"
	logx "lanebridge/pkg/logx"
)

func TestNormalizeSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: DefaultSpec},
		{in: "@every 10s", want: "@every 10s"},
		{in: "*/5 * * * *", want: "*/5 * * * *"},
		{in: "cron: 0 * * * *", want: "0 * * * *"},
		{in: "45s", want: "@every 45s"},
		{in: "every:2m", want: "@every 2m0s"},
		{in: "00:05", want: "@every 5m0s"},
		{in: "01:75", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeSpec(tt.in)
		if tt.wantErr {
			assert.Errorf(t, err, "input %q", tt.in)
			continue
		}
		require.NoErrorf(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, logx.Nop())
	assert.NoError(t, s.Validate(Config{Spec: "@hourly", Timezone: "UTC"}))
	assert.Error(t, s.Validate(Config{Spec: "61 * * * *"}))
	assert.Error(t, s.Validate(Config{Timezone: "Mars/Olympus"}))
}

func sampleStats() engine.Stats {
	var st engine.Stats
	st.RunID = "r1"
	st.Workers = 2
	st.EWMAMicros = 1500
	st.Lanes[engine.LaneHigh] = engine.LaneStats{Enqueued: 1300, Executed: 1204, Pending: 96}
	st.Lanes[engine.LaneLow] = engine.LaneStats{Enqueued: 3, Executed: 2, Faulted: 2, Pending: 1}
	return st
}

func TestFormatStats(t *testing.T) {
	t.Parallel()
	got := FormatStats(sampleStats())
	assert.Equal(t, "executed=1,206 pending=97 faulted=2 ewma=1.5ms | high 1,204/96 normal 0/0 low 2/1 io 0/0", got)
}

func TestRate(t *testing.T) {
	t.Parallel()
	prev := sampleStats()
	cur := sampleStats()
	cur.Lanes[engine.LaneHigh].Executed += 3000
	assert.Equal(t, "1,500 tasks/s", Rate(prev, cur, 2*time.Second))
	assert.Equal(t, "n/a", Rate(cur, prev, time.Second))
	assert.Equal(t, "n/a", Rate(prev, cur, 0))
}

func TestRecord(t *testing.T) {
	t.Parallel()
	at := time.Unix(1700000000, 0)
	r := Record(sampleStats(), at)
	assert.Equal(t, at, r.At)
	assert.Equal(t, "r1", r.RunID)
	require.Len(t, r.Lanes, engine.NumLanes)
	assert.Equal(t, storage.LaneRecord{Lane: "low", Enqueued: 3, Executed: 2, Faulted: 2, Pending: 1}, r.Lanes[2])
}

func newRunningEngine(t *testing.T) *engine.Service {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Workers = 1
	e := engine.New(cfg)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func TestTriggerRunsOnIOLaneAndStores(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t)
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "hist.jsonl")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	r := New(Config{}, eng, st, logx.Nop())
	require.True(t, r.Trigger())
	eng.Flush()
	require.Eventually(t, func() bool { return eng.Stats().Lane(engine.LaneIO).Executed == 1 }, 2*time.Second, 5*time.Millisecond)

	recs, err := st.RecentStats(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, eng.Stats().RunID, recs[0].RunID)
	assert.Equal(t, uint64(1), r.Status().Snapshots)
}

// holdEngine queues tasks without running them.
type holdEngine struct {
	mu      sync.Mutex
	tasks   []engine.Task
	lanes   []engine.Lane
	running bool
}

func (h *holdEngine) Enqueue(l engine.Lane, t engine.Task) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return false
	}
	h.tasks = append(h.tasks, t)
	h.lanes = append(h.lanes, l)
	return true
}

func (h *holdEngine) Stats() engine.Stats { return sampleStats() }

func (h *holdEngine) runAll() error {
	h.mu.Lock()
	tasks := h.tasks
	h.tasks = nil
	h.mu.Unlock()
	var errs []error
	for _, t := range tasks {
		errs = append(errs, t())
	}
	return errors.Join(errs...)
}

func TestTriggerSkipsWhileQueued(t *testing.T) {
	t.Parallel()
	h := &holdEngine{running: true}
	r := New(Config{}, h, nil, logx.Nop())

	assert.True(t, r.Trigger())
	assert.False(t, r.Trigger())
	assert.Equal(t, []engine.Lane{engine.LaneIO}, h.lanes)

	require.NoError(t, h.runAll())
	assert.True(t, r.Trigger())

	st := r.Status()
	assert.Equal(t, uint64(1), st.Skipped)
	assert.Equal(t, uint64(1), st.Snapshots)
}

func TestTriggerRecoversAfterDroppedSnapshot(t *testing.T) {
	t.Parallel()
	cfg := engine.DefaultConfig()
	cfg.Workers = 1
	cfg.DrainOnStop = false
	eng := engine.New(cfg)
	eng.Start()
	t.Cleanup(eng.Stop)

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, eng.Enqueue(engine.LaneHigh, func() error {
		close(started)
		<-release
		return nil
	}))
	<-started

	r := New(Config{}, eng, nil, logx.Nop())
	require.True(t, r.Trigger())
	firstRun := eng.Stats().RunID

	stopped := make(chan struct{})
	go func() {
		eng.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return !eng.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	close(release)
	<-stopped

	eng.Start()
	require.NotEqual(t, firstRun, eng.Stats().RunID)
	assert.True(t, r.Trigger(), "a snapshot dropped by the stop does not block the next run")
	eng.Flush()
	require.Eventually(t, func() bool { return r.Status().Snapshots == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Status().Skipped)
}

func TestTriggerRejectedWhenEngineStopped(t *testing.T) {
	t.Parallel()
	h := &holdEngine{}
	r := New(Config{}, h, nil, logx.Nop())
	assert.False(t, r.Trigger())
	h.running = true
	assert.True(t, r.Trigger(), "a rejected trigger does not leave the reporter stuck")
	assert.Equal(t, uint64(1), r.Status().Rejected)
}

type failingStore struct{ storage.Store }

func (failingStore) AppendStats(context.Context, storage.StatsRecord) error {
	return errors.New("disk full")
}

func TestSnapshotStoreErrorFaultsTask(t *testing.T) {
	t.Parallel()
	h := &holdEngine{running: true}
	r := New(Config{}, h, failingStore{}, logx.Nop())
	require.True(t, r.Trigger())
	err := h.runAll()
	assert.ErrorContains(t, err, "disk full")
	assert.True(t, r.Trigger())
}

func TestSnapshotLogsSummary(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := &holdEngine{running: true}
	r := New(Config{}, h, nil, logx.NewJSON(&buf, "info"))
	_, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	_, err = r.Snapshot(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, `"lane stats"`))
	assert.Contains(t, out, "executed=1,206")
	assert.Contains(t, out, `"rate":"0 tasks/s"`)
}

func TestStartStopAndApply(t *testing.T) {
	t.Parallel()
	eng := newRunningEngine(t)
	r := New(Config{Spec: "@every 1s", Timezone: "UTC"}, eng, nil, logx.Nop())
	require.NoError(t, r.Start())
	require.NoError(t, r.Start())

	st := r.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "@every 1s", st.Spec)
	assert.False(t, st.Next.IsZero())

	require.Eventually(t, func() bool { return r.Status().Snapshots >= 1 }, 5*time.Second, 20*time.Millisecond)

	assert.Error(t, r.Apply(context.Background(), Config{Spec: "bogus spec here"}))
	assert.True(t, r.Status().Running, "invalid config keeps the old schedule")

	require.NoError(t, r.Apply(context.Background(), Config{Spec: "@every 2s"}))
	assert.Equal(t, "@every 2s", r.Status().Spec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Stop(ctx)
	assert.False(t, r.Status().Running)
}
