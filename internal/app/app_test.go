package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanebridge/internal/config"
	"lanebridge/internal/ipc"
	"lanebridge/internal/lane/engine"
	"lanebridge/internal/storage"
	logx "lanebridge/pkg/logx"
)

func boolPtr(v bool) *bool { return &v }

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   config.EngineConfig
		want engine.Config
	}{
		{
			name: "defaults",
			in:   config.EngineConfig{},
			want: engine.Config{WeightHigh: 8, WeightNormal: 4, WeightLow: 1, WeightIO: 2, DrainOnStop: true},
		},
		{
			name: "explicit weights pass through",
			in: config.EngineConfig{
				Workers: 3,
				Weights: config.LaneWeights{High: 5, Normal: 0, Low: 2, IO: 1},
			},
			want: engine.Config{Workers: 3, WeightHigh: 5, WeightNormal: 0, WeightLow: 2, WeightIO: 1, DrainOnStop: true},
		},
		{
			name: "drain off",
			in:   config.EngineConfig{DrainOnStop: boolPtr(false)},
			want: engine.Config{WeightHigh: 8, WeightNormal: 4, WeightLow: 1, WeightIO: 2},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tt.want, mapEngineConfig(tt.in)); diff != "" {
				t.Errorf("mapEngineConfig mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFaultLogRate(t *testing.T) {
	t.Parallel()
	perSec, burst := faultLogRate(config.EngineConfig{})
	assert.Equal(t, float64(defaultFaultLogPerSec), perSec)
	assert.Equal(t, defaultFaultLogPerSec, burst)

	perSec, burst = faultLogRate(config.EngineConfig{FaultLogPerSec: 0.5})
	assert.Equal(t, 0.5, perSec)
	assert.Equal(t, 1, burst)

	perSec, _ = faultLogRate(config.EngineConfig{FaultLogPerSec: -1})
	assert.Zero(t, perSec)
}

func TestMapIPCConfig(t *testing.T) {
	t.Parallel()
	s, err := mapIPCConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, s.Enabled)

	s, err = mapIPCConfig(&config.Config{IPC: &config.IPCConfig{Enabled: true, Network: " TCP ", Addr: "127.0.0.1:0"}})
	require.NoError(t, err)
	assert.Equal(t, ipcSettings{
		Enabled: true,
		Server:  ipc.ServerConfig{Network: "tcp", Addr: "127.0.0.1:0"},
		Timeout: ipc.DefaultRequestTimeout,
	}, s)

	_, err = mapIPCConfig(&config.Config{IPC: &config.IPCConfig{Enabled: true}})
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	_, on, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	assert.False(t, on)

	sc, on, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: time.Second}, sc)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)
	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}})
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	ok := &config.Config{Reporter: &config.ReporterConfig{Enabled: true, Spec: "*/5 * * * *"}}
	assert.NoError(t, validateConfig(context.Background(), ok))

	bad := &config.Config{Reporter: &config.ReporterConfig{Enabled: true, Spec: "cron: not a cron"}}
	assert.Error(t, validateConfig(context.Background(), bad))

	bad = &config.Config{Engine: config.EngineConfig{Workers: -1}}
	assert.Error(t, validateConfig(context.Background(), bad))
}

type notifyLog struct {
	mu     sync.Mutex
	states []string
}

func (n *notifyLog) send(state string) {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
}

func (n *notifyLog) get() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

const appYAML = `
logging:
  level: error
engine:
  workers: 2
ipc:
  enabled: true
  network: tcp
  addr: 127.0.0.1:0
storage:
  driver: file
  path: %s
`

func newTestApp(t *testing.T, body string) (*App, *notifyLog, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, body)

	n := &notifyLog{}
	a, err := New(path, WithVersion("test"), WithNotifier(n.send))
	require.NoError(t, err)
	a.cfgm.SetDebounce(20 * time.Millisecond)

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, n, path
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "engine:\n  workers: -2\n")
	_, err := New(path)
	assert.Error(t, err)

	writeConfig(t, path, "engine:\n  bogus: 1\n")
	_, err = New(path)
	assert.Error(t, err)
}

func TestAppServesOpsAndRecordsFaults(t *testing.T) {
	t.Parallel()
	prefix := filepath.Join(t.TempDir(), "history")
	a, n, _ := newTestApp(t, fmt.Sprintf(appYAML, prefix))

	addr := a.IPCAddr()
	require.NotNil(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := ipc.Dial(ctx, "tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(ctx, "ping", map[string]string{"lane": "low"})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "low", resp.Lane)

	resp, err = c.Call(ctx, "engine.status", nil)
	require.NoError(t, err)
	var st ipc.EngineStatus
	require.NoError(t, resp.Decode(&st))
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, "test", st.Version)

	require.True(t, a.Engine().Enqueue(engine.LaneNormal, func() error { return errors.New("boom") }))

	var faults []storage.FaultRecord
	require.Eventually(t, func() bool {
		resp, err := c.Call(ctx, "faults.recent", map[string]int{"limit": 5})
		if err != nil || !resp.OK {
			return false
		}
		faults = nil
		return resp.Decode(&faults) == nil && len(faults) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "normal", faults[0].Lane)
	assert.Equal(t, "boom", faults[0].Error)
	assert.False(t, faults[0].Panic)

	resp, err = c.Call(ctx, "reporter.status", nil)
	require.NoError(t, err)
	assert.True(t, resp.OK, resp.Error)

	assert.Equal(t, []string{daemon.SdNotifyReady}, n.get())
}

func TestAppStopNotifiesAndDrains(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "logging:\n  level: error\nengine:\n  workers: 1\n")

	n := &notifyLog{}
	a, err := New(path, WithNotifier(n.send))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 50; i++ {
		require.True(t, a.Engine().Enqueue(engine.LaneLow, func() error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))

	mu.Lock()
	assert.Equal(t, 50, ran)
	mu.Unlock()
	assert.False(t, a.Engine().IsRunning())
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, n.get())
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestAppReloadsEngineConfig(t *testing.T) {
	t.Parallel()
	prefix := filepath.Join(t.TempDir(), "history")
	a, _, path := newTestApp(t, fmt.Sprintf(appYAML, prefix))
	runBefore := a.Engine().Stats().RunID

	updated := fmt.Sprintf(`
logging:
  level: error
engine:
  workers: 3
  weights: {high: 5, normal: 3, low: 2, io: 1}
ipc:
  enabled: true
  network: tcp
  addr: 127.0.0.1:0
storage:
  driver: file
  path: %s
`, prefix)

	require.Eventually(t, func() bool {
		// Rewrite until the watcher is up; identical content is not republished.
		writeConfig(t, path, updated)
		cfg := a.Engine().Config()
		return cfg.WeightHigh == 5 && a.Engine().IsRunning() && a.Engine().WorkerCount() == 3
	}, 5*time.Second, 50*time.Millisecond)

	cfg := a.Engine().Config()
	assert.Equal(t, engine.Config{Workers: 3, WeightHigh: 5, WeightNormal: 3, WeightLow: 2, WeightIO: 1, DrainOnStop: true}, cfg)
	assert.NotEqual(t, runBefore, a.Engine().Stats().RunID)
	// unchanged ipc settings keep the same listener
	assert.NotNil(t, a.IPCAddr())
}

func TestApplyEngineLeavesEngineStoppedAfterShutdown(t *testing.T) {
	t.Parallel()
	cfg := engine.DefaultConfig()
	cfg.Workers = 1
	eng := engine.New(cfg)
	eng.Start()
	t.Cleanup(eng.Stop)
	a := &App{engine: eng, log: logx.Nop()}

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, eng.Enqueue(engine.LaneHigh, func() error {
		close(started)
		<-release
		return nil
	}))
	<-started

	ec := config.EngineConfig{Workers: 1, Weights: config.LaneWeights{High: 5, Normal: 3, Low: 2, IO: 1}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.applyEngine(ctx, ec)
		close(done)
	}()

	// the reload is draining the old run when shutdown begins
	require.Eventually(t, func() bool { return !eng.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("applyEngine did not return")
	}

	assert.False(t, eng.IsRunning())
	assert.Equal(t, mapEngineConfig(ec), eng.Config())

	// a reload that arrives after shutdown began is ignored
	a.applyEngine(ctx, config.EngineConfig{Workers: 2})
	assert.False(t, eng.IsRunning())
	assert.Equal(t, 1, eng.Config().Workers)
}
