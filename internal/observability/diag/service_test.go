package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanebridge/internal/lane/engine"
	logx "lanebridge/pkg/logx"
)

type fakeSource struct {
	running bool
	stats   engine.Stats
}

func (f *fakeSource) Stats() engine.Stats { return f.stats }
func (f *fakeSource) IsRunning() bool     { return f.running }

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzFollowsEngine(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	s := New(Config{}, src, logx.Nop())
	h := s.handler(Config{})

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)
	src.running = true
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	src := &fakeSource{running: true}
	src.stats.Workers = 3
	src.stats.Lanes[engine.LaneIO].Executed = 7
	s := New(Config{}, src, logx.Nop())

	rec := get(t, s.handler(Config{}), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc struct {
		Workers  int               `json:"workers"`
		Executed map[string]uint64 `json:"executed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 3, doc.Workers)
	assert.Equal(t, uint64(7), doc.Executed["io"])
}

func TestStatusSections(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSource{running: true}, logx.Nop())
	s.AddStatus("reporter", func() any { return map[string]string{"spec": "@every 30s"} })

	rec := get(t, s.handler(Config{}), "/status")
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc, "engine")
	assert.Contains(t, doc, "goroutines")
	assert.JSONEq(t, `{"spec":"@every 30s"}`, string(doc["reporter"]))
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	cfg := Config{Token: "s3cret"}
	h := New(cfg, &fakeSource{running: true}, logx.Nop()).handler(cfg)

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "Authorization", "Basic s3cret").Code)
}

func TestPprofUnderCustomPrefix(t *testing.T) {
	t.Parallel()
	cfg := Config{Prefix: "dbg"}
	h := New(cfg, nil, logx.Nop()).handler(cfg)

	rec := get(t, h, "/dbg/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")

	rec = get(t, h, "/dbg")
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "/dbg/", rec.Header().Get("Location"))
}

func TestNormalizePrefixAndLoopback(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
	assert.Equal(t, "/x/", normalizePrefix("/x/"))

	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("[::1]:6060"))
	assert.True(t, isLoopbackAddr("localhost:0"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
	assert.False(t, isLoopbackAddr("nonsense"))
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	a := Config{Enabled: true, Addr: "127.0.0.1:1"}
	b := a
	b.BlockProfileRate = 5
	assert.False(t, needsRestart(a, b))
	b.Prefix = "/other"
	assert.True(t, needsRestart(a, b))
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSource{running: true}, logx.Nop())
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Nil(t, s.Addr())
	assert.Nil(t, s.Supervisor())
}
