package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneNames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		lane Lane
		name string
	}{
		{LaneHigh, "High"},
		{LaneNormal, "Normal"},
		{LaneLow, "Low"},
		{LaneIO, "IO"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, LaneName(tt.lane))
		got, err := ParseLane(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.lane, got)
	}
	assert.Equal(t, "Lane(7)", Lane(7).String())
	assert.False(t, Lane(NumLanes).Valid())

	_, err := ParseLane("urgent")
	assert.Error(t, err)
}

func TestLaneJSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(map[string]Lane{"lane": LaneIO})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lane":"io"}`, string(b))

	var v struct{ Lane Lane }
	require.NoError(t, json.Unmarshal([]byte(`{"Lane":"LOW"}`), &v))
	assert.Equal(t, LaneLow, v.Lane)
	assert.Error(t, json.Unmarshal([]byte(`{"Lane":"nope"}`), &v))
}

func TestStatsJSONShape(t *testing.T) {
	t.Parallel()
	var st Stats
	st.Workers = 2
	st.Running = true
	st.Lanes[LaneHigh] = LaneStats{Enqueued: 5, Executed: 4, Faulted: 1, Pending: 1}
	st.Lanes[LaneIO] = LaneStats{Enqueued: 2, Executed: 2}
	st.EWMAMicros = 12.5

	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"running": true,
		"workers": 2,
		"executed": {"high": 4, "normal": 0, "low": 0, "io": 2},
		"enqueued": {"high": 5, "normal": 0, "low": 0, "io": 2},
		"pending":  {"high": 1, "normal": 0, "low": 0, "io": 0},
		"inflight": {"high": 0, "normal": 0, "low": 0, "io": 0},
		"faulted":  {"high": 1, "normal": 0, "low": 0, "io": 0},
		"ewma_usec": 12.5
	}`, string(b))
}

func TestStatsJSONRoundTrip(t *testing.T) {
	t.Parallel()
	st := Stats{RunID: "r1", Running: true, Workers: 3, EWMAMicros: 7}
	st.Lanes[LaneNormal] = LaneStats{Enqueued: 9, Executed: 6, Faulted: 2, Pending: 2, InFlight: 1}

	b, err := json.Marshal(st)
	require.NoError(t, err)
	var got Stats
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, st, got)
}
