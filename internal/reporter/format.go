package reporter

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"lanebridge/internal/lane/engine"
	"lanebridge/internal/storage"
)

// FormatStats renders a one-line human summary, e.g.
//
//	executed=1,204 pending=3 faulted=2 ewma=1.2ms | high 800/1 normal 300/2 low 4/0 io 100/0
//
// Each lane shows executed/pending.
func FormatStats(st engine.Stats) string {
	var b strings.Builder
	var faulted uint64
	for _, l := range engine.Lanes() {
		faulted += st.Lane(l).Faulted
	}
	fmt.Fprintf(&b, "executed=%s pending=%s faulted=%s ewma=%s |",
		humanize.Comma(int64(st.TotalExecuted())),
		humanize.Comma(int64(st.TotalPending())),
		humanize.Comma(int64(faulted)),
		ewma(st.EWMAMicros),
	)
	for _, l := range engine.Lanes() {
		ls := st.Lane(l)
		fmt.Fprintf(&b, " %s %s/%s", strings.ToLower(l.String()),
			humanize.Comma(int64(ls.Executed)), humanize.Comma(int64(ls.Pending)))
	}
	return b.String()
}

func ewma(usec float64) string {
	return time.Duration(usec * float64(time.Microsecond)).Round(time.Microsecond).String()
}

// Rate renders the executed-task throughput between two snapshots, e.g. "1,520.5 tasks/s".
func Rate(prev, cur engine.Stats, elapsed time.Duration) string {
	if elapsed <= 0 || cur.TotalExecuted() < prev.TotalExecuted() {
		return "n/a"
	}
	perSec := float64(cur.TotalExecuted()-prev.TotalExecuted()) / elapsed.Seconds()
	return humanize.CommafWithDigits(perSec, 1) + " tasks/s"
}

// Record converts a stats snapshot to its persisted form.
func Record(st engine.Stats, at time.Time) storage.StatsRecord {
	r := storage.StatsRecord{
		At:         at,
		RunID:      st.RunID,
		Workers:    st.Workers,
		EWMAMicros: st.EWMAMicros,
		Lanes:      make([]storage.LaneRecord, 0, engine.NumLanes),
	}
	for _, l := range engine.Lanes() {
		ls := st.Lane(l)
		r.Lanes = append(r.Lanes, storage.LaneRecord{
			Lane:     strings.ToLower(l.String()),
			Enqueued: ls.Enqueued,
			Executed: ls.Executed,
			Faulted:  ls.Faulted,
			Pending:  ls.Pending,
		})
	}
	return r
}
