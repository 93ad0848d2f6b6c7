package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "lanebridge/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.stats.jsonl  (append-only JSON Lines)
//   - <prefix>.faults.jsonl (append-only JSON Lines)
//
// A log is compacted to its newest MaxRows lines once it grows past twice that.
type fileStore struct {
	log     logx.Logger
	maxRows int

	mu     sync.Mutex
	stats  *jsonlLog
	faults *jsonlLog
}

// jsonlLog is one append-only JSON Lines file.
type jsonlLog struct {
	path  string
	f     *os.File
	lines int
}

func openJSONL(path string) (*jsonlLog, error) {
	lines, err := countLines(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &jsonlLog{path: path, f: f, lines: lines}, nil
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	stats, err := openJSONL(prefix + ".stats.jsonl")
	if err != nil {
		return nil, err
	}
	faults, err := openJSONL(prefix + ".faults.jsonl")
	if err != nil {
		_ = stats.f.Close()
		return nil, err
	}

	return &fileStore{log: log, maxRows: cfg.maxRows(), stats: stats, faults: faults}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, l := range []*jsonlLog{s.stats, s.faults} {
		if l != nil && l.f != nil {
			errs = append(errs, l.f.Close())
			l.f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendStats(ctx context.Context, r StatsRecord) error {
	return s.append(ctx, s.stats, r)
}

func (s *fileStore) AppendFault(ctx context.Context, r FaultRecord) error {
	return s.append(ctx, s.faults, r)
}

func (s *fileStore) append(ctx context.Context, l *jsonlLog, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.f == nil {
		return errors.New("store closed")
	}
	if err := json.NewEncoder(l.f).Encode(v); err != nil {
		return err
	}
	l.lines++
	if l.lines > 2*s.maxRows {
		// Best-effort; a failed compaction leaves the log intact.
		if err := s.compactLocked(l); err != nil {
			s.log.Debug("storage compact failed", logx.String("path", l.path), logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentStats(ctx context.Context, limit int) ([]StatsRecord, error) {
	return recent[StatsRecord](ctx, &s.mu, s.stats, limit)
}

func (s *fileStore) RecentFaults(ctx context.Context, limit int) ([]FaultRecord, error) {
	return recent[FaultRecord](ctx, &s.mu, s.faults, limit)
}

// recent decodes the last limit records of l, newest first. Corrupt lines are skipped.
func recent[T any](ctx context.Context, mu *sync.Mutex, l *jsonlLog, limit int) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	mu.Lock()
	defer mu.Unlock()
	if l.f == nil {
		return nil, errors.New("store closed")
	}

	lines, err := tailLines(l.path, limit)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		var v T
		if err := json.Unmarshal(lines[i], &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// compactLocked rewrites l keeping its newest maxRows lines.
func (s *fileStore) compactLocked(l *jsonlLog) error {
	keep, err := tailLines(l.path, s.maxRows)
	if err != nil {
		return err
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range keep {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = l.f.Close()
	l.f = nf
	l.lines = len(keep)
	return nil
}

// tailLines returns the last n non-empty lines of path in file order.
func tailLines(path string, n int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([][]byte, n)
	total := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		ring[total%n] = append([]byte(nil), b...)
		total++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if total <= n {
		return ring[:total], nil
	}
	start := total % n
	return append(ring[start:], ring[:start]...), nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}
