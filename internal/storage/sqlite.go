package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "lanebridge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db      *sql.DB
	log     logx.Logger
	maxRows int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRows: cfg.maxRows(), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendStats(ctx context.Context, r StatsRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	lanes, err := json.Marshal(r.Lanes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stats_snapshots(at, run_id, workers, ewma_usec, lanes) VALUES(?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), nullStr(r.RunID), r.Workers, r.EWMAMicros, string(lanes),
	)
	if err != nil {
		return err
	}
	s.maybePrune(ctx)
	return nil
}

func (s *sqliteStore) AppendFault(ctx context.Context, r FaultRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO faults(at, run_id, lane, worker, err, panic) VALUES(?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), nullStr(r.RunID), r.Lane, r.Worker, r.Error, boolInt(r.Panic),
	)
	if err != nil {
		return err
	}
	s.maybePrune(ctx)
	return nil
}

func (s *sqliteStore) RecentStats(ctx context.Context, limit int) ([]StatsRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run_id, workers, ewma_usec, lanes FROM stats_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatsRecord
	for rows.Next() {
		var (
			r     StatsRecord
			at    string
			runID sql.NullString
			lanes string
		)
		if err := rows.Scan(&at, &runID, &r.Workers, &r.EWMAMicros, &lanes); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.RunID = runID.String
		if err := json.Unmarshal([]byte(lanes), &r.Lanes); err != nil {
			s.log.Debug("stats snapshot lanes corrupt", logx.Err(err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentFaults(ctx context.Context, limit int) ([]FaultRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run_id, lane, worker, err, panic FROM faults ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FaultRecord
	for rows.Next() {
		var (
			r       FaultRecord
			at      string
			runID   sql.NullString
			isPanic int64
		)
		if err := rows.Scan(&at, &runID, &r.Lane, &r.Worker, &r.Error, &isPanic); err != nil {
			return nil, err
		}
		r.Panic = isPanic != 0
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.RunID = runID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// maybePrune trims both histories to maxRows every pruneEvery writes.
func (s *sqliteStore) maybePrune(ctx context.Context) {
	if s.pruneEvery == 0 || s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	if err := s.prune(ctx); err != nil {
		s.log.Debug("sqlite prune failed", logx.Err(err))
	}
}

func (s *sqliteStore) prune(ctx context.Context) error {
	for _, table := range []string{"stats_snapshots", "faults"} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE id <= (SELECT id FROM %s ORDER BY id DESC LIMIT 1 OFFSET ?)`, table, table)
		if _, err := s.db.ExecContext(ctx, q, s.maxRows); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
