package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "workerd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	limit int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
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

	st := &sqliteStore{db: db, log: log, limit: cfg.historySize()}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, worker, kind, trig, started_at, duration_ns, ok, detail, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Worker, r.Kind, string(r.Trigger), r.StartedAt.UnixNano(), int64(r.Duration),
		boolInt(r.OK), nullStr(r.Detail), nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE worker = ? AND rowid NOT IN (
		   SELECT rowid FROM runs WHERE worker = ? ORDER BY started_at DESC, rowid DESC LIMIT ?)`,
		r.Worker, r.Worker, s.limit,
	)
	if err != nil {
		s.log.Debug("run history prune failed", logx.Err(err), logx.String("worker", r.Worker))
	}
	return nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, worker string, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker, kind, trig, started_at, duration_ns, ok, detail, err
		 FROM runs WHERE worker = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		worker, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r           RunRecord
			trig        string
			started, ns int64
			ok          int
			detail, e   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Worker, &r.Kind, &trig, &started, &ns, &ok, &detail, &e); err != nil {
			return nil, err
		}
		r.Trigger = Trigger(trig)
		r.StartedAt = time.Unix(0, started)
		r.Duration = time.Duration(ns)
		r.OK = ok != 0
		r.Detail = detail.String
		r.Error = e.String
		out = append(out, r)
	}
	return out, rows.Err()
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
