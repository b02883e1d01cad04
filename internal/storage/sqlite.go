package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"reviewwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

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

const upsertTask = `INSERT INTO tasks(api_url, task_id, page_url, email, interval_s, title, started_at, last_updated, notifications, last_payload)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(api_url) DO UPDATE SET
  task_id=excluded.task_id, page_url=excluded.page_url, email=excluded.email,
  interval_s=excluded.interval_s, title=excluded.title, started_at=excluded.started_at,
  last_updated=excluded.last_updated, notifications=excluded.notifications,
  last_payload=excluded.last_payload`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putTask(ctx context.Context, db execer, t TaskRecord) error {
	_, err := db.ExecContext(ctx, upsertTask,
		t.APIURL, nullStr(t.TaskID), nullStr(t.PageURL), nullStr(t.Email), t.IntervalSec,
		nullStr(t.Title), t.StartedAt.UnixMilli(), t.LastUpdated, t.Notifications, t.LastPayload,
	)
	return err
}

func (s *sqliteStore) ReplaceTasks(ctx context.Context, tasks []TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return err
	}
	for _, t := range tasks {
		if strings.TrimSpace(t.APIURL) == "" {
			continue
		}
		if err := putTask(ctx, tx, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PutTask(ctx context.Context, t TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(t.APIURL) == "" {
		return errors.New("task api url is required")
	}
	return putTask(ctx, s.db, t)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, apiURL string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE api_url = ?`, apiURL)
	return err
}

func (s *sqliteStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT api_url, task_id, page_url, email, interval_s, title, started_at, last_updated, notifications, last_payload
		 FROM tasks ORDER BY started_at, api_url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			t                             TaskRecord
			taskID, pageURL, email, title sql.NullString
			startedMS                     int64
		)
		if err := rows.Scan(&t.APIURL, &taskID, &pageURL, &email, &t.IntervalSec, &title,
			&startedMS, &t.LastUpdated, &t.Notifications, &t.LastPayload); err != nil {
			return nil, err
		}
		t.TaskID, t.PageURL, t.Email, t.Title = taskID.String, pageURL.String, email.String, title.String
		t.StartedAt = time.UnixMilli(startedMS)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, strings.TrimSpace(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
