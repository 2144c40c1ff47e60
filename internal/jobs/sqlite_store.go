package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/imagelabeler/internal/common"
)

// SQLiteStore keeps each job as a JSON document keyed by its ID.
type SQLiteStore struct {
	db    *sql.DB
	locks stripedLock
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path; ":memory:" keeps everything in process memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access. Transactions take the
	// write lock at BEGIN so two read-then-write updates can never deadlock on upgrade.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_txlock=immediate", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		body TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, job *Job) error {
	if job == nil {
		return errNilJob
	}
	if job.ID == "" {
		return errMissingJobID
	}
	lk := s.locks.forKey(job.ID)
	lk.Lock()
	defer lk.Unlock()
	return s.write(ctx, s.db, job)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) write(ctx context.Context, ex execer, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, body) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at, body = excluded.body`,
		job.ID, job.CreatedAt.UTC().Format(time.RFC3339Nano), string(body),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) read(ctx context.Context, q queryRower, id string) (*Job, error) {
	var body string
	if err := q.QueryRowContext(ctx, `SELECT body FROM jobs WHERE id = ?`, id).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.read(ctx, s.db, id)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	lk := s.locks.forKey(id)
	lk.Lock()
	defer lk.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := s.read(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.ID = id
	if err := s.write(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
