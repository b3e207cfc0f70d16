package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"detectorpoll/internal/job"
	logx "detectorpoll/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	return &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) Record(ctx context.Context, r job.AttemptResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(id, job_id, iteration, request, response, elapsed_ns, status_code, error, outcome, success, at, at_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.JobID, r.Iteration, r.Request, nullStr(r.Response), int64(r.Elapsed), nullInt(r.StatusCode),
		nullStr(r.Error), string(r.Outcome), r.Success, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Timestamp.UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "insert attempt %s/%d", r.JobID, r.Iteration)
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, jobID string, limit int) ([]job.AttemptResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, iteration, request, response, elapsed_ns, status_code, error, outcome, success, at
		 FROM attempts WHERE job_id = ? ORDER BY at_ms DESC, iteration DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query attempts")
	}
	defer rows.Close()

	var out []job.AttemptResult
	for rows.Next() {
		var (
			r        job.AttemptResult
			response sql.NullString
			errStr   sql.NullString
			code     sql.NullInt64
			elapsed  int64
			outcome  string
			at       string
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.Iteration, &r.Request, &response, &elapsed, &code, &errStr, &outcome, &r.Success, &at); err != nil {
			return nil, errors.Wrap(err, "scan attempt")
		}
		r.Elapsed = time.Duration(elapsed)
		r.Outcome = job.Outcome(outcome)
		if response.Valid {
			v := response.String
			r.Response = &v
		}
		if errStr.Valid {
			v := errStr.String
			r.Error = &v
		}
		if code.Valid {
			v := int(code.Int64)
			r.StatusCode = &v
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			r.Timestamp = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune attempts")
	}
	return res.RowsAffected()
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
