package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/microflow/microflow/pkg/api"
)

// SQLiteStateStore is a StateStore backed by SQLite.
//
// It expects an *sql.DB using a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver:
//
//	import _ "modernc.org/sqlite"
//
// Context and task records are stored as JSON columns; the run's
// read-modify-write primitives are serialised with a per-run mutex, which
// is sufficient for the single-process ownership model.
type SQLiteStateStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ api.StateStore = (*SQLiteStateStore)(nil)

// NewSQLiteStateStore initializes the runs table and returns the store.
func NewSQLiteStateStore(db *sql.DB) (*SQLiteStateStore, error) {
	s := &SQLiteStateStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(); err != nil {
		return nil, &api.StoreError{Op: "init", Err: err}
	}
	return s, nil
}

func (s *SQLiteStateStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			ctx BLOB NOT NULL,
			tasks BLOB NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStateStore) lockFor(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[runID] = lock
	}
	return lock
}

func (s *SQLiteStateStore) load(ctx context.Context, runID string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, status, created_at, updated_at, reason, ctx, tasks
		FROM runs WHERE run_id = ?`, runID)

	var (
		run        api.Run
		statusStr  string
		createdStr string
		updatedStr string
		ctxBlob    []byte
		tasksBlob  []byte
	)
	err := row.Scan(&run.RunID, &statusStr, &createdStr, &updatedStr, &run.Reason, &ctxBlob, &tasksBlob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrRunNotFound
		}
		return nil, &api.StoreError{Op: "load", Err: err}
	}

	run.Status = api.RunStatus(statusStr)
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return nil, &api.StoreError{Op: "load", Err: err}
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr); err != nil {
		return nil, &api.StoreError{Op: "load", Err: err}
	}
	if err := json.Unmarshal(ctxBlob, &run.Ctx); err != nil {
		return nil, &api.StoreError{Op: "load", Err: err}
	}
	if err := json.Unmarshal(tasksBlob, &run.Tasks); err != nil {
		return nil, &api.StoreError{Op: "load", Err: err}
	}
	return &run, nil
}

func (s *SQLiteStateStore) save(ctx context.Context, run *api.Run) error {
	ctxBlob, err := json.Marshal(run.Ctx)
	if err != nil {
		return &api.StoreError{Op: "save", Err: err}
	}
	tasksBlob, err := json.Marshal(run.Tasks)
	if err != nil {
		return &api.StoreError{Op: "save", Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, status, created_at, updated_at, reason, ctx, tasks)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			reason = excluded.reason,
			ctx = excluded.ctx,
			tasks = excluded.tasks`,
		run.RunID,
		string(run.Status),
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.UpdatedAt.UTC().Format(time.RFC3339Nano),
		run.Reason,
		ctxBlob,
		tasksBlob,
	)
	if err != nil {
		return &api.StoreError{Op: "save", Err: err}
	}
	return nil
}

func (s *SQLiteStateStore) LoadRun(ctx context.Context, runID string) (*api.Run, error) {
	return s.load(ctx, runID)
}

func (s *SQLiteStateStore) SaveRun(ctx context.Context, run *api.Run) error {
	lock := s.lockFor(run.RunID)
	lock.Lock()
	defer lock.Unlock()

	return s.save(ctx, run)
}

func (s *SQLiteStateStore) UpdateCtx(ctx context.Context, runID string, delta api.Context) (api.Context, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := api.CheckSerializable(delta); err != nil {
		return nil, err
	}
	run.Ctx = api.MergeContext(run.Ctx, delta)
	run.UpdatedAt = nowUTC()
	if err := s.save(ctx, run); err != nil {
		return nil, err
	}
	return run.Ctx, nil
}

func (s *SQLiteStateStore) UpsertTask(ctx context.Context, runID string, rec *api.TaskRecord) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.load(ctx, runID)
	if err != nil {
		return err
	}
	upsertTaskRecord(run, rec.Clone())
	run.UpdatedAt = nowUTC()
	return s.save(ctx, run)
}

func (s *SQLiteStateStore) ListRuns(ctx context.Context) ([]api.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, status, created_at, updated_at FROM runs`)
	if err != nil {
		return nil, &api.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var summaries []api.RunSummary
	for rows.Next() {
		var (
			summary    api.RunSummary
			statusStr  string
			createdStr string
			updatedStr string
		)
		if err := rows.Scan(&summary.RunID, &statusStr, &createdStr, &updatedStr); err != nil {
			return nil, &api.StoreError{Op: "list", Err: err}
		}
		summary.Status = api.RunStatus(statusStr)
		if summary.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
			return nil, &api.StoreError{Op: "list", Err: err}
		}
		if summary.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr); err != nil {
			return nil, &api.StoreError{Op: "list", Err: err}
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, &api.StoreError{Op: "list", Err: err}
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *SQLiteStateStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return false, &api.StoreError{Op: "delete", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &api.StoreError{Op: "delete", Err: err}
	}
	return affected > 0, nil
}
