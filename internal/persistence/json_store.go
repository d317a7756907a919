package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/microflow/microflow/pkg/api"
)

// JSONStateStore is a file-backed StateStore keeping one JSON document
// per run at <dir>/runs/<run_id>.json.
//
// Atomicity: every write goes to a temp file in the same directory and is
// renamed into place, and a per-run mutex covers the whole load, modify,
// save sequence of UpdateCtx and UpsertTask. A single process-wide lock
// per run ID is sufficient because the store is not shared across
// processes.
type JSONStateStore struct {
	runsDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ api.StateStore = (*JSONStateStore)(nil)

// NewJSONStateStore creates the runs directory under dir if needed.
func NewJSONStateStore(dir string) (*JSONStateStore, error) {
	runsDir := filepath.Join(dir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, &api.StoreError{Op: "init", Err: err}
	}
	return &JSONStateStore{
		runsDir: runsDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the mutex guarding the given run's document.
func (s *JSONStateStore) lockFor(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[runID] = lock
	}
	return lock
}

func (s *JSONStateStore) runPath(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", &api.StoreError{Op: "path", Err: fmt.Errorf("invalid run id %q", runID)}
	}
	return filepath.Join(s.runsDir, runID+".json"), nil
}

func (s *JSONStateStore) load(runID string) (*api.Run, error) {
	path, err := s.runPath(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, api.ErrRunNotFound
		}
		return nil, &api.StoreError{Op: "load", Err: err}
	}
	var run api.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, &api.StoreError{Op: "load", Err: err}
	}
	return &run, nil
}

func (s *JSONStateStore) save(run *api.Run) error {
	path, err := s.runPath(run.RunID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return &api.StoreError{Op: "save", Err: err}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &api.StoreError{Op: "save", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &api.StoreError{Op: "save", Err: err}
	}
	return nil
}

func (s *JSONStateStore) LoadRun(ctx context.Context, runID string) (*api.Run, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	return s.load(runID)
}

func (s *JSONStateStore) SaveRun(ctx context.Context, run *api.Run) error {
	lock := s.lockFor(run.RunID)
	lock.Lock()
	defer lock.Unlock()

	return s.save(run)
}

func (s *JSONStateStore) UpdateCtx(ctx context.Context, runID string, delta api.Context) (api.Context, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.load(runID)
	if err != nil {
		return nil, err
	}
	if err := api.CheckSerializable(delta); err != nil {
		return nil, err
	}
	run.Ctx = api.MergeContext(run.Ctx, delta)
	run.UpdatedAt = nowUTC()
	if err := s.save(run); err != nil {
		return nil, err
	}
	return run.Ctx, nil
}

func (s *JSONStateStore) UpsertTask(ctx context.Context, runID string, rec *api.TaskRecord) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.load(runID)
	if err != nil {
		return err
	}
	upsertTaskRecord(run, rec.Clone())
	run.UpdatedAt = nowUTC()
	return s.save(run)
}

func (s *JSONStateStore) ListRuns(ctx context.Context) ([]api.RunSummary, error) {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return nil, &api.StoreError{Op: "list", Err: err}
	}

	var summaries []api.RunSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.runsDir, entry.Name()))
		if err != nil {
			continue
		}
		var run api.Run
		if err := json.Unmarshal(data, &run); err != nil {
			// Corrupt or partially written document; skip it.
			continue
		}
		summaries = append(summaries, run.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *JSONStateStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	path, err := s.runPath(runID)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &api.StoreError{Op: "delete", Err: err}
	}
	return true, nil
}

// CleanupOldRuns deletes runs created more than maxAge ago and returns
// how many were removed.
func (s *JSONStateStore) CleanupOldRuns(ctx context.Context, maxAge time.Duration) (int, error) {
	summaries, err := s.ListRuns(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := nowUTC().Add(-maxAge)
	deleted := 0
	for _, summary := range summaries {
		if summary.CreatedAt.Before(cutoff) {
			ok, err := s.DeleteRun(ctx, summary.RunID)
			if err != nil {
				return deleted, err
			}
			if ok {
				deleted++
			}
		}
	}
	return deleted, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
