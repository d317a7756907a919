package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/microflow/microflow/pkg/api"
)

// MemoryStateStore is a goroutine-safe StateStore backed by a map.
// It is non-durable and intended for tests and throwaway local runs.
type MemoryStateStore struct {
	mu   sync.Mutex
	runs map[string]*api.Run
}

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		runs: make(map[string]*api.Run),
	}
}

var _ api.StateStore = (*MemoryStateStore)(nil)

func (s *MemoryStateStore) LoadRun(ctx context.Context, runID string) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStateStore) SaveRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.RunID] = run.Clone()
	return nil
}

func (s *MemoryStateStore) UpdateCtx(ctx context.Context, runID string, delta api.Context) (api.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	if err := api.CheckSerializable(delta); err != nil {
		return nil, err
	}
	run.Ctx = api.MergeContext(run.Ctx, delta)
	run.UpdatedAt = nowUTC()

	merged, err := api.CloneContext(run.Ctx)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *MemoryStateStore) UpsertTask(ctx context.Context, runID string, rec *api.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return api.ErrRunNotFound
	}
	upsertTaskRecord(run, rec.Clone())
	run.UpdatedAt = nowUTC()
	return nil
}

func (s *MemoryStateStore) ListRuns(ctx context.Context) ([]api.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]api.RunSummary, 0, len(s.runs))
	for _, run := range s.runs {
		summaries = append(summaries, run.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *MemoryStateStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return false, nil
	}
	delete(s.runs, runID)
	return true, nil
}

// upsertTaskRecord replaces the record with the same name, or appends.
func upsertTaskRecord(run *api.Run, rec *api.TaskRecord) {
	for i, existing := range run.Tasks {
		if existing.Name == rec.Name {
			run.Tasks[i] = rec
			return
		}
	}
	run.Tasks = append(run.Tasks, rec)
}

// sortSummaries orders newest first.
func sortSummaries(summaries []api.RunSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		}
		return summaries[i].RunID < summaries[j].RunID
	})
}
