package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"llmflow/internal/domain"
)

const maxStoredRuns = 100

// FileStore implements domain.RunStore with JSON file persistence.
type FileStore struct {
	dir  string
	mu   sync.RWMutex
	runs map[string]domain.WorkflowRun
}

// NewFileStore creates a file-backed run store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("runstore: create dir: %w", err)
	}

	s := &FileStore{
		dir:  dir,
		runs: make(map[string]domain.WorkflowRun),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("runstore: load: %w", err)
	}

	return s, nil
}

// SaveRun stores a finished run, evicting the oldest ones past the limit.
func (s *FileStore) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	if run.Status == domain.RunRunning || run.Status == "" {
		return domain.NewSubSystemError("runstore", "FileStore.SaveRun", domain.ErrInvalidInput,
			fmt.Sprintf("run %q is not finished", run.ID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	if len(s.runs) > maxStoredRuns {
		s.evictOldest()
	}
	return s.persist()
}

func (s *FileStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.NewSubSystemError("runstore", "FileStore.GetRun", domain.ErrNotFound, id)
	}
	return &run, nil
}

// ListRuns returns runs newest first. limit <= 0 returns all of them.
func (s *FileStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sortNewestFirst(runs)

	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *FileStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return domain.NewSubSystemError("runstore", "FileStore.DeleteRun", domain.ErrNotFound, id)
	}
	delete(s.runs, id)
	return s.persist()
}

// --- persistence ---

func (s *FileStore) runsPath() string {
	return filepath.Join(s.dir, "workflow_runs.json")
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.runsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var runs []domain.WorkflowRun
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("parse workflow_runs.json: %w", err)
	}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return nil
}

func (s *FileStore) persist() error {
	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sortNewestFirst(runs)
	return writeJSON(s.runsPath(), runs)
}

// evictOldest removes the oldest runs until count <= maxStoredRuns.
func (s *FileStore) evictOldest() {
	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sortNewestFirst(runs)
	for _, r := range runs[maxStoredRuns:] {
		delete(s.runs, r.ID)
	}
}

// sortNewestFirst orders by start time, then by id (ULIDs sort by time)
// so runs started in the same instant keep a stable order.
func sortNewestFirst(runs []domain.WorkflowRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
