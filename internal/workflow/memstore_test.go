package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
)

// memStore is an in-memory Store with the same transition rules as the SQL stores.
type memStore struct {
	mu         sync.Mutex
	runs       map[string]*domain.Run
	active     map[string]string
	generation map[string]int64
	journal    map[string][]domain.Step
}

func newMemStore() *memStore {
	return &memStore{
		runs:       make(map[string]*domain.Run),
		active:     make(map[string]string),
		generation: make(map[string]int64),
		journal:    make(map[string][]domain.Step),
	}
}

func cloneRun(r *domain.Run) *domain.Run {
	c := *r
	return &c
}

// put stores run as-is and makes it the user's active run.
func (s *memStore) put(run *domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	s.active[run.UserID] = run.ID
	if run.Generation > s.generation[run.UserID] {
		s.generation[run.UserID] = run.Generation
	}
}

func (s *memStore) get(runID string) *domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil
	}
	return cloneRun(r)
}

func (s *memStore) byStatus(status domain.RunStatus) []*domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Run
	for _, r := range s.runs {
		if r.Status == status {
			out = append(out, cloneRun(r))
		}
	}
	return out
}

func (s *memStore) Arm(_ context.Context, run *domain.Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.active[run.UserID]
	if run.ParentID != "" {
		parent, ok := s.runs[run.ParentID]
		if previous != run.ParentID || !ok || parent.Status != domain.RunStatusRunning || parent.CancelRequested {
			return "", ErrRunNotActive
		}
	}

	now := time.Now()
	s.generation[run.UserID]++
	run.Generation = s.generation[run.UserID]
	run.Status = domain.RunStatusScheduled

	if previous != "" && previous != run.ParentID {
		if prev, ok := s.runs[previous]; ok {
			switch prev.Status {
			case domain.RunStatusScheduled:
				prev.Status = domain.RunStatusCancelled
				prev.FinishedAt = &now
			case domain.RunStatusRunning:
				prev.CancelRequested = true
			}
		}
	}

	s.runs[run.ID] = cloneRun(run)
	s.active[run.UserID] = run.ID
	return previous, nil
}

func (s *memStore) Start(_ context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok || r.Status != domain.RunStatusScheduled || r.CancelRequested {
		return nil, ErrRunNotActive
	}
	now := time.Now()
	r.Status = domain.RunStatusRunning
	r.StartedAt = &now
	return cloneRun(r), nil
}

func (s *memStore) Checkpoint(_ context.Context, runID string, step domain.Step, state domain.DeliveryState, cancel bool) (domain.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok || r.Status != domain.RunStatusRunning {
		return "", ErrRunNotActive
	}

	s.journal[runID] = append(s.journal[runID], step)
	r.LastStep = step
	r.State = state
	if cancel || r.CancelRequested {
		now := time.Now()
		r.Status = domain.RunStatusCancelled
		r.FinishedAt = &now
		s.releaseLocked(r)
	}
	return r.Status, nil
}

func (s *memStore) Finish(_ context.Context, runID string, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok || r.Status != domain.RunStatusRunning {
		return ErrRunNotActive
	}
	now := time.Now()
	r.Status = out.Status
	if out.Step != "" {
		r.LastStep = out.Step
	}
	r.State = out.State
	r.Error = out.Error
	r.FinishedAt = &now
	s.releaseLocked(r)
	return nil
}

func (s *memStore) RequestCancel(_ context.Context, userID string) (string, domain.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := s.active[userID]
	if runID == "" {
		return "", "", nil
	}
	delete(s.active, userID)

	r := s.runs[runID]
	switch r.Status {
	case domain.RunStatusScheduled:
		now := time.Now()
		r.Status = domain.RunStatusCancelled
		r.FinishedAt = &now
	case domain.RunStatusRunning:
		r.CancelRequested = true
	}
	return runID, r.Status, nil
}

func (s *memStore) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	if r := s.get(runID); r != nil {
		return r, nil
	}
	return nil, ErrRunNotFound
}

func (s *memStore) ActiveRun(_ context.Context, userID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.active[userID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(s.runs[runID]), nil
}

func (s *memStore) ListScheduled(_ context.Context, until time.Time, limit int) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Run
	for _, r := range s.runs {
		if r.Status == domain.RunStatusScheduled && !r.FireAt.After(until) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListRunning(_ context.Context) ([]*domain.Run, error) {
	return s.byStatus(domain.RunStatusRunning), nil
}

// releaseLocked drops the active entry if it still points at r. s.mu must be held.
func (s *memStore) releaseLocked(r *domain.Run) {
	if s.active[r.UserID] == r.ID {
		delete(s.active, r.UserID)
	}
}
