package taskstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you-humble/genrelay/dispatch/internal/domain"
	"github.com/you-humble/genrelay/dispatch/internal/infra/store/snapshot"
	"github.com/you-humble/genrelay/dispatch/internal/metrics"
)

const DefaultNamespace = "SD"

// memoryStore keeps every task in memory and writes the full table to a
// snapshot after each mutation. Memory is the system of record: a failed
// snapshot is logged and the mutation stands.
type memoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	order []string

	seq       int
	namespace string
	session   string

	now  func() time.Time
	snap snapshot.Store[domain.Task]
}

func New(
	ctx context.Context,
	namespace string,
	snap snapshot.Store[domain.Task],
	now func() time.Time,
) (*memoryStore, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if now == nil {
		now = time.Now
	}

	s := &memoryStore{
		tasks:     make(map[string]*domain.Task),
		namespace: namespace,
		session:   sessionID(now()),
		now:       now,
		snap:      snap,
	}

	if snap == nil {
		return s, nil
	}

	items, err := snap.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task snapshot: %w", err)
	}

	for i := range items {
		t := items[i]
		if t.TaskCode == "" {
			continue
		}
		if _, dup := s.tasks[t.TaskCode]; !dup {
			s.order = append(s.order, t.TaskCode)
		}
		s.tasks[t.TaskCode] = &t
		if n := codeSequence(t.TaskCode); n > s.seq {
			s.seq = n
		}
	}

	slog.Info("task store loaded",
		slog.Int("tasks", len(s.order)),
		slog.Int("seq", s.seq),
		slog.String("session", s.session),
	)

	return s, nil
}

// Create assigns a fresh task code and stores the task as pending.
func (s *memoryStore) Create(spec domain.TaskSpec) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.seq++

	mc := domain.DefaultModelConfig()
	if spec.ModelConfig != nil {
		mc = spec.ModelConfig.WithDefaults()
	}
	priority := spec.Priority
	if priority <= 0 {
		priority = 1
	}
	tags := spec.Tags
	if tags == nil {
		tags = []string{}
	}

	t := &domain.Task{
		TaskCode:       fmt.Sprintf("%s-%s-%s-%03d", s.namespace, now.Format("20060102"), s.session, s.seq),
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Priority:       priority,
		Tags:           tags,
		Description:    spec.Description,
		ModelConfig:    mc,
		ReferenceFiles: spec.ReferenceFiles,
		Prompt:         spec.Prompt,
		RealSubmit:     spec.RealSubmit,
	}

	s.tasks[t.TaskCode] = t
	s.order = append(s.order, t.TaskCode)
	s.persist()

	return t.Clone()
}

func (s *memoryStore) Task(code string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[code]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// List returns every task in creation order.
func (s *memoryStore) List() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Task, 0, len(s.order))
	for _, code := range s.order {
		out = append(out, s.tasks[code].Clone())
	}
	return out
}

// ListPending returns the tasks excludeClientID may claim, in creation
// order. A pending or occupied task is claimable unless another client holds
// a live lease on it. A task a client was already driving is claimable once
// nobody holds a live lease on it any more.
func (s *memoryStore) ListPending(
	excludeClientID string,
	isOccupied func(taskCode, excludeClientID string) bool,
) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Task
	for _, code := range s.order {
		t := s.tasks[code]
		switch {
		case t.Status == domain.StatusPending || t.Status == domain.StatusOccupied:
			if isOccupied(code, excludeClientID) {
				continue
			}
		case t.Status.InFlight():
			if isOccupied(code, "") {
				continue
			}
		default:
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// Occupy marks the task as held by clientID. Taking over an abandoned
// in-flight task starts its pipeline bookkeeping afresh.
func (s *memoryStore) Occupy(code, clientID string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[code]
	if !ok {
		return domain.Task{}, false
	}

	if t.Status.InFlight() {
		resetPipeline(t)
	}
	t.Status = domain.StatusOccupied
	t.OccupiedBy = clientID
	t.UpdatedAt = s.now()
	s.persist()

	return t.Clone(), true
}

// Ack moves an occupied or pending task to acked. Acking twice leaves the
// first ackedAt in place.
func (s *memoryStore) Ack(code string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[code]
	if !ok {
		return domain.Task{}, false
	}

	if t.Status == domain.StatusPending || t.Status == domain.StatusOccupied {
		now := s.now()
		t.Status = domain.StatusAcked
		t.AckedAt = &now
		t.UpdatedAt = now
		s.persist()
	}

	return t.Clone(), true
}

func (s *memoryStore) SetStatus(u domain.StatusUpdate) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[u.TaskCode]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, u.TaskCode)
	}

	if !domain.CanTransition(t.Status, u.Status) {
		return t.Clone(), fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, u.Status)
	}
	if domain.IsRetryEdge(t.Status, u.Status) &&
		(u.PipelineRetries == nil || *u.PipelineRetries <= t.PipelineRetries) {
		return t.Clone(), fmt.Errorf("%w: retry to %s without a higher pipelineRetries",
			domain.ErrInvalidTransition, u.Status)
	}

	now := s.now()
	t.Status = u.Status
	t.UpdatedAt = now
	if u.Error != nil {
		e := *u.Error
		t.Error = &e
	}
	if u.ExecutedAt != nil {
		t.ExecutedAt = timePtr(*u.ExecutedAt)
	}
	if u.GeneratingStartedAt != nil {
		t.GeneratingStartedAt = timePtr(*u.GeneratingStartedAt)
	}
	if u.UpscalingStartedAt != nil {
		t.UpscalingStartedAt = timePtr(*u.UpscalingStartedAt)
	}
	if u.PipelineRetries != nil && *u.PipelineRetries > t.PipelineRetries {
		t.PipelineRetries = *u.PipelineRetries
	}
	switch {
	case u.CompletedAt != nil:
		t.CompletedAt = timePtr(*u.CompletedAt)
	case u.Status.IsTerminal() && t.CompletedAt == nil:
		t.CompletedAt = timePtr(now)
	}

	s.persist()
	return t.Clone(), nil
}

// ResetToPending returns a non-terminal task to the pool. The next client
// starts its pipeline from scratch, so the run's bookkeeping goes too.
func (s *memoryStore) ResetToPending(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[code]
	if !ok || t.Status.IsTerminal() {
		return false
	}

	resetPipeline(t)
	t.Status = domain.StatusPending
	t.OccupiedBy = ""
	t.UpdatedAt = s.now()
	s.persist()
	return true
}

func resetPipeline(t *domain.Task) {
	t.PipelineRetries = 0
	t.Error = nil
	t.AckedAt = nil
	t.ExecutedAt = nil
	t.GeneratingStartedAt = nil
	t.UpscalingStartedAt = nil
}

// Purge deletes the named tasks and returns the codes actually removed.
func (s *memoryStore) Purge(codes []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(codes))
	var removed []string
	for _, code := range codes {
		if _, ok := s.tasks[code]; ok {
			delete(s.tasks, code)
			drop[code] = struct{}{}
			removed = append(removed, code)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	kept := s.order[:0]
	for _, code := range s.order {
		if _, gone := drop[code]; !gone {
			kept = append(kept, code)
		}
	}
	s.order = kept
	s.persist()

	return removed
}

func (s *memoryStore) CountByStatus() map[domain.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}

// persist must be called with s.mu held.
func (s *memoryStore) persist() {
	if s.snap == nil {
		return
	}

	items := make([]domain.Task, 0, len(s.order))
	for _, code := range s.order {
		items = append(items, *s.tasks[code])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.snap.Save(ctx, items); err != nil {
		metrics.SnapshotFailures.WithLabelValues("tasks").Inc()
		slog.Warn("task snapshot failed", slog.String("error", err.Error()))
	}
}

// sessionID is the last four base36 digits of the start time in ms.
func sessionID(t time.Time) string {
	id := strconv.FormatInt(t.UnixMilli(), 36)
	if len(id) > 4 {
		id = id[len(id)-4:]
	}
	return id
}

func codeSequence(code string) int {
	i := strings.LastIndexByte(code, '-')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(code[i+1:])
	if err != nil {
		return 0
	}
	return n
}

func timePtr(t time.Time) *time.Time {
	return &t
}
