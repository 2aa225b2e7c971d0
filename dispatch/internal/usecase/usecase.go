package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/you-humble/genrelay/dispatch/internal/domain"
	"github.com/you-humble/genrelay/dispatch/internal/metrics"
)

type TaskStore interface {
	Create(spec domain.TaskSpec) domain.Task
	Task(code string) (domain.Task, bool)
	List() []domain.Task
	ListPending(excludeClientID string, isOccupied func(taskCode, excludeClientID string) bool) []domain.Task
	Occupy(code, clientID string) (domain.Task, bool)
	Ack(code string) (domain.Task, bool)
	SetStatus(u domain.StatusUpdate) (domain.Task, error)
	Purge(codes []string) []string
	CountByStatus() map[domain.TaskStatus]int
}

type LeaseManager interface {
	IsOccupied(taskCode, excludeClientID string) bool
	Occupy(taskCode, clientID string) domain.Lease
	Release(taskCode string) bool
	Drop(taskCode string)
	Snapshot() map[string]domain.Lease
}

type Notifier interface {
	Broadcast(event domain.Event, payload any, excludeClientID string) int
	Count() int
}

type FileStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
}

type ArtifactRegistry interface {
	NextID() string
	Add(a domain.Artifact) domain.Artifact
	List(f domain.ArtifactFilter) domain.ArtifactListing
	Count() int
}

const promptPreview = 60

type usecase struct {
	// serializes every operation that reads or writes leases
	mu sync.Mutex

	tasks     TaskStore
	leases    LeaseManager
	bus       Notifier
	files     FileStore
	artifacts ArtifactRegistry

	clientCfg domain.ClientConfig
	now       func() time.Time
}

func New(
	tasks TaskStore,
	leases LeaseManager,
	bus Notifier,
	files FileStore,
	artifacts ArtifactRegistry,
	clientCfg domain.ClientConfig,
	now func() time.Time,
) *usecase {
	if now == nil {
		now = time.Now
	}
	return &usecase{
		tasks:     tasks,
		leases:    leases,
		bus:       bus,
		files:     files,
		artifacts: artifacts,
		clientCfg: clientCfg,
		now:       now,
	}
}

// Enqueue validates every spec before creating any task, then hints the
// connected clients. It returns the new codes and the number of clients
// notified.
func (uc *usecase) Enqueue(ctx context.Context, specs []domain.TaskSpec) ([]string, int, error) {
	if len(specs) == 0 {
		return nil, 0, fmt.Errorf("%w: no tasks", domain.ErrInvalidInput)
	}
	for i, spec := range specs {
		if err := validateSpec(spec); err != nil {
			return nil, 0, fmt.Errorf("task %d: %w", i, err)
		}
	}

	uc.mu.Lock()
	codes := make([]string, 0, len(specs))
	for _, spec := range specs {
		codes = append(codes, uc.tasks.Create(spec).TaskCode)
	}
	uc.mu.Unlock()

	metrics.TasksEnqueued.Add(float64(len(codes)))
	slog.Info("tasks enqueued", slog.Int("count", len(codes)), slog.Any("task_codes", codes))

	notified := uc.bus.Broadcast(domain.EventNewTasks, domain.NewTasksPayload{
		Count:     len(codes),
		TaskCodes: codes,
		Message:   fmt.Sprintf("%d new task(s)", len(codes)),
		Time:      uc.now(),
	}, "")

	return codes, notified, nil
}

// FetchPending leases every task clientID may claim and returns the client
// view of each.
func (uc *usecase) FetchPending(ctx context.Context, clientID string) ([]domain.ClientTask, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: clientId is required", domain.ErrInvalidInput)
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	pending := uc.tasks.ListPending(clientID, uc.leases.IsOccupied)
	out := make([]domain.ClientTask, 0, len(pending))
	for _, t := range pending {
		uc.leases.Occupy(t.TaskCode, clientID)
		occupied, ok := uc.tasks.Occupy(t.TaskCode, clientID)
		if !ok {
			uc.leases.Drop(t.TaskCode)
			continue
		}
		out = append(out, occupied.Projection())
	}

	if len(out) > 0 {
		metrics.TasksLeased.Add(float64(len(out)))
		slog.Info("tasks leased", slog.String("client_id", clientID), slog.Int("count", len(out)))
	}
	return out, nil
}

// Ack returns the codes that were known and those that were not.
func (uc *usecase) Ack(ctx context.Context, codes []string) ([]string, []string, error) {
	if len(codes) == 0 {
		return nil, nil, fmt.Errorf("%w: taskCodes is required", domain.ErrInvalidInput)
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	acked := make([]string, 0, len(codes))
	var unknown []string
	for _, code := range codes {
		if _, ok := uc.tasks.Ack(code); ok {
			acked = append(acked, code)
		} else {
			unknown = append(unknown, code)
		}
	}
	return acked, unknown, nil
}

func (uc *usecase) ReportStatus(ctx context.Context, u domain.StatusUpdate) (domain.Task, error) {
	if strings.TrimSpace(u.TaskCode) == "" {
		return domain.Task{}, fmt.Errorf("%w: taskCode is required", domain.ErrInvalidInput)
	}
	if !u.Status.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, u.Status)
	}

	uc.mu.Lock()
	task, err := uc.tasks.SetStatus(u)
	if err == nil && u.Status.IsTerminal() {
		uc.leases.Drop(u.TaskCode)
	}
	uc.mu.Unlock()

	if err != nil {
		outcome := "rejected"
		if errors.Is(err, domain.ErrTaskNotFound) {
			outcome = "unknown"
		}
		metrics.StatusReports.WithLabelValues(string(u.Status), outcome).Inc()
		return task, err
	}
	metrics.StatusReports.WithLabelValues(string(u.Status), "applied").Inc()

	uc.bus.Broadcast(domain.EventTaskStatus, domain.TaskStatusPayload{
		TaskCode: task.TaskCode,
		Status:   task.Status,
		Error:    task.Error,
		Time:     uc.now(),
	}, "")

	return task, nil
}

// Release reports whether a live lease was freed.
func (uc *usecase) Release(ctx context.Context, code string) (bool, error) {
	if strings.TrimSpace(code) == "" {
		return false, fmt.Errorf("%w: taskCode is required", domain.ErrInvalidInput)
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	if _, ok := uc.tasks.Task(code); !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, code)
	}

	released := uc.leases.Release(code)
	if released {
		metrics.LeaseReleases.Inc()
	}
	return released, nil
}

// Purge removes tasks and their leases. Their artifacts stay listed.
func (uc *usecase) Purge(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: taskCodes is required", domain.ErrInvalidInput)
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	removed := uc.tasks.Purge(codes)
	for _, code := range removed {
		uc.leases.Drop(code)
	}
	slog.Info("tasks purged", slog.Int("count", len(removed)))
	return removed, nil
}

func (uc *usecase) UploadArtifact(ctx context.Context, r io.Reader, p domain.UploadParams) (domain.Artifact, error) {
	p.TaskCode = strings.TrimSpace(p.TaskCode)
	if p.TaskCode == "" {
		return domain.Artifact{}, fmt.Errorf("%w: taskCode is required", domain.ErrInvalidInput)
	}
	if strings.ContainsAny(p.TaskCode, `/\`) || strings.Contains(p.TaskCode, "..") {
		return domain.Artifact{}, fmt.Errorf("%w: malformed taskCode %q", domain.ErrInvalidInput, p.TaskCode)
	}
	if p.Quality == "" {
		p.Quality = domain.QualityStandard
	}
	if !p.Quality.Valid() {
		return domain.Artifact{}, fmt.Errorf("%w: unknown quality %q", domain.ErrInvalidInput, p.Quality)
	}

	fileID := uc.artifacts.NextID()
	filename := fmt.Sprintf("%s_%s_%s%s", p.TaskCode, p.Quality, fileID, extension(p.OriginalFilename, p.MimeType))

	size, hash, err := uc.files.Save(ctx, r, filename, p.Size)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("save artifact %s: %w", filename, err)
	}

	a := domain.Artifact{
		FileID:           fileID,
		TaskCode:         p.TaskCode,
		Quality:          p.Quality,
		Filename:         filename,
		OriginalFilename: p.OriginalFilename,
		MimeType:         p.MimeType,
		Size:             size,
		SHA256:           hash,
		UploadedAt:       uc.now(),
		OriginalURL:      p.OriginalURL,
	}

	// Artifacts of purged or unknown tasks are still recorded, just without
	// the denormalized task fields.
	if t, ok := uc.tasks.Task(p.TaskCode); ok {
		mc := t.ModelConfig
		created := t.CreatedAt
		a.TaskDescription = t.Description
		a.TaskPrompt = t.Prompt
		a.TaskTags = t.Tags
		a.TaskModelConfig = &mc
		a.TaskRealSubmit = t.RealSubmit
		a.TaskCreatedAt = &created
	}

	a = uc.artifacts.Add(a)
	metrics.ArtifactsUploaded.WithLabelValues(string(a.Quality)).Inc()
	slog.Info("artifact stored",
		slog.String("task_code", a.TaskCode),
		slog.String("file_id", a.FileID),
		slog.String("quality", string(a.Quality)),
		slog.Int64("size", a.Size),
	)
	return a, nil
}

func (uc *usecase) ListArtifacts(ctx context.Context, f domain.ArtifactFilter) domain.ArtifactListing {
	return uc.artifacts.List(f)
}

func (uc *usecase) ListTasks(ctx context.Context) []domain.TaskSummary {
	tasks := uc.tasks.List()
	out := make([]domain.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, domain.TaskSummary{
			TaskCode:        t.TaskCode,
			Status:          t.Status,
			Priority:        t.Priority,
			Tags:            t.Tags,
			Prompt:          truncate(t.Prompt, promptPreview),
			OccupiedBy:      t.OccupiedBy,
			PipelineRetries: t.PipelineRetries,
			Error:           t.Error,
			CreatedAt:       t.CreatedAt,
			UpdatedAt:       t.UpdatedAt,
		})
	}
	return out
}

func (uc *usecase) ClientConfig() domain.ClientConfig {
	return uc.clientCfg
}

func (uc *usecase) Info(ctx context.Context) domain.ServiceInfo {
	byStatus := uc.tasks.CountByStatus()
	total := 0
	for _, n := range byStatus {
		total += n
	}

	uc.mu.Lock()
	leases := uc.leases.Snapshot()
	uc.mu.Unlock()

	return domain.ServiceInfo{
		Service:     "genrelay-dispatch",
		Tasks:       total,
		ByStatus:    byStatus,
		Artifacts:   uc.artifacts.Count(),
		Subscribers: uc.bus.Count(),
		Leases:      leases,
	}
}

func validateSpec(spec domain.TaskSpec) error {
	if strings.TrimSpace(spec.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrInvalidInput)
	}
	for i, f := range spec.ReferenceFiles {
		if strings.TrimSpace(f.FileName) == "" {
			return fmt.Errorf("%w: referenceFiles[%d].fileName is required", domain.ErrInvalidInput, i)
		}
		if f.Base64 == "" {
			return fmt.Errorf("%w: referenceFiles[%d].base64 is required", domain.ErrInvalidInput, i)
		}
	}
	return nil
}

const defaultExtension = ".mp4"

// extension picks the artifact suffix from the uploaded filename, then the
// MIME subtype. Anything outside [a-z0-9.+-] falls back to .mp4.
func extension(filename, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if safeSuffix(ext[1:]) {
			return ext
		}
		return defaultExtension
	}
	if _, sub, ok := strings.Cut(mimeType, "/"); ok {
		sub, _, _ = strings.Cut(sub, ";")
		sub = strings.ToLower(strings.TrimSpace(sub))
		if safeSuffix(sub) {
			return "." + sub
		}
	}
	return defaultExtension
}

func safeSuffix(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '+', r == '-':
		default:
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
