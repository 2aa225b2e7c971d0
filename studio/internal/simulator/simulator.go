package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you-humble/genrelay/core/relayapi"
)

const urlScheme = "studio://artifacts/"

var (
	ErrUnknownTask    = errors.New("no generation submitted for task")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotReady       = errors.New("artifact not ready")
)

type FileStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
}

type Uploader interface {
	UploadArtifact(ctx context.Context, u relayapi.Upload, r io.Reader) (relayapi.UploadResult, error)
}

type State string

const (
	StateGenerating State = "generating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

type UpscaleOutcome string

const (
	UpscaleTriggered UpscaleOutcome = "triggered"
	UpscaleAlreadyHD UpscaleOutcome = "alreadyHD"
	UpscaleFailed    UpscaleOutcome = "failed"
)

type ModelConfig struct {
	Model         string
	ReferenceMode string
	AspectRatio   string
	Duration      string
}

type Reference struct {
	FileName string
	Base64   string
}

type Config struct {
	MinDelay        time.Duration
	MaxDelay        time.Duration
	FailRate        float64
	UpscaleFailRate float64
	AlreadyHDRate   float64
	MaxParallel     int
	Seed            int64
}

type render struct {
	readyAt  time.Time
	fail     bool
	filename string
}

type job struct {
	taskCode  string
	model     ModelConfig
	prompt    string
	refs      int
	dryRun    bool
	createdAt time.Time

	standard *render
	hd       *render
}

type Poll struct {
	Found       bool
	State       State
	ArtifactURL string
	Error       string
}

// Simulator stands in for the browser-resident generation tool. Jobs finish
// after a random delay; finished artifacts are placeholder files written to
// the local file store.
type Simulator struct {
	mu      sync.Mutex
	jobs    map[string]*job
	current ModelConfig

	cfg   Config
	rnd   *rand.Rand
	now   func() time.Time
	files FileStore
	relay Uploader

	sem chan struct{}
}

func New(cfg Config, files FileStore, relay Uploader, now func() time.Time) *Simulator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if now == nil {
		now = time.Now
	}

	return &Simulator{
		jobs:  make(map[string]*job),
		cfg:   cfg,
		rnd:   rand.New(rand.NewSource(cfg.Seed)),
		now:   now,
		files: files,
		relay: relay,
		sem:   make(chan struct{}, cfg.MaxParallel),
	}
}

// Configure selects the model settings used by the next submission.
func (s *Simulator) Configure(ctx context.Context, taskCode string, mc ModelConfig) error {
	if mc.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}

	s.mu.Lock()
	s.current = mc
	s.mu.Unlock()

	slog.Debug("tool configured", slog.String("task_code", taskCode), slog.String("model", mc.Model))
	return nil
}

var refPattern = regexp.MustCompile(`@(\d+)`)

// Submit starts a generation. A prompt may point at reference files by
// their 1-based position ("@2").
func (s *Simulator) Submit(ctx context.Context, taskCode, prompt string, refs []Reference, dryRun bool) error {
	if taskCode == "" {
		return fmt.Errorf("%w: taskCode is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	for i, r := range refs {
		if r.FileName == "" || r.Base64 == "" {
			return fmt.Errorf("%w: reference %d is incomplete", ErrInvalidRequest, i+1)
		}
	}
	for _, m := range refPattern.FindAllStringSubmatch(prompt, -1) {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > len(refs) {
			return fmt.Errorf("%w: prompt refers to @%d but %d reference(s) were attached",
				ErrInvalidRequest, n, len(refs))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.jobs[taskCode] = &job{
		taskCode:  taskCode,
		model:     s.current,
		prompt:    prompt,
		refs:      len(refs),
		dryRun:    dryRun,
		createdAt: now,
		standard: &render{
			readyAt: now.Add(s.delay()),
			fail:    s.rnd.Float64() < s.cfg.FailRate,
		},
	}

	slog.Info("generation submitted",
		slog.String("task_code", taskCode),
		slog.Int("references", len(refs)),
		slog.Bool("dry_run", dryRun),
	)
	return nil
}

// Poll reports on the standard or hd render of a task. A finished render is
// written to the file store on the first poll that sees it.
func (s *Simulator) Poll(ctx context.Context, taskCode string, quality relayapi.Quality) (Poll, error) {
	s.mu.Lock()
	j, ok := s.jobs[taskCode]
	if !ok {
		s.mu.Unlock()
		return Poll{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskCode)
	}

	r := j.standard
	if quality == relayapi.QualityHD {
		r = j.hd
	}
	switch {
	case r == nil:
		s.mu.Unlock()
		return Poll{State: StateGenerating}, nil
	case s.now().Before(r.readyAt):
		s.mu.Unlock()
		return Poll{State: StateGenerating}, nil
	case r.fail:
		s.mu.Unlock()
		return Poll{State: StateFailed, Error: "render failed"}, nil
	case r.filename != "":
		name := r.filename
		s.mu.Unlock()
		return Poll{Found: true, State: StateCompleted, ArtifactURL: urlScheme + name}, nil
	}
	name := fmt.Sprintf("%s_%s.mp4", j.taskCode, quality)
	body := placeholder(j, quality)
	s.mu.Unlock()

	if _, _, err := s.files.Save(ctx, bytes.NewReader(body), name, int64(len(body))); err != nil {
		return Poll{}, fmt.Errorf("write render %s: %w", name, err)
	}

	s.mu.Lock()
	r.filename = name
	s.mu.Unlock()

	slog.Info("render finished", slog.String("task_code", taskCode), slog.String("quality", string(quality)))
	return Poll{Found: true, State: StateCompleted, ArtifactURL: urlScheme + name}, nil
}

// TriggerUpscale asks for an hd render of a finished standard render.
func (s *Simulator) TriggerUpscale(ctx context.Context, taskCode string) (UpscaleOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[taskCode]
	if !ok {
		return UpscaleFailed, fmt.Errorf("%w: %s", ErrUnknownTask, taskCode)
	}
	if j.standard == nil || j.standard.filename == "" {
		return UpscaleFailed, fmt.Errorf("%w: standard render of %s", ErrNotReady, taskCode)
	}
	if j.hd != nil && !j.hd.fail {
		if j.hd.filename != "" {
			return UpscaleAlreadyHD, nil
		}
		return UpscaleTriggered, nil
	}

	switch roll := s.rnd.Float64(); {
	case roll < s.cfg.AlreadyHDRate:
		return UpscaleAlreadyHD, nil
	case roll < s.cfg.AlreadyHDRate+s.cfg.UpscaleFailRate:
		return UpscaleFailed, nil
	}

	j.hd = &render{
		readyAt: s.now().Add(s.delay()),
		fail:    s.rnd.Float64() < s.cfg.UpscaleFailRate,
	}
	return UpscaleTriggered, nil
}

// Upload sends a finished render to dispatch.
func (s *Simulator) Upload(ctx context.Context, artifactURL, taskCode string, quality relayapi.Quality) (relayapi.UploadResult, error) {
	name, ok := strings.CutPrefix(artifactURL, urlScheme)
	if !ok || name == "" {
		return relayapi.UploadResult{}, fmt.Errorf("%w: unknown artifact url %q", ErrInvalidRequest, artifactURL)
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return relayapi.UploadResult{}, fmt.Errorf("upload queue full or canceled: %w", ctx.Err())
	}

	rc, _, err := s.files.Open(ctx, name)
	if err != nil {
		return relayapi.UploadResult{}, fmt.Errorf("open render %s: %w", name, err)
	}
	defer rc.Close()

	res, err := s.relay.UploadArtifact(ctx, relayapi.Upload{
		TaskCode:    taskCode,
		Quality:     quality,
		MimeType:    "video/mp4",
		OriginalURL: artifactURL,
		Filename:    name,
	}, rc)
	if err != nil {
		return relayapi.UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}

	slog.Info("render uploaded",
		slog.String("task_code", taskCode),
		slog.String("file_id", res.FileID),
		slog.Int64("size", res.Size),
	)
	return res, nil
}

// Forget drops jobs submitted before cutoff and returns how many went.
func (s *Simulator) Forget(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for code, j := range s.jobs {
		if j.createdAt.Before(cutoff) {
			delete(s.jobs, code)
			n++
		}
	}
	return n
}

// delay must be called with s.mu held.
func (s *Simulator) delay() time.Duration {
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + time.Duration(s.rnd.Int63n(int64(span)))
}

func placeholder(j *job, quality relayapi.Quality) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GENRELAY PLACEHOLDER RENDER\n")
	fmt.Fprintf(&b, "task=%s quality=%s model=%q aspect=%s duration=%s\n",
		j.taskCode, quality, j.model.Model, j.model.AspectRatio, j.model.Duration)
	fmt.Fprintf(&b, "references=%d dry_run=%t\n", j.refs, j.dryRun)
	fmt.Fprintf(&b, "prompt=%s\n", j.prompt)
	return b.Bytes()
}
