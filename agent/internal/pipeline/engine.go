package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/you-humble/genrelay/agent/internal/domain"
	"github.com/you-humble/genrelay/core/relayapi"
)

const (
	DefaultGenerationTimeout = 10 * time.Minute
	DefaultUpscaleTimeout    = 10 * time.Minute
	DefaultMaxRetries        = 3
)

// Warnings carried by tasks that completed with the standard artifact only.
const (
	MsgGenerationTimeout = "generation timeout"
	MsgGenerationFailed  = "generation failed"
	MsgUpscaleFailed     = "upscale failed, standard delivered"
	MsgUpscaleTimeout    = "upscale timeout, standard delivered"
	MsgUpscaleProcessing = "upscale processing failed, standard delivered"
	MsgHDUploadFailed    = "hd upload failed, standard delivered"
)

type Studio interface {
	Configure(ctx context.Context, taskCode string, mc relayapi.ModelConfig) error
	SubmitGeneration(ctx context.Context, taskCode string, files []relayapi.ReferenceFile, prompt string, dryRun bool) error
	PollArtifact(ctx context.Context, taskCode string, quality relayapi.Quality) (domain.Poll, error)
	TriggerUpscale(ctx context.Context, taskCode string) (domain.UpscaleOutcome, error)
	UploadArtifact(ctx context.Context, artifactURL, taskCode string, quality relayapi.Quality) (int64, error)
}

type Reporter interface {
	ReportStatus(ctx context.Context, u relayapi.StatusUpdate) error
}

type Options struct {
	GenerationTimeout time.Duration
	UpscaleTimeout    time.Duration
	MaxRetries        int
}

type Engine struct {
	studio   Studio
	reporter Reporter
	opts     Options
	now      func() time.Time
}

func New(studio Studio, reporter Reporter, opts Options, now func() time.Time) *Engine {
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = DefaultGenerationTimeout
	}
	if opts.UpscaleTimeout <= 0 {
		opts.UpscaleTimeout = DefaultUpscaleTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{studio: studio, reporter: reporter, opts: opts, now: now}
}

// Dispatch configures the studio for a pending record and starts generation.
// The record ends up generating, or failed when any step errors.
func (e *Engine) Dispatch(ctx context.Context, rec *domain.TaskRecord) {
	if rec.Status != relayapi.StatusPending {
		return
	}
	code := rec.Code()

	rec.ExecutedAt = e.now()
	e.transition(ctx, rec, relayapi.StatusConfiguring, "")

	if err := e.studio.Configure(ctx, code, rec.Task.ModelConfig); err != nil {
		e.fail(ctx, rec, "configure: "+err.Error())
		return
	}

	// without realSubmit the studio fills the form but never presses submit
	dryRun := !rec.Task.RealSubmit
	if err := e.studio.SubmitGeneration(ctx, code, rec.Task.ReferenceFiles, rec.Task.Prompt, dryRun); err != nil {
		e.fail(ctx, rec, "submit: "+err.Error())
		return
	}

	rec.GeneratingStartedAt = e.now()
	rec.LastPollAt = rec.GeneratingStartedAt
	e.transition(ctx, rec, relayapi.StatusGenerating, "")
}

// Advance runs one monitor step for a generating or upscaling record.
func (e *Engine) Advance(ctx context.Context, rec *domain.TaskRecord) {
	rec.LastPollAt = e.now()

	switch rec.Status {
	case relayapi.StatusGenerating:
		e.advanceGeneration(ctx, rec)
	case relayapi.StatusUpscaling:
		e.advanceUpscale(ctx, rec)
	}
}

func (e *Engine) advanceGeneration(ctx context.Context, rec *domain.TaskRecord) {
	if e.now().Sub(rec.GeneratingStartedAt) > e.opts.GenerationTimeout {
		e.generationLost(ctx, rec, MsgGenerationTimeout)
		return
	}

	p, ok := e.poll(ctx, rec, relayapi.QualityStandard)
	if !ok {
		return
	}
	switch p.State {
	case domain.RenderFailed:
		e.generationLost(ctx, rec, MsgGenerationFailed)
		return
	case domain.RenderCompleted:
	default:
		return
	}

	if !rec.StandardUploaded {
		e.transition(ctx, rec, relayapi.StatusUploading, "")
		size, err := e.studio.UploadArtifact(ctx, p.ArtifactURL, rec.Code(), relayapi.QualityStandard)
		if err != nil {
			e.fail(ctx, rec, "standard upload: "+err.Error())
			return
		}
		rec.StandardUploaded = true
		slog.Info("standard artifact uploaded",
			slog.String("task_code", rec.Code()),
			slog.Int64("size", size),
		)
	}

	if !rec.Task.RealSubmit {
		e.complete(ctx, rec, "")
		return
	}
	e.triggerUpscale(ctx, rec)
}

// generationLost ends a generating record that will produce no artifact.
// Inside an upscale retry loop the standard artifact already exists.
func (e *Engine) generationLost(ctx context.Context, rec *domain.TaskRecord, msg string) {
	if rec.StandardUploaded {
		e.complete(ctx, rec, MsgUpscaleFailed)
		return
	}
	e.fail(ctx, rec, msg)
}

func (e *Engine) triggerUpscale(ctx context.Context, rec *domain.TaskRecord) {
	outcome, err := e.studio.TriggerUpscale(ctx, rec.Code())
	if err != nil {
		slog.Warn("upscale trigger failed",
			slog.String("task_code", rec.Code()),
			slog.String("error", err.Error()),
		)
		outcome = domain.UpscaleFailed
	}

	switch outcome {
	case domain.UpscaleTriggered:
		rec.UpscalingStartedAt = e.now()
		rec.LastPollAt = rec.UpscalingStartedAt
		e.transition(ctx, rec, relayapi.StatusUpscaling, "")
	case domain.UpscaleAlreadyHD:
		e.complete(ctx, rec, "")
	default:
		if rec.PipelineRetries >= e.opts.MaxRetries {
			e.complete(ctx, rec, MsgUpscaleFailed)
			return
		}
		rec.PipelineRetries++
		rec.GeneratingStartedAt = e.now()
		rec.LastPollAt = rec.GeneratingStartedAt
		slog.Info("upscale retry",
			slog.String("task_code", rec.Code()),
			slog.Int("attempt", rec.PipelineRetries),
		)
		e.transition(ctx, rec, relayapi.StatusGenerating, "")
	}
}

func (e *Engine) advanceUpscale(ctx context.Context, rec *domain.TaskRecord) {
	if e.now().Sub(rec.UpscalingStartedAt) > e.opts.UpscaleTimeout {
		e.complete(ctx, rec, MsgUpscaleTimeout)
		return
	}

	p, ok := e.poll(ctx, rec, relayapi.QualityHD)
	if !ok {
		return
	}
	switch p.State {
	case domain.RenderFailed:
		e.complete(ctx, rec, MsgUpscaleProcessing)
		return
	case domain.RenderCompleted:
	default:
		return
	}

	e.transition(ctx, rec, relayapi.StatusUploadingHD, "")
	if _, err := e.studio.UploadArtifact(ctx, p.ArtifactURL, rec.Code(), relayapi.QualityHD); err != nil {
		slog.Error("hd upload failed",
			slog.String("task_code", rec.Code()),
			slog.String("error", err.Error()),
		)
		e.complete(ctx, rec, MsgHDUploadFailed)
		return
	}
	e.complete(ctx, rec, "")
}

// poll reports ok only for a found artifact in a definite state.
// Transport errors are retried on the next tick.
func (e *Engine) poll(ctx context.Context, rec *domain.TaskRecord, quality relayapi.Quality) (domain.Poll, bool) {
	p, err := e.studio.PollArtifact(ctx, rec.Code(), quality)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrStudioUnavailable) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "poll failed",
			slog.String("task_code", rec.Code()),
			slog.String("quality", string(quality)),
			slog.String("error", err.Error()),
		)
		return domain.Poll{}, false
	}
	if !p.Found {
		return p, false
	}
	return p, true
}

func (e *Engine) complete(ctx context.Context, rec *domain.TaskRecord, warning string) {
	rec.CompletedAt = e.now()
	e.transition(ctx, rec, relayapi.StatusCompleted, warning)
}

func (e *Engine) fail(ctx context.Context, rec *domain.TaskRecord, msg string) {
	rec.CompletedAt = e.now()
	e.transition(ctx, rec, relayapi.StatusFailed, msg)
}

// transition updates the record and reports it. A failed report is logged
// and never rolls back local state.
func (e *Engine) transition(ctx context.Context, rec *domain.TaskRecord, status relayapi.TaskStatus, msg string) {
	rec.Status = status
	rec.Error = msg

	u := relayapi.StatusUpdate{
		TaskCode:            rec.Code(),
		Status:              status,
		ExecutedAt:          timePtr(rec.ExecutedAt),
		GeneratingStartedAt: timePtr(rec.GeneratingStartedAt),
		UpscalingStartedAt:  timePtr(rec.UpscalingStartedAt),
		CompletedAt:         timePtr(rec.CompletedAt),
	}
	if msg != "" {
		u.Error = &msg
	}
	if rec.PipelineRetries > 0 {
		retries := rec.PipelineRetries
		u.PipelineRetries = &retries
	}

	slog.Info("task transition",
		slog.String("task_code", rec.Code()),
		slog.String("status", string(status)),
		slog.String("error", msg),
	)
	if err := e.reporter.ReportStatus(ctx, u); err != nil {
		slog.Warn("report status",
			slog.String("task_code", rec.Code()),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
