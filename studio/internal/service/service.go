package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	studiopb "github.com/you-humble/genrelay/core/grpc/studio"
	"github.com/you-humble/genrelay/core/relayapi"
	"github.com/you-humble/genrelay/studio/internal/simulator"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Tool interface {
	Configure(ctx context.Context, taskCode string, mc simulator.ModelConfig) error
	Submit(ctx context.Context, taskCode, prompt string, refs []simulator.Reference, dryRun bool) error
	Poll(ctx context.Context, taskCode string, quality relayapi.Quality) (simulator.Poll, error)
	TriggerUpscale(ctx context.Context, taskCode string) (simulator.UpscaleOutcome, error)
	Upload(ctx context.Context, artifactURL, taskCode string, quality relayapi.Quality) (relayapi.UploadResult, error)
}

type StudioService struct {
	tool          Tool
	uploadTimeout time.Duration
	studiopb.UnimplementedStudioServer
}

func NewStudioService(tool Tool, uploadTimeout time.Duration) *StudioService {
	if uploadTimeout <= 0 {
		uploadTimeout = 2 * time.Minute
	}
	return &StudioService{tool: tool, uploadTimeout: uploadTimeout}
}

func (s *StudioService) Configure(ctx context.Context, req *studiopb.ConfigureRequest) (*studiopb.ConfigureResponse, error) {
	mc := req.ModelConfig
	err := s.tool.Configure(ctx, req.TaskCode, simulator.ModelConfig{
		Model:         mc.Model,
		ReferenceMode: mc.ReferenceMode,
		AspectRatio:   mc.AspectRatio,
		Duration:      mc.Duration,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &studiopb.ConfigureResponse{Ok: true}, nil
}

func (s *StudioService) SubmitGeneration(ctx context.Context, req *studiopb.SubmitGenerationRequest) (*studiopb.SubmitGenerationResponse, error) {
	refs := make([]simulator.Reference, 0, len(req.Files))
	for _, f := range req.Files {
		refs = append(refs, simulator.Reference{FileName: f.FileName, Base64: f.Base64})
	}

	if err := s.tool.Submit(ctx, req.TaskCode, req.Prompt, refs, req.DryRun); err != nil {
		slog.Error("submit failed",
			slog.String("task_code", req.TaskCode),
			slog.String("error", err.Error()),
		)
		return nil, toStatus(err)
	}
	return &studiopb.SubmitGenerationResponse{Ok: true}, nil
}

func (s *StudioService) PollArtifact(ctx context.Context, req *studiopb.PollArtifactRequest) (*studiopb.PollArtifactResponse, error) {
	quality := relayapi.Quality(req.Quality)
	if quality == "" {
		quality = relayapi.QualityStandard
	}

	p, err := s.tool.Poll(ctx, req.TaskCode, quality)
	if err != nil {
		return nil, toStatus(err)
	}
	return &studiopb.PollArtifactResponse{
		Found:       p.Found,
		Status:      string(p.State),
		ArtifactURL: p.ArtifactURL,
		Error:       p.Error,
	}, nil
}

func (s *StudioService) TriggerUpscale(ctx context.Context, req *studiopb.TriggerUpscaleRequest) (*studiopb.TriggerUpscaleResponse, error) {
	outcome, err := s.tool.TriggerUpscale(ctx, req.TaskCode)
	if err != nil {
		// a refused trigger is an answer, not a transport failure
		return &studiopb.TriggerUpscaleResponse{Outcome: string(outcome), Error: err.Error()}, nil
	}
	return &studiopb.TriggerUpscaleResponse{Outcome: string(outcome)}, nil
}

func (s *StudioService) UploadArtifact(ctx context.Context, req *studiopb.UploadArtifactRequest) (*studiopb.UploadArtifactResponse, error) {
	upCtx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	res, err := s.tool.Upload(upCtx, req.ArtifactURL, req.TaskCode, relayapi.Quality(req.Quality))
	if err != nil {
		slog.Error("upload failed",
			slog.String("task_code", req.TaskCode),
			slog.String("artifact_url", req.ArtifactURL),
			slog.String("error", err.Error()),
		)
		return nil, toStatus(err)
	}

	return &studiopb.UploadArtifactResponse{
		Uploaded: true,
		Size:     res.Size,
		FileID:   res.FileID,
	}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, simulator.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, simulator.ErrUnknownTask):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, simulator.ErrNotReady):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
