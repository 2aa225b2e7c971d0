package studio

import (
	"context"
	"fmt"
	"time"

	"github.com/you-humble/genrelay/agent/internal/domain"
	studiopb "github.com/you-humble/genrelay/core/grpc/studio"
	"github.com/you-humble/genrelay/core/relayapi"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func NewConnection(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return conn, nil
}

// Client adapts the studio gRPC contract to the pipeline. Every call carries
// its own deadline; uploads get a longer one.
type Client struct {
	rpc           studiopb.StudioClient
	callTimeout   time.Duration
	uploadTimeout time.Duration
}

func NewClient(conn grpc.ClientConnInterface, callTimeout, uploadTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 3 * time.Minute
	}
	return &Client{
		rpc:           studiopb.NewStudioClient(conn),
		callTimeout:   callTimeout,
		uploadTimeout: uploadTimeout,
	}
}

func (c *Client) Configure(ctx context.Context, taskCode string, mc relayapi.ModelConfig) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	_, err := c.rpc.Configure(ctx, &studiopb.ConfigureRequest{
		TaskCode: taskCode,
		ModelConfig: studiopb.ModelConfig{
			Model:         mc.Model,
			ReferenceMode: mc.ReferenceMode,
			AspectRatio:   mc.AspectRatio,
			Duration:      mc.Duration,
		},
	})
	return wrap("configure", err)
}

func (c *Client) SubmitGeneration(
	ctx context.Context,
	taskCode string,
	files []relayapi.ReferenceFile,
	prompt string,
	dryRun bool,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	pbFiles := make([]studiopb.File, 0, len(files))
	for _, f := range files {
		pbFiles = append(pbFiles, studiopb.File{FileName: f.FileName, Base64: f.Base64, FileType: f.FileType})
	}

	_, err := c.rpc.SubmitGeneration(ctx, &studiopb.SubmitGenerationRequest{
		TaskCode: taskCode,
		Files:    pbFiles,
		Prompt:   prompt,
		DryRun:   dryRun,
	})
	return wrap("submit generation", err)
}

func (c *Client) PollArtifact(ctx context.Context, taskCode string, quality relayapi.Quality) (domain.Poll, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.rpc.PollArtifact(ctx, &studiopb.PollArtifactRequest{TaskCode: taskCode, Quality: string(quality)})
	if err != nil {
		return domain.Poll{}, wrap("poll artifact", err)
	}
	return domain.Poll{
		Found:       resp.Found,
		State:       resp.Status,
		ArtifactURL: resp.ArtifactURL,
		Error:       resp.Error,
	}, nil
}

func (c *Client) TriggerUpscale(ctx context.Context, taskCode string) (domain.UpscaleOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.rpc.TriggerUpscale(ctx, &studiopb.TriggerUpscaleRequest{TaskCode: taskCode})
	if err != nil {
		return domain.UpscaleFailed, wrap("trigger upscale", err)
	}
	if resp.Error != "" {
		return domain.UpscaleOutcome(resp.Outcome), fmt.Errorf("trigger upscale: %s", resp.Error)
	}
	return domain.UpscaleOutcome(resp.Outcome), nil
}

func (c *Client) UploadArtifact(ctx context.Context, artifactURL, taskCode string, quality relayapi.Quality) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	resp, err := c.rpc.UploadArtifact(ctx, &studiopb.UploadArtifactRequest{
		ArtifactURL: artifactURL,
		TaskCode:    taskCode,
		Quality:     string(quality),
	})
	if err != nil {
		return 0, wrap("upload artifact", err)
	}
	if !resp.Uploaded {
		return 0, fmt.Errorf("%w: %s %s", domain.ErrUploadFailed, taskCode, quality)
	}
	return resp.Size, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStudioUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
