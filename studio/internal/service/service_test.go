package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	studiopb "github.com/you-humble/genrelay/core/grpc/studio"
	"github.com/you-humble/genrelay/core/relayapi"
	"github.com/you-humble/genrelay/studio/internal/simulator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeTool struct {
	refs []simulator.Reference
}

func (f *fakeTool) Configure(ctx context.Context, taskCode string, mc simulator.ModelConfig) error {
	return nil
}

func (f *fakeTool) Submit(ctx context.Context, taskCode, prompt string, refs []simulator.Reference, dryRun bool) error {
	f.refs = refs
	if prompt == "" {
		return fmt.Errorf("%w: prompt is required", simulator.ErrInvalidRequest)
	}
	return nil
}

func (f *fakeTool) Poll(ctx context.Context, taskCode string, quality relayapi.Quality) (simulator.Poll, error) {
	if taskCode == "gone" {
		return simulator.Poll{}, fmt.Errorf("%w: gone", simulator.ErrUnknownTask)
	}
	return simulator.Poll{Found: true, State: simulator.StateCompleted, ArtifactURL: "studio://artifacts/" + string(quality)}, nil
}

func (f *fakeTool) TriggerUpscale(ctx context.Context, taskCode string) (simulator.UpscaleOutcome, error) {
	return simulator.UpscaleFailed, fmt.Errorf("%w: standard render", simulator.ErrNotReady)
}

func (f *fakeTool) Upload(ctx context.Context, artifactURL, taskCode string, quality relayapi.Quality) (relayapi.UploadResult, error) {
	return relayapi.UploadResult{FileID: "F0003", Size: 12}, nil
}

func TestSubmitMapsReferences(t *testing.T) {
	tool := &fakeTool{}
	svc := NewStudioService(tool, 0)

	_, err := svc.SubmitGeneration(context.Background(), &studiopb.SubmitGenerationRequest{
		TaskCode: "T1",
		Prompt:   "p",
		Files:    []studiopb.File{{FileName: "a.png", Base64: "eA=="}},
	})
	require.NoError(t, err)
	assert.Equal(t, []simulator.Reference{{FileName: "a.png", Base64: "eA=="}}, tool.refs)

	_, err = svc.SubmitGeneration(context.Background(), &studiopb.SubmitGenerationRequest{TaskCode: "T1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPollDefaultsToStandard(t *testing.T) {
	svc := NewStudioService(&fakeTool{}, 0)

	resp, err := svc.PollArtifact(context.Background(), &studiopb.PollArtifactRequest{TaskCode: "T1"})
	require.NoError(t, err)
	assert.Equal(t, "studio://artifacts/standard", resp.ArtifactURL)
	assert.Equal(t, "completed", resp.Status)

	_, err = svc.PollArtifact(context.Background(), &studiopb.PollArtifactRequest{TaskCode: "gone"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestTriggerRefusalIsAnAnswer(t *testing.T) {
	svc := NewStudioService(&fakeTool{}, 0)

	resp, err := svc.TriggerUpscale(context.Background(), &studiopb.TriggerUpscaleRequest{TaskCode: "T1"})
	require.NoError(t, err)
	assert.Equal(t, studiopb.UpscaleFailed, resp.Outcome)
	assert.Contains(t, resp.Error, "not ready")
}

func TestUploadArtifact(t *testing.T) {
	svc := NewStudioService(&fakeTool{}, 0)

	resp, err := svc.UploadArtifact(context.Background(), &studiopb.UploadArtifactRequest{TaskCode: "T1", Quality: "hd"})
	require.NoError(t, err)
	assert.True(t, resp.Uploaded)
	assert.Equal(t, int64(12), resp.Size)
}

func TestRecoveryInterceptor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	icpt := RecoveryUnaryInterceptor(logger)

	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(ctx context.Context, req any) (any, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestTaskCodeOf(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"taskCode": "SD-1", "quality": "hd"})
	require.NoError(t, err)

	assert.Equal(t, "SD-1", taskCodeOf(s))
	assert.Empty(t, taskCodeOf("not a struct"))
	assert.Empty(t, taskCodeOf(&structpb.Struct{}))
}
