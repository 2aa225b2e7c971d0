package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/you-humble/genrelay/agent/internal/domain"
	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStudio struct {
	configureErr error
	submitErr    error
	dryRuns      []bool

	polls    map[relayapi.Quality][]domain.Poll
	pollErr  error
	triggers []domain.UpscaleOutcome

	uploads map[relayapi.Quality]int
}

func newFakeStudio() *fakeStudio {
	return &fakeStudio{
		polls:   make(map[relayapi.Quality][]domain.Poll),
		uploads: make(map[relayapi.Quality]int),
	}
}

func (f *fakeStudio) Configure(ctx context.Context, taskCode string, mc relayapi.ModelConfig) error {
	return f.configureErr
}

func (f *fakeStudio) SubmitGeneration(ctx context.Context, taskCode string, files []relayapi.ReferenceFile, prompt string, dryRun bool) error {
	f.dryRuns = append(f.dryRuns, dryRun)
	return f.submitErr
}

// PollArtifact replays the scripted polls; the last one repeats.
func (f *fakeStudio) PollArtifact(ctx context.Context, taskCode string, quality relayapi.Quality) (domain.Poll, error) {
	if f.pollErr != nil {
		return domain.Poll{}, f.pollErr
	}
	script := f.polls[quality]
	if len(script) == 0 {
		return domain.Poll{}, nil
	}
	p := script[0]
	if len(script) > 1 {
		f.polls[quality] = script[1:]
	}
	return p, nil
}

func (f *fakeStudio) TriggerUpscale(ctx context.Context, taskCode string) (domain.UpscaleOutcome, error) {
	if len(f.triggers) == 0 {
		return domain.UpscaleFailed, errors.New("button not found")
	}
	o := f.triggers[0]
	f.triggers = f.triggers[1:]
	return o, nil
}

func (f *fakeStudio) UploadArtifact(ctx context.Context, artifactURL, taskCode string, quality relayapi.Quality) (int64, error) {
	f.uploads[quality]++
	return 42, nil
}

type recordingReporter struct {
	updates []relayapi.StatusUpdate
	err     error
}

func (r *recordingReporter) ReportStatus(ctx context.Context, u relayapi.StatusUpdate) error {
	r.updates = append(r.updates, u)
	return r.err
}

func (r *recordingReporter) statuses() []relayapi.TaskStatus {
	out := make([]relayapi.TaskStatus, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var (
	inProgress = domain.Poll{Found: true, State: domain.RenderGenerating}
	ready      = domain.Poll{Found: true, State: domain.RenderCompleted, ArtifactURL: "studio://artifacts/x.mp4"}
	broken     = domain.Poll{Found: true, State: domain.RenderFailed, Error: "render crashed"}
)

func newRecord(realSubmit bool, c *clock) *domain.TaskRecord {
	return domain.NewTaskRecord(relayapi.Task{
		TaskCode:   "SD-20260301-AB12-001",
		Prompt:     "a cat @2",
		RealSubmit: realSubmit,
		ReferenceFiles: []relayapi.ReferenceFile{
			{FileName: "a.png", Base64: "eA=="},
			{FileName: "b.png", Base64: "eQ=="},
		},
	}, c.now())
}

func TestDispatchStartsGeneration(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	rep := &recordingReporter{}
	e := New(st, rep, Options{}, c.now)

	rec := newRecord(false, c)
	e.Dispatch(context.Background(), rec)

	assert.Equal(t, relayapi.StatusGenerating, rec.Status)
	assert.Equal(t, []bool{true}, st.dryRuns)
	assert.Equal(t, []relayapi.TaskStatus{relayapi.StatusConfiguring, relayapi.StatusGenerating}, rep.statuses())
	require.NotNil(t, rep.updates[1].GeneratingStartedAt)
	assert.Equal(t, c.now(), *rep.updates[1].GeneratingStartedAt)
}

func TestDispatchConfigureErrorFails(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.configureErr = errors.New("model menu missing")
	rep := &recordingReporter{}
	e := New(st, rep, Options{}, c.now)

	rec := newRecord(true, c)
	e.Dispatch(context.Background(), rec)

	assert.Equal(t, relayapi.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "model menu missing")
	last := rep.updates[len(rep.updates)-1]
	require.NotNil(t, last.Error)
	assert.Contains(t, *last.Error, "model menu missing")
}

func TestDispatchIgnoresNonPending(t *testing.T) {
	c := newClock()
	rep := &recordingReporter{}
	e := New(newFakeStudio(), rep, Options{}, c.now)

	rec := newRecord(true, c)
	rec.Status = relayapi.StatusGenerating
	e.Dispatch(context.Background(), rec)

	assert.Empty(t, rep.updates)
}

func TestStandardOnlyWithoutRealSubmit(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.polls[relayapi.QualityStandard] = []domain.Poll{inProgress, ready}
	rep := &recordingReporter{}
	e := New(st, rep, Options{}, c.now)

	rec := newRecord(false, c)
	e.Dispatch(context.Background(), rec)

	c.advance(10 * time.Second)
	e.Advance(context.Background(), rec)
	assert.Equal(t, relayapi.StatusGenerating, rec.Status)

	c.advance(10 * time.Second)
	e.Advance(context.Background(), rec)

	assert.Equal(t, relayapi.StatusCompleted, rec.Status)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 1, st.uploads[relayapi.QualityStandard])
	assert.Zero(t, st.uploads[relayapi.QualityHD])
	assert.Equal(t, []relayapi.TaskStatus{
		relayapi.StatusConfiguring,
		relayapi.StatusGenerating,
		relayapi.StatusUploading,
		relayapi.StatusCompleted,
	}, rep.statuses())
}

func TestFullUpscale(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.polls[relayapi.QualityStandard] = []domain.Poll{ready}
	st.polls[relayapi.QualityHD] = []domain.Poll{inProgress, ready}
	st.triggers = []domain.UpscaleOutcome{domain.UpscaleTriggered}
	rep := &recordingReporter{}
	e := New(st, rep, Options{}, c.now)

	rec := newRecord(true, c)
	e.Dispatch(context.Background(), rec)
	assert.Equal(t, []bool{false}, st.dryRuns)

	e.Advance(context.Background(), rec)
	assert.Equal(t, relayapi.StatusUpscaling, rec.Status)

	e.Advance(context.Background(), rec)
	assert.Equal(t, relayapi.StatusUpscaling, rec.Status)

	e.Advance(context.Background(), rec)
	assert.Equal(t, relayapi.StatusCompleted, rec.Status)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 1, st.uploads[relayapi.QualityStandard])
	assert.Equal(t, 1, st.uploads[relayapi.QualityHD])
	assert.Equal(t, []relayapi.TaskStatus{
		relayapi.StatusConfiguring,
		relayapi.StatusGenerating,
		relayapi.StatusUploading,
		relayapi.StatusUpscaling,
		relayapi.StatusUploadingHD,
		relayapi.StatusCompleted,
	}, rep.statuses())
}

func TestAlreadyHDCompletes(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.polls[relayapi.QualityStandard] = []domain.Poll{ready}
	st.triggers = []domain.UpscaleOutcome{domain.UpscaleAlreadyHD}
	e := New(st, &recordingReporter{}, Options{}, c.now)

	rec := newRecord(true, c)
	e.Dispatch(context.Background(), rec)
	e.Advance(context.Background(), rec)

	assert.Equal(t, relayapi.StatusCompleted, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestUpscaleRetriesDegradeToCompleted(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.polls[relayapi.QualityStandard] = []domain.Poll{ready}
	rep := &recordingReporter{}
	e := New(st, rep, Options{MaxRetries: 3}, c.now)

	rec := newRecord(true, c)
	e.Dispatch(context.Background(), rec)

	var retries []int
	for i := 0; i < 10 && !rec.Terminal(); i++ {
		c.advance(10 * time.Second)
		e.Advance(context.Background(), rec)
		if rec.Status == relayapi.StatusGenerating {
			retries = append(retries, rec.PipelineRetries)
		}
	}

	assert.Equal(t, relayapi.StatusCompleted, rec.Status)
	assert.Equal(t, MsgUpscaleFailed, rec.Error)
	assert.Equal(t, []int{1, 2, 3}, retries)
	assert.Equal(t, 1, st.uploads[relayapi.QualityStandard])

	var reported []int
	for _, u := range rep.updates {
		if u.Status == relayapi.StatusGenerating && u.PipelineRetries != nil {
			reported = append(reported, *u.PipelineRetries)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, reported)
}

func TestRetryLoopTimeoutKeepsStandard(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.polls[relayapi.QualityStandard] = []domain.Poll{ready, inProgress}
	e := New(st, &recordingReporter{}, Options{MaxRetries: 3}, c.now)

	rec := newRecord(true, c)
	e.Dispatch(context.Background(), rec)
	e.Advance(context.Background(), rec)
	require.Equal(t, relayapi.StatusGenerating, rec.Status)
	require.Equal(t, 1, rec.PipelineRetries)

	c.advance(DefaultGenerationTimeout + time.Second)
	e.Advance(context.Background(), rec)

	assert.Equal(t, relayapi.StatusCompleted, rec.Status)
	assert.Equal(t, MsgUpscaleFailed, rec.Error)
}

func TestGenerationTimeoutFails(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.polls[relayapi.QualityStandard] = []domain.Poll{inProgress}
	e := New(st, &recordingReporter{}, Options{GenerationTimeout: time.Minute}, c.now)

	rec := newRecord(false, c)
	e.Dispatch(context.Background(), rec)

	c.advance(30 * time.Second)
	e.Advance(context.Background(), rec)
	assert.Equal(t, relayapi.StatusGenerating, rec.Status)

	c.advance(31 * time.Second)
	e.Advance(context.Background(), rec)
	assert.Equal(t, relayapi.StatusFailed, rec.Status)
	assert.Equal(t, MsgGenerationTimeout, rec.Error)
}

func TestGenerationFailureSignal(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.polls[relayapi.QualityStandard] = []domain.Poll{broken}
	e := New(st, &recordingReporter{}, Options{}, c.now)

	rec := newRecord(false, c)
	e.Dispatch(context.Background(), rec)
	e.Advance(context.Background(), rec)

	assert.Equal(t, relayapi.StatusFailed, rec.Status)
	assert.Equal(t, MsgGenerationFailed, rec.Error)
	assert.Zero(t, st.uploads[relayapi.QualityStandard])
}

func TestUpscaleTimeoutAndFailure(t *testing.T) {
	for _, tc := range []struct {
		name    string
		hd      domain.Poll
		advance time.Duration
		want    string
	}{
		{name: "timeout", hd: inProgress, advance: DefaultUpscaleTimeout + time.Second, want: MsgUpscaleTimeout},
		{name: "processing failed", hd: broken, advance: time.Second, want: MsgUpscaleProcessing},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newClock()
			st := newFakeStudio()
			st.polls[relayapi.QualityStandard] = []domain.Poll{ready}
			st.polls[relayapi.QualityHD] = []domain.Poll{tc.hd}
			st.triggers = []domain.UpscaleOutcome{domain.UpscaleTriggered}
			e := New(st, &recordingReporter{}, Options{}, c.now)

			rec := newRecord(true, c)
			e.Dispatch(context.Background(), rec)
			e.Advance(context.Background(), rec)
			require.Equal(t, relayapi.StatusUpscaling, rec.Status)

			c.advance(tc.advance)
			e.Advance(context.Background(), rec)

			assert.Equal(t, relayapi.StatusCompleted, rec.Status)
			assert.Equal(t, tc.want, rec.Error)
			assert.Equal(t, 1, st.uploads[relayapi.QualityStandard])
		})
	}
}

func TestPollErrorLeavesRecord(t *testing.T) {
	c := newClock()
	st := newFakeStudio()
	st.pollErr = domain.ErrStudioUnavailable
	rep := &recordingReporter{}
	e := New(st, rep, Options{}, c.now)

	rec := newRecord(false, c)
	e.Dispatch(context.Background(), rec)
	n := len(rep.updates)

	c.advance(10 * time.Second)
	e.Advance(context.Background(), rec)

	assert.Equal(t, relayapi.StatusGenerating, rec.Status)
	assert.Equal(t, c.now(), rec.LastPollAt)
	assert.Len(t, rep.updates, n)
}

func TestReportErrorKeepsLocalState(t *testing.T) {
	c := newClock()
	rep := &recordingReporter{err: errors.New("connection refused")}
	e := New(newFakeStudio(), rep, Options{}, c.now)

	rec := newRecord(false, c)
	e.Dispatch(context.Background(), rec)

	assert.Equal(t, relayapi.StatusGenerating, rec.Status)
}
