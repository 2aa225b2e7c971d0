package usecase

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/you-humble/genrelay/core/libs/filestore"
	"github.com/you-humble/genrelay/dispatch/internal/domain"
	artifactstore "github.com/you-humble/genrelay/dispatch/internal/infra/store/artifact"
	taskstore "github.com/you-humble/genrelay/dispatch/internal/infra/store/task"
	"github.com/you-humble/genrelay/dispatch/internal/lease"
	"github.com/you-humble/genrelay/dispatch/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type harness struct {
	uc    *usecase
	clock *clock
	bus   *notify.Bus
	dir   string
}

func newHarness(t *testing.T, ttl time.Duration) *harness {
	t.Helper()
	ctx := context.Background()
	c := &clock{t: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}

	tasks, err := taskstore.New(ctx, "", nil, c.Now)
	require.NoError(t, err)
	bus := notify.NewBus(16, nil, c.Now)
	leases := lease.NewManager(ttl, tasks, bus, c.Now)

	dir := t.TempDir()
	files, err := filestore.NewLocalStore(dir)
	require.NoError(t, err)
	artifacts, err := artifactstore.New(ctx, nil, c.Now)
	require.NoError(t, err)

	uc := New(tasks, leases, bus, files, artifacts, domain.ClientConfig{MaxConcurrent: 1, TaskDelay: 3}, c.Now)
	return &harness{uc: uc, clock: c, bus: bus, dir: dir}
}

func (h *harness) enqueue(t *testing.T, prompts ...string) []string {
	t.Helper()
	specs := make([]domain.TaskSpec, 0, len(prompts))
	for _, p := range prompts {
		specs = append(specs, domain.TaskSpec{Prompt: p})
	}
	codes, _, err := h.uc.Enqueue(context.Background(), specs)
	require.NoError(t, err)
	return codes
}

func codesOf(tasks []domain.ClientTask) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.TaskCode)
	}
	return out
}

func status(t *testing.T, h *harness, code string) domain.TaskStatus {
	t.Helper()
	for _, s := range h.uc.ListTasks(context.Background()) {
		if s.TaskCode == code {
			return s.Status
		}
	}
	t.Fatalf("task %s not listed", code)
	return ""
}

func TestEnqueueRejectsMalformedBatchWhole(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	_, _, err := h.uc.Enqueue(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, _, err = h.uc.Enqueue(ctx, []domain.TaskSpec{
		{Prompt: "ok"},
		{Prompt: "   "},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, _, err = h.uc.Enqueue(ctx, []domain.TaskSpec{{
		Prompt:         "ok",
		ReferenceFiles: []domain.ReferenceFile{{FileName: "a.png"}},
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Empty(t, h.uc.ListTasks(ctx), "nothing created from a rejected batch")
}

func TestEnqueueNotifiesSubscribers(t *testing.T) {
	h := newHarness(t, time.Hour)
	sub := h.bus.Subscribe("A")
	<-sub.C() // connected

	codes, notified, err := h.uc.Enqueue(context.Background(), []domain.TaskSpec{{Prompt: "p1"}, {Prompt: "p2"}})
	require.NoError(t, err)
	assert.Len(t, codes, 2)
	assert.Equal(t, 1, notified)

	m := <-sub.C()
	assert.Equal(t, domain.EventNewTasks, m.Event)
	assert.Contains(t, string(m.Data), codes[0])
}

func TestFetchPendingIsExclusive(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1", "p2")

	a, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, codes, codesOf(a))

	b, err := h.uc.FetchPending(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, b, "B must not see A's leased tasks")

	again, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, codes, codesOf(again), "own leased tasks are handed back until acked")

	_, err = h.uc.FetchPending(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAckIsIdempotent(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1")
	_, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)

	acked, unknown, err := h.uc.Ack(ctx, []string{codes[0], "nope"})
	require.NoError(t, err)
	assert.Equal(t, codes, acked)
	assert.Equal(t, []string{"nope"}, unknown)
	assert.Equal(t, domain.StatusAcked, status(t, h, codes[0]))

	acked, _, err = h.uc.Ack(ctx, codes)
	require.NoError(t, err)
	assert.Equal(t, codes, acked)
	assert.Equal(t, domain.StatusAcked, status(t, h, codes[0]))

	rest, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, rest, "acked tasks are not handed out again")
}

func TestTerminalReportDropsLease(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1")
	_, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)

	task, err := h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: codes[0], Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	assert.NotContains(t, h.uc.Info(ctx).Leases, codes[0])

	_, err = h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: codes[0], Status: domain.StatusGenerating})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReportStatusValidation(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	_, err := h.uc.ReportStatus(ctx, domain.StatusUpdate{Status: domain.StatusAcked})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: "X", Status: "dancing"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: "X", Status: domain.StatusAcked})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1")

	_, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)
	_, _, err = h.uc.Ack(ctx, codes)
	require.NoError(t, err)
	_, err = h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: codes[0], Status: domain.StatusGenerating})
	require.NoError(t, err)

	b, err := h.uc.FetchPending(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, b, "A still holds the lease")

	h.clock.t = h.clock.t.Add(time.Hour + time.Second)

	b, err = h.uc.FetchPending(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, codes, codesOf(b))
	assert.Equal(t, "B", h.uc.Info(ctx).Leases[codes[0]].ClientID)
}

func TestReleaseReturnsTaskToPool(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1")
	_, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)

	sub := h.bus.Subscribe("B")
	<-sub.C()

	ok, err := h.uc.Release(ctx, codes[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusPending, status(t, h, codes[0]))
	assert.Equal(t, domain.EventTaskReleased, (<-sub.C()).Event)

	ok, err = h.uc.Release(ctx, codes[0])
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to release")

	_, err = h.uc.Release(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	b, err := h.uc.FetchPending(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, codes, codesOf(b))
}

func runToRetry(t *testing.T, h *harness, code string, retries ...int) {
	t.Helper()
	ctx := context.Background()
	for _, st := range []domain.TaskStatus{
		domain.StatusConfiguring, domain.StatusGenerating, domain.StatusUploading,
	} {
		_, err := h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: code, Status: st})
		require.NoError(t, err, st)
	}
	for _, n := range retries {
		_, err := h.uc.ReportStatus(ctx, domain.StatusUpdate{
			TaskCode: code, Status: domain.StatusGenerating, PipelineRetries: &n,
		})
		require.NoError(t, err, "retry %d", n)
	}
}

func TestReleasedInFlightTaskStartsFresh(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1")

	_, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)
	_, _, err = h.uc.Ack(ctx, codes)
	require.NoError(t, err)
	runToRetry(t, h, codes[0], 1, 2)

	ok, err := h.uc.Release(ctx, codes[0])
	require.NoError(t, err)
	require.True(t, ok)

	b, err := h.uc.FetchPending(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, codes, codesOf(b))
	_, _, err = h.uc.Ack(ctx, codes)
	require.NoError(t, err)

	runToRetry(t, h, codes[0], 1)
	assert.Equal(t, domain.StatusGenerating, status(t, h, codes[0]))
}

func TestPurgeDropsLeases(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1", "p2")
	_, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)

	removed, err := h.uc.Purge(ctx, []string{codes[0], "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{codes[0]}, removed)

	info := h.uc.Info(ctx)
	assert.Equal(t, 1, info.Tasks)
	assert.NotContains(t, info.Leases, codes[0])

	_, err = h.uc.Purge(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUploadArtifact(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes, _, err := h.uc.Enqueue(ctx, []domain.TaskSpec{{Prompt: "a fox", Tags: []string{"fox"}}})
	require.NoError(t, err)

	a, err := h.uc.UploadArtifact(ctx, strings.NewReader("video-bytes"), domain.UploadParams{
		TaskCode:         codes[0],
		Quality:          domain.QualityHD,
		MimeType:         "video/mp4",
		OriginalFilename: "clip.MOV",
	})
	require.NoError(t, err)
	assert.Equal(t, "F0001", a.FileID)
	assert.Equal(t, codes[0]+"_hd_F0001.mov", a.Filename)
	assert.Equal(t, int64(len("video-bytes")), a.Size)
	assert.Equal(t, "a fox", a.TaskPrompt)
	assert.Equal(t, []string{"fox"}, a.TaskTags)
	require.NotNil(t, a.TaskModelConfig)

	files, err := filestore.NewLocalStore(h.dir)
	require.NoError(t, err)
	rc, _, err := files.Open(ctx, a.Filename)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "video-bytes", string(body))

	orphan, err := h.uc.UploadArtifact(ctx, strings.NewReader("x"), domain.UploadParams{TaskCode: "GONE-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.QualityStandard, orphan.Quality)
	assert.Equal(t, "GONE-1_standard_F0002.mp4", orphan.Filename)
	assert.Nil(t, orphan.TaskModelConfig)

	listing := h.uc.ListArtifacts(ctx, domain.ArtifactFilter{Tags: []string{"fox"}})
	assert.Equal(t, 1, listing.Total)

	_, err = h.uc.UploadArtifact(ctx, strings.NewReader("x"), domain.UploadParams{TaskCode: "../etc"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.uc.UploadArtifact(ctx, strings.NewReader("x"), domain.UploadParams{TaskCode: "T", Quality: "4k"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestListTasksTruncatesPrompt(t *testing.T) {
	h := newHarness(t, time.Hour)
	long := strings.Repeat("长", 70)
	h.enqueue(t, long)

	rows := h.uc.ListTasks(context.Background())
	require.Len(t, rows, 1)
	assert.Equal(t, strings.Repeat("长", 60)+"...", rows[0].Prompt)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".webm", extension("a.WEBM", "video/mp4"))
	assert.Equal(t, ".webm", extension("", "video/webm; codecs=vp9"))
	assert.Equal(t, ".mp4", extension("", ""))
	assert.Equal(t, ".x-matroska", extension("", "video/x-matroska"))
	assert.Equal(t, ".mp4", extension("", "video/x/../t1_standard_f0001.mp4"))
	assert.Equal(t, ".mp4", extension("", "video/..mp4"))
	assert.Equal(t, ".mp4", extension("clip.m p4", ""))
}

func TestUploadKeepsFilenameInsideStore(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1")

	a, err := h.uc.UploadArtifact(ctx, strings.NewReader("bytes"), domain.UploadParams{
		TaskCode: codes[0],
		MimeType: "video/x/../t1_standard_f0001.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, codes[0]+"_standard_F0001.mp4", a.Filename)

	files, err := filestore.NewLocalStore(h.dir)
	require.NoError(t, err)
	rc, _, err := files.Open(ctx, a.Filename)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}

// Two agents race for a batch; one finishes, one walks away.
func TestTwoClientScenario(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	codes := h.enqueue(t, "p1", "p2", "p3")

	a, err := h.uc.FetchPending(ctx, "A")
	require.NoError(t, err)
	require.Len(t, a, 3)
	_, _, err = h.uc.Ack(ctx, codesOf(a[:1]))
	require.NoError(t, err)

	for _, st := range []domain.TaskStatus{
		domain.StatusConfiguring, domain.StatusGenerating, domain.StatusUploading,
	} {
		_, err := h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: codes[0], Status: st})
		require.NoError(t, err, st)
	}

	// upscale trigger failed: back to generating with a bumped counter
	retries := 1
	_, err = h.uc.ReportStatus(ctx, domain.StatusUpdate{
		TaskCode: codes[0], Status: domain.StatusGenerating, PipelineRetries: &retries,
	})
	require.NoError(t, err)
	_, err = h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: codes[0], Status: domain.StatusGenerating})
	require.NoError(t, err, "same-state report is accepted")

	_, err = h.uc.UploadArtifact(ctx, strings.NewReader("std"), domain.UploadParams{TaskCode: codes[0]})
	require.NoError(t, err)
	_, err = h.uc.ReportStatus(ctx, domain.StatusUpdate{TaskCode: codes[0], Status: domain.StatusCompleted})
	require.NoError(t, err)

	for _, code := range codes[1:] {
		ok, err := h.uc.Release(ctx, code)
		require.NoError(t, err)
		require.True(t, ok)
	}

	b, err := h.uc.FetchPending(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, codes[1:], codesOf(b))

	info := h.uc.Info(ctx)
	assert.Equal(t, 3, info.Tasks)
	assert.Equal(t, 1, info.ByStatus[domain.StatusCompleted])
	assert.Equal(t, 2, info.ByStatus[domain.StatusOccupied])
	assert.Equal(t, 1, info.Artifacts)
}
