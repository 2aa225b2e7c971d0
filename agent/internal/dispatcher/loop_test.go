package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/genrelay/agent/internal/domain"
	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu       sync.Mutex
	pending  []relayapi.Task
	acked    [][]string
	released []string
	fetches  int
	cfg      relayapi.ClientConfig
	cfgErr   error
}

func (f *fakeRelay) FetchPending(ctx context.Context, clientID string) ([]relayapi.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return append([]relayapi.Task(nil), f.pending...), nil
}

func (f *fakeRelay) Ack(ctx context.Context, codes []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, codes)
	return codes, nil
}

func (f *fakeRelay) Release(ctx context.Context, taskCode string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, taskCode)
	return true, nil
}

func (f *fakeRelay) Config(ctx context.Context) (relayapi.ClientConfig, error) {
	return f.cfg, f.cfgErr
}

func (f *fakeRelay) releasedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// stubPipeline moves dispatched records to generating and completes them on
// the first advance.
type stubPipeline struct {
	dispatched []string
	advanced   []string
}

func (p *stubPipeline) Dispatch(ctx context.Context, rec *domain.TaskRecord) {
	p.dispatched = append(p.dispatched, rec.Code())
	rec.Status = relayapi.StatusGenerating
}

func (p *stubPipeline) Advance(ctx context.Context, rec *domain.TaskRecord) {
	p.advanced = append(p.advanced, rec.Code())
	rec.Status = relayapi.StatusCompleted
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func tasks(codes ...string) []relayapi.Task {
	out := make([]relayapi.Task, 0, len(codes))
	for i, c := range codes {
		// later tasks carry higher priority; dispatch still follows arrival order
		out = append(out, relayapi.Task{TaskCode: c, Priority: i + 1})
	}
	return out
}

func newLoop(relay *fakeRelay, p *stubPipeline, c *clock) *Loop {
	return New(relay, p, Options{
		ClientID:      "agent-1",
		FetchInterval: time.Minute,
		PollInterval:  10 * time.Second,
		TaskDelay:     3 * time.Second,
	}, c.now)
}

func TestIntakeAcksOnlyNewTasks(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	relay := &fakeRelay{pending: tasks("T1", "T2")}
	l := newLoop(relay, &stubPipeline{}, c)

	ctx := context.Background()
	l.intake(ctx)
	l.intake(ctx)

	require.Len(t, relay.acked, 1)
	assert.Equal(t, []string{"T1", "T2"}, relay.acked[0])
	assert.Equal(t, []string{"T1", "T2"}, l.order)
}

func TestDispatchIsFIFOWithDelay(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	relay := &fakeRelay{pending: tasks("T1", "T2", "T3")}
	p := &stubPipeline{}
	l := newLoop(relay, p, c)
	ctx := context.Background()

	l.step(ctx, true)
	assert.Equal(t, []string{"T1"}, p.dispatched)

	c.advance(time.Second)
	l.step(ctx, false)
	assert.Equal(t, []string{"T1"}, p.dispatched, "task delay not elapsed")

	c.advance(2 * time.Second)
	l.step(ctx, false)
	assert.Equal(t, []string{"T1", "T2"}, p.dispatched)
}

func TestConfiguringSlotBlocksDispatch(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	relay := &fakeRelay{pending: tasks("T1", "T2")}
	p := &stubPipeline{}
	l := newLoop(relay, p, c)
	ctx := context.Background()

	l.intake(ctx)
	l.records["T1"].Status = relayapi.StatusConfiguring

	l.dispatch(ctx)
	assert.Empty(t, p.dispatched)
}

func TestMonitorHonoursPollInterval(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	relay := &fakeRelay{pending: tasks("T1")}
	p := &stubPipeline{}
	l := newLoop(relay, p, c)
	ctx := context.Background()

	l.step(ctx, true)
	require.Equal(t, relayapi.StatusGenerating, l.records["T1"].Status)
	l.records["T1"].LastPollAt = c.now()

	c.advance(5 * time.Second)
	l.step(ctx, false)
	assert.Empty(t, p.advanced)

	c.advance(5 * time.Second)
	l.step(ctx, false)
	assert.Equal(t, []string{"T1"}, p.advanced)
	assert.NotContains(t, l.records, "T1", "finished records are pruned")
}

func TestFetchIntervalGatesIntake(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	relay := &fakeRelay{}
	l := newLoop(relay, &stubPipeline{}, c)
	ctx := context.Background()

	l.step(ctx, true)
	l.step(ctx, false)
	assert.Equal(t, 1, relay.fetches)

	l.step(ctx, true)
	assert.Equal(t, 2, relay.fetches)

	c.advance(time.Minute)
	l.step(ctx, false)
	assert.Equal(t, 3, relay.fetches)
}

func TestStepSkipsAfterCancel(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	relay := &fakeRelay{pending: tasks("T1")}
	l := newLoop(relay, &stubPipeline{}, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.step(ctx, true)

	assert.Zero(t, relay.fetches)
}

func TestRunReleasesPendingOnStop(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	relay := &fakeRelay{pending: tasks("T1", "T2"), cfg: relayapi.ClientConfig{TaskDelay: 60}}
	p := &stubPipeline{}
	l := New(relay, p, Options{ClientID: "agent-1", Tick: time.Hour}, c.now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.acked) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	assert.Equal(t, []string{"T1"}, p.dispatched)
	assert.Equal(t, []string{"T2"}, relay.releasedCodes())
	assert.Equal(t, time.Minute, l.taskDelay)
}

func TestConfigErrorKeepsLocalDelay(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	relay := &fakeRelay{cfgErr: errors.New("dial tcp: refused")}
	l := newLoop(relay, &stubPipeline{}, c)

	l.refreshConfig(context.Background())
	assert.Equal(t, 3*time.Second, l.taskDelay)
}

func TestWakeNeverBlocks(t *testing.T) {
	l := New(&fakeRelay{}, &stubPipeline{}, Options{}, nil)
	l.Wake()
	l.Wake()
	assert.Len(t, l.wake, 1)
}
