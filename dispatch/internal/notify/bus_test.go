package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/genrelay/dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) }

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		require.True(t, ok, "channel closed")
		return m
	default:
		t.Fatal("no message queued")
		return Message{}
	}
}

func TestSubscribeQueuesConnected(t *testing.T) {
	b := NewBus(4, nil, fixedNow)
	sub := b.Subscribe("A")

	m := recv(t, sub)
	assert.Equal(t, domain.EventConnected, m.Event)

	var p domain.ConnectedPayload
	require.NoError(t, json.Unmarshal(m.Data, &p))
	assert.Equal(t, "A", p.ClientID)
	assert.Equal(t, fixedNow(), p.Time)
	assert.Equal(t, 1, b.Count())
}

func TestBroadcastExcludes(t *testing.T) {
	b := NewBus(4, nil, fixedNow)
	a := b.Subscribe("A")
	c := b.Subscribe("B")
	recv(t, a)
	recv(t, c)

	n := b.Broadcast(domain.EventTaskStatus, map[string]string{"taskCode": "T1"}, "A")
	assert.Equal(t, 1, n)

	m := recv(t, c)
	assert.Equal(t, domain.EventTaskStatus, m.Event)
	assert.JSONEq(t, `{"taskCode":"T1"}`, string(m.Data))
	assert.Empty(t, a.C())
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	b := NewBus(1, nil, fixedNow)
	sub := b.Subscribe("A") // buffer holds the connected event

	assert.Equal(t, 1, b.Broadcast(domain.EventNewTasks, struct{}{}, ""))
	assert.Equal(t, domain.EventConnected, recv(t, sub).Event)
	assert.Empty(t, sub.C())
}

func TestResubscribeReplacesOldChannel(t *testing.T) {
	b := NewBus(4, nil, fixedNow)
	old := b.Subscribe("A")
	fresh := b.Subscribe("A")

	recv(t, old)
	_, ok := <-old.C()
	assert.False(t, ok, "old channel closed")

	b.Unsubscribe(old)
	assert.Equal(t, 1, b.Count(), "stale unsubscribe leaves the new one alone")

	b.Unsubscribe(fresh)
	assert.Equal(t, 0, b.Count())
}

type mirror struct {
	mu     sync.Mutex
	events []string
	err    error
	block  chan struct{}
}

func (m *mirror) Publish(ctx context.Context, event string, data []byte) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *mirror) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func TestBroadcastMirrors(t *testing.T) {
	mi := &mirror{err: errors.New("nats down")}
	b := NewBus(4, mi, fixedNow)

	assert.Equal(t, 0, b.Broadcast(domain.EventNewTasks, struct{}{}, ""))
	b.Close()
	assert.Equal(t, []string{"new-tasks"}, mi.published())
}

func TestBroadcastDoesNotWaitForMirror(t *testing.T) {
	mi := &mirror{block: make(chan struct{})}
	b := NewBus(4, mi, fixedNow)
	sub := b.Subscribe("A")
	recv(t, sub)

	done := make(chan struct{})
	go func() {
		b.Broadcast(domain.EventTaskReleased, struct{}{}, "")
		b.Broadcast(domain.EventNewTasks, struct{}{}, "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled mirror")
	}
	assert.Equal(t, domain.EventTaskReleased, recv(t, sub).Event)
	assert.Empty(t, mi.published())

	close(mi.block)
	b.Close()
	assert.Equal(t, []string{"task-released", "new-tasks"}, mi.published())

	b.Close()
	assert.Zero(t, b.Broadcast(domain.EventNewTasks, struct{}{}, "A"), "closed mirror is skipped")
}
