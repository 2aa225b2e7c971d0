package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/genrelay/dispatch/internal/domain"
	"github.com/you-humble/genrelay/dispatch/internal/metrics"
)

const (
	DefaultBuffer = 32

	mirrorBacklog = 256
	mirrorTimeout = 2 * time.Second
)

// Message is one encoded event ready for the wire.
type Message struct {
	Event domain.Event
	Data  []byte
}

// Mirror receives a copy of every broadcast event.
type Mirror interface {
	Publish(ctx context.Context, event string, data []byte) error
}

type Subscription struct {
	ClientID string
	ch       chan Message
}

func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Bus fans events out to connected clients. Delivery is best effort: a
// subscriber whose buffer is full misses the event and catches up on its
// next pull.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int

	mirror     Mirror
	mirrorQ    chan Message
	mirrorDone chan struct{}
	closeOnce  sync.Once

	now func() time.Time
}

func NewBus(buffer int, mirror Mirror, now func() time.Time) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if now == nil {
		now = time.Now
	}
	b := &Bus{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		mirror: mirror,
		now:    now,
	}
	if mirror != nil {
		b.mirrorQ = make(chan Message, mirrorBacklog)
		b.mirrorDone = make(chan struct{})
		go b.runMirror(b.mirrorQ)
	}
	return b
}

// Close stops the mirror publisher after it has drained queued events.
func (b *Bus) Close() {
	if b.mirrorDone == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.mirrorQ)
		b.mirrorQ = nil
		b.mu.Unlock()
	})
	<-b.mirrorDone
}

// runMirror publishes off the request path; callers of Broadcast may hold
// the dispatch lock.
func (b *Bus) runMirror(queue <-chan Message) {
	defer close(b.mirrorDone)
	for msg := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		err := b.mirror.Publish(ctx, string(msg.Event), msg.Data)
		cancel()
		if err != nil {
			slog.Warn("event mirror publish",
				slog.String("event", string(msg.Event)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Subscribe registers clientID and queues a connected event on the new
// channel. An older subscription under the same id is closed.
func (b *Bus) Subscribe(clientID string) *Subscription {
	sub := &Subscription{ClientID: clientID, ch: make(chan Message, b.buffer)}

	data, _ := json.Marshal(domain.ConnectedPayload{ClientID: clientID, Time: b.now()})
	sub.ch <- Message{Event: domain.EventConnected, Data: data}

	b.mu.Lock()
	if old, ok := b.subs[clientID]; ok {
		close(old.ch)
	}
	b.subs[clientID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	slog.Info("subscriber connected", slog.String("client_id", clientID), slog.Int("online", n))
	return sub
}

// Unsubscribe is a no-op when sub has already been replaced.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	cur, ok := b.subs[sub.ClientID]
	if ok && cur == sub {
		delete(b.subs, sub.ClientID)
		close(sub.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok && cur == sub {
		metrics.Subscribers.Set(float64(n))
		slog.Info("subscriber disconnected", slog.String("client_id", sub.ClientID), slog.Int("online", n))
	}
}

// Broadcast sends event to every subscriber except excludeClientID and
// returns how many subscribers it was addressed to.
func (b *Bus) Broadcast(event domain.Event, payload any, excludeClientID string) int {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("broadcast: encode payload",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
		return 0
	}
	msg := Message{Event: event, Data: data}

	addressed := 0
	b.mu.RLock()
	for id, sub := range b.subs {
		if excludeClientID != "" && id == excludeClientID {
			continue
		}
		addressed++
		select {
		case sub.ch <- msg:
			metrics.EventsBroadcast.WithLabelValues(string(event)).Inc()
		default:
			metrics.EventsDropped.WithLabelValues(string(event)).Inc()
			slog.Debug("subscriber buffer full, event dropped",
				slog.String("client_id", id),
				slog.String("event", string(event)),
			)
		}
	}
	if b.mirrorQ != nil {
		select {
		case b.mirrorQ <- msg:
		default:
			slog.Warn("event mirror backlog full, event not mirrored",
				slog.String("event", string(event)),
			)
		}
	}
	b.mu.RUnlock()

	return addressed
}

func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
