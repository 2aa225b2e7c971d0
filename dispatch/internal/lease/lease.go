package lease

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/you-humble/genrelay/dispatch/internal/domain"
)

const DefaultTTL = 24 * time.Hour

type TaskResetter interface {
	ResetToPending(taskCode string) bool
}

type Broadcaster interface {
	Broadcast(event domain.Event, payload any, excludeClientID string) int
}

// Manager holds one lease per task code. Expiry is evaluated when a lease
// is looked up; nothing sweeps the table in the background.
type Manager struct {
	mu     sync.Mutex
	leases map[string]domain.Lease

	ttl   time.Duration
	now   func() time.Time
	tasks TaskResetter
	bus   Broadcaster
}

func NewManager(ttl time.Duration, tasks TaskResetter, bus Broadcaster, now func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		leases: make(map[string]domain.Lease),
		ttl:    ttl,
		now:    now,
		tasks:  tasks,
		bus:    bus,
	}
}

// IsOccupied reports whether someone other than excludeClientID holds a live
// lease on taskCode. An expired lease is deleted on the way.
func (m *Manager) IsOccupied(taskCode, excludeClientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.live(taskCode)
	if !ok {
		return false
	}
	return excludeClientID == "" || l.ClientID != excludeClientID
}

// Occupy installs or overwrites the lease. Callers check IsOccupied first.
func (m *Manager) Occupy(taskCode, clientID string) domain.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := domain.Lease{ClientID: clientID, OccupiedAt: m.now()}
	m.leases[taskCode] = l
	return l
}

// Release frees a live lease, returns a non-terminal task to pending and
// tells the other clients it is up for grabs. It reports whether a lease
// was held.
func (m *Manager) Release(taskCode string) bool {
	m.mu.Lock()
	l, ok := m.live(taskCode)
	if ok {
		delete(m.leases, taskCode)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	reset := m.tasks.ResetToPending(taskCode)
	slog.Info("lease released",
		slog.String("task_code", taskCode),
		slog.String("client_id", l.ClientID),
		slog.Bool("reset_to_pending", reset),
	)

	m.bus.Broadcast(domain.EventTaskReleased, domain.TaskReleasedPayload{
		TaskCode: taskCode,
		ClientID: l.ClientID,
		Time:     m.now(),
	}, "")

	return true
}

// Drop removes a lease without touching the task.
func (m *Manager) Drop(taskCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, taskCode)
}

// Snapshot returns the live leases.
func (m *Manager) Snapshot() map[string]domain.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	for code := range m.leases {
		m.live(code)
	}
	return maps.Clone(m.leases)
}

// live must be called with m.mu held.
func (m *Manager) live(taskCode string) (domain.Lease, bool) {
	l, ok := m.leases[taskCode]
	if !ok {
		return domain.Lease{}, false
	}
	if m.now().Sub(l.OccupiedAt) > m.ttl {
		delete(m.leases, taskCode)
		return domain.Lease{}, false
	}
	return l, true
}
