package artifactstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you-humble/genrelay/dispatch/internal/domain"
	"github.com/you-humble/genrelay/dispatch/internal/infra/store/snapshot"
	"github.com/you-humble/genrelay/dispatch/internal/metrics"
)

// registry is the append-only metadata log of uploaded artifacts.
type registry struct {
	mu    sync.RWMutex
	items []domain.Artifact
	seq   int

	now  func() time.Time
	snap snapshot.Store[domain.Artifact]
}

func New(ctx context.Context, snap snapshot.Store[domain.Artifact], now func() time.Time) (*registry, error) {
	if now == nil {
		now = time.Now
	}
	r := &registry{now: now, snap: snap}
	if snap == nil {
		return r, nil
	}

	items, err := snap.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load artifact snapshot: %w", err)
	}
	r.items = items
	for _, a := range items {
		if n := fileSeq(a.FileID); n > r.seq {
			r.seq = n
		}
	}

	slog.Info("artifact registry loaded", slog.Int("files", len(items)), slog.Int("seq", r.seq))
	return r, nil
}

// NextID reserves the next file id (F0001, F0002, ...).
func (r *registry) NextID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	return fmt.Sprintf("F%04d", r.seq)
}

func (r *registry) Add(a domain.Artifact) domain.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.UploadedAt.IsZero() {
		a.UploadedAt = r.now()
	}
	if a.TaskTags == nil {
		a.TaskTags = []string{}
	}
	r.items = append(r.items, a)

	if r.snap != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.snap.Save(ctx, r.items); err != nil {
			metrics.SnapshotFailures.WithLabelValues("files").Inc()
			slog.Warn("artifact snapshot failed", slog.String("error", err.Error()))
		}
	}

	return a
}

func (r *registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// List filters by task code and by tags (every tag must be present). AllTags
// is collected over the whole registry so a UI can offer every filter.
func (r *registry) List(f domain.ArtifactFilter) domain.ArtifactListing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := domain.ArtifactListing{
		Files:   []domain.Artifact{},
		Grouped: map[string][]domain.Artifact{},
		AllTags: []string{},
	}

	tagSet := map[string]struct{}{}
	for _, a := range r.items {
		for _, tag := range a.TaskTags {
			tagSet[tag] = struct{}{}
		}

		if f.TaskCode != "" && a.TaskCode != f.TaskCode {
			continue
		}
		if !hasAllTags(a.TaskTags, f.Tags) {
			continue
		}

		c := a
		c.TaskTags = slices.Clone(a.TaskTags)
		out.Files = append(out.Files, c)
		out.Grouped[c.TaskCode] = append(out.Grouped[c.TaskCode], c)
	}

	for tag := range tagSet {
		out.AllTags = append(out.AllTags, tag)
	}
	sort.Strings(out.AllTags)
	out.Total = len(out.Files)

	return out
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		if w == "" {
			continue
		}
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

func fileSeq(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "F"))
	if err != nil {
		return 0
	}
	return n
}
