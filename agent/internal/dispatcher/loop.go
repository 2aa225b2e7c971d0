package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/you-humble/genrelay/agent/internal/domain"
	"github.com/you-humble/genrelay/core/relayapi"
)

type Relay interface {
	FetchPending(ctx context.Context, clientID string) ([]relayapi.Task, error)
	Ack(ctx context.Context, codes []string) ([]string, error)
	Release(ctx context.Context, taskCode string) (bool, error)
	Config(ctx context.Context) (relayapi.ClientConfig, error)
}

type Pipeline interface {
	Dispatch(ctx context.Context, rec *domain.TaskRecord)
	Advance(ctx context.Context, rec *domain.TaskRecord)
}

type Options struct {
	ClientID      string
	Tick          time.Duration
	FetchInterval time.Duration
	PollInterval  time.Duration
	// TaskDelay is used until the server config has been read.
	TaskDelay      time.Duration
	ReleaseTimeout time.Duration
}

// Loop is the single cooperative worker of an agent. It pulls leased tasks,
// advances the ones being rendered and feeds pending ones to the studio one
// at a time.
type Loop struct {
	relay    Relay
	pipeline Pipeline
	opts     Options
	now      func() time.Time

	wake chan struct{}

	records map[string]*domain.TaskRecord
	order   []string

	lastFetch    time.Time
	lastDispatch time.Time
	taskDelay    time.Duration
}

func New(relay Relay, pipeline Pipeline, opts Options, now func() time.Time) *Loop {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}

	return &Loop{
		relay:     relay,
		pipeline:  pipeline,
		opts:      opts,
		now:       now,
		wake:      make(chan struct{}, 1),
		records:   make(map[string]*domain.TaskRecord),
		taskDelay: opts.TaskDelay,
	}
}

// Wake asks for an early fetch. It never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Run(ctx context.Context) error {
	l.refreshConfig(ctx)

	ticker := time.NewTicker(l.opts.Tick)
	defer ticker.Stop()

	slog.Info("dispatcher loop running",
		slog.String("client_id", l.opts.ClientID),
		slog.Duration("tick", l.opts.Tick),
	)

	// first pass fetches right away
	l.step(ctx, true)
	for {
		select {
		case <-ctx.Done():
			l.releasePending(ctx)
			slog.Info("dispatcher loop stopped")
			return nil
		case <-l.wake:
			l.step(ctx, true)
		case <-ticker.C:
			l.step(ctx, false)
		}
	}
}

// step runs one pass. Work happens on a context detached from cancellation
// so a stop lands between transitions, never inside one.
func (l *Loop) step(ctx context.Context, woken bool) {
	if ctx.Err() != nil {
		return
	}
	work := context.WithoutCancel(ctx)

	if woken || l.now().Sub(l.lastFetch) >= l.opts.FetchInterval {
		l.intake(work)
	}
	l.monitor(work)
	l.dispatch(work)
	l.prune()
}

func (l *Loop) intake(ctx context.Context) {
	l.lastFetch = l.now()

	tasks, err := l.relay.FetchPending(ctx, l.opts.ClientID)
	if err != nil {
		slog.Warn("fetch pending", slog.String("error", err.Error()))
		return
	}

	fresh := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := l.records[t.TaskCode]; ok {
			continue
		}
		l.records[t.TaskCode] = domain.NewTaskRecord(t, l.now())
		l.order = append(l.order, t.TaskCode)
		fresh = append(fresh, t.TaskCode)
	}
	if len(fresh) == 0 {
		return
	}

	slog.Info("tasks leased", slog.Int("count", len(fresh)), slog.Any("task_codes", fresh))
	if _, err := l.relay.Ack(ctx, fresh); err != nil {
		slog.Warn("ack", slog.String("error", err.Error()))
	}
}

func (l *Loop) monitor(ctx context.Context) {
	for _, code := range l.order {
		rec := l.records[code]
		if !rec.Polled() || l.now().Sub(rec.LastPollAt) < l.opts.PollInterval {
			continue
		}
		l.pipeline.Advance(ctx, rec)
	}
}

// dispatch starts at most one pending record per pass, in arrival order.
// Priority is advisory and does not reorder the queue.
func (l *Loop) dispatch(ctx context.Context) {
	for _, code := range l.order {
		if l.records[code].Status == relayapi.StatusConfiguring {
			return
		}
	}
	if !l.lastDispatch.IsZero() && l.now().Sub(l.lastDispatch) < l.taskDelay {
		return
	}

	for _, code := range l.order {
		rec := l.records[code]
		if rec.Status != relayapi.StatusPending {
			continue
		}
		l.lastDispatch = l.now()
		l.pipeline.Dispatch(ctx, rec)
		return
	}
}

func (l *Loop) prune() {
	kept := l.order[:0]
	for _, code := range l.order {
		rec := l.records[code]
		if rec.Terminal() {
			slog.Info("task finished",
				slog.String("task_code", code),
				slog.String("status", string(rec.Status)),
				slog.String("error", rec.Error),
			)
			delete(l.records, code)
			continue
		}
		kept = append(kept, code)
	}
	l.order = kept
}

// releasePending hands back tasks that never reached the studio.
func (l *Loop) releasePending(ctx context.Context) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.ReleaseTimeout)
	defer cancel()

	for _, code := range l.order {
		if l.records[code].Status != relayapi.StatusPending {
			continue
		}
		if _, err := l.relay.Release(relCtx, code); err != nil {
			slog.Warn("release on stop",
				slog.String("task_code", code),
				slog.String("error", err.Error()),
			)
			continue
		}
		slog.Info("released on stop", slog.String("task_code", code))
	}
}

func (l *Loop) refreshConfig(ctx context.Context) {
	cfg, err := l.relay.Config(ctx)
	if err != nil {
		slog.Warn("client config unavailable, keeping local task delay",
			slog.String("error", err.Error()),
			slog.Duration("task_delay", l.taskDelay),
		)
		return
	}
	l.taskDelay = time.Duration(cfg.TaskDelay) * time.Second
	slog.Info("client config loaded",
		slog.Int("task_delay_s", cfg.TaskDelay),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
	)
}
