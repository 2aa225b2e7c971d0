package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/you-humble/genrelay/dispatch/internal/domain"
	"github.com/you-humble/genrelay/dispatch/internal/metrics"

	"github.com/nats-io/nats.go"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, specs []domain.TaskSpec) ([]string, int, error)
}

// intake turns producer messages on a JetStream pull consumer into tasks.
// Each message carries the same payload as POST /api/tasks/push.
type intake struct {
	sub     *nats.Subscription
	uc      Enqueuer
	batch   int
	maxWait time.Duration
	subject string
	done    chan struct{}
}

func NewIntake(sub *nats.Subscription, uc Enqueuer, subject string, batch int) *intake {
	if batch <= 0 {
		batch = 8
	}
	return &intake{
		sub:     sub,
		uc:      uc,
		batch:   batch,
		maxWait: 5 * time.Second,
		subject: subject,
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled.
func (in *intake) Run(ctx context.Context) error {
	defer close(in.done)
	slog.Info("NATS intake is running", slog.String("subject", in.subject))

	for {
		select {
		case <-ctx.Done():
			slog.Info("NATS intake stopping")
			return nil
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, in.maxWait)
		msgs, err := in.sub.Fetch(in.batch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			in.settle(msg, in.handle(ctx, msg.Data))
		}
	}
}

func (in *intake) Stop() {
	<-in.done
	if in.sub != nil {
		if err := in.sub.Drain(); err != nil {
			slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
		}
	}
	slog.Info("NATS intake stopped")
}

type outcome string

const (
	outcomeAck  outcome = "enqueued"
	outcomeTerm outcome = "malformed"
	outcomeNak  outcome = "retry"
)

func (in *intake) handle(ctx context.Context, data []byte) outcome {
	specs, err := domain.ParsePushPayload(data)
	if err == nil {
		var codes []string
		codes, _, err = in.uc.Enqueue(ctx, specs)
		if err == nil {
			slog.Info("intake enqueued", slog.Any("task_codes", codes))
			return outcomeAck
		}
	}

	if errors.Is(err, domain.ErrInvalidInput) {
		slog.Error("intake: malformed payload", slog.String("error", err.Error()))
		return outcomeTerm
	}
	slog.Error("intake: enqueue", slog.String("error", err.Error()))
	return outcomeNak
}

func (in *intake) settle(msg *nats.Msg, o outcome) {
	metrics.IntakeMessages.WithLabelValues(string(o)).Inc()

	var err error
	switch o {
	case outcomeAck:
		err = msg.Ack()
	case outcomeTerm:
		err = msg.Term()
	default:
		err = msg.Nak()
	}
	if err != nil {
		slog.Warn("NATS settle", slog.String("outcome", string(o)), slog.String("error", err.Error()))
	}
}
