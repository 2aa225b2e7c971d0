package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// mirror republishes bus events to JetStream under <prefix>.<event>.
type mirror struct {
	js     nats.JetStreamContext
	prefix string
}

func NewMirror(js nats.JetStreamContext, prefix string) *mirror {
	return &mirror{
		js:     js,
		prefix: prefix,
	}
}

func (m *mirror) Publish(ctx context.Context, event string, data []byte) error {
	if event == "" {
		return fmt.Errorf("empty event name")
	}

	msg := &nats.Msg{
		Subject: m.prefix + "." + event,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Genrelay-Event", event)

	ack, err := m.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("mirror event %s: publish failed: %w", event, err)
	}

	slog.Debug(
		"event mirrored",
		slog.String("event", event),
		slog.String("subject", msg.Subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)

	return nil
}
