package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/cenkalti/backoff/v4"
)

var errStreamClosed = errors.New("event stream closed by server")

type Streamer interface {
	OpenEvents(ctx context.Context, clientID string) (io.ReadCloser, error)
}

// Listener follows the dispatch event stream and turns push hints into
// early fetches. Hints are best effort: the loop keeps polling without them.
type Listener struct {
	src      Streamer
	clientID string
	wake     func()

	initialInterval time.Duration
	maxInterval     time.Duration
}

func NewListener(src Streamer, clientID string, wake func(), initialInterval, maxInterval time.Duration) *Listener {
	if initialInterval <= 0 {
		initialInterval = time.Second
	}
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	return &Listener{
		src:             src,
		clientID:        clientID,
		wake:            wake,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
	}
}

func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialInterval
	b.MaxInterval = l.maxInterval
	b.MaxElapsedTime = 0

	for {
		err := l.listen(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		slog.Warn("event stream lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("in", wait),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// listen holds one connection until it drops. connected is called once the
// server greets the client.
func (l *Listener) listen(ctx context.Context, connected func()) error {
	body, err := l.src.OpenEvents(ctx, l.clientID)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer body.Close()

	err = relayapi.ReadEvents(body, func(ev relayapi.Event) error {
		switch ev.Name {
		case relayapi.EventConnected:
			slog.Info("event stream connected", slog.String("client_id", l.clientID))
			connected()
		case relayapi.EventNewTasks, relayapi.EventTaskReleased:
			slog.Debug("push hint", slog.String("event", ev.Name))
			l.wake()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errStreamClosed
}
