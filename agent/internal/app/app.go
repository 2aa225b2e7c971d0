package app

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

type app struct {
	di *dependencyInjector
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()

	return &app{di: di}
}

func (a *app) Run(ctx context.Context) error {
	defer a.di.Close()

	loop := a.di.Loop()
	listener := a.di.Listener()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.Run(gctx) })
	if listener != nil {
		g.Go(func() error { return listener.Run(gctx) })
	}

	slog.Info("agent running", slog.String("dispatch_url", a.di.Config().DispatchURL))
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("agent stopped")
	return nil
}
