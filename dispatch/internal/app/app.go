package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/you-humble/genrelay/dispatch/internal/transport"

	"golang.org/x/sync/errgroup"
)

type app struct {
	di     *dependencyInjector
	srv    *http.Server
	intake Intake
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	mux := http.NewServeMux()
	router := di.Router(ctx)

	srv := &http.Server{
		Addr: di.Config().Addr,
		Handler: transport.WithRecover(
			transport.LogMiddleware(
				transport.WithCORS(
					router.MountRoutes(mux),
				),
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(router.CloseStreams)

	return &app{
		di:     di,
		srv:    srv,
		intake: di.Intake(ctx),
	}
}

func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", e.Error()))
			return e
		}
		return nil
	})

	if a.intake != nil {
		g.Go(func() error { return a.intake.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.di.Config().ShutdownTimeout,
		)
		defer cancel()

		err := a.srv.Shutdown(shutdownCtx)
		if err != nil {
			slog.Error("server shutdown error", slog.String("error", err.Error()))
			_ = a.srv.Close()
		}

		if a.intake != nil {
			a.intake.Stop()
		}
		a.di.Close(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server gracefully stopped")
	return nil
}
