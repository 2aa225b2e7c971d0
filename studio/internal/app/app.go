package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	studiopb "github.com/you-humble/genrelay/core/grpc/studio"
	"github.com/you-humble/genrelay/studio/internal/service"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type app struct {
	di  *dependencyInjector
	srv *grpc.Server
}

func New(ctx context.Context) *app {
	di := newDI()
	l := di.Logger()

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		service.RecoveryUnaryInterceptor(l),
		service.UnaryLoggingInterceptor(l),
	))
	studiopb.RegisterStudioServer(grpcServer, di.Service(ctx))

	return &app{
		di:  di,
		srv: grpcServer,
	}
}

func (a *app) Run(ctx context.Context) error {
	l := a.di.Logger()
	addr := a.di.Config().Addr

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Info("studio gRPC service listening", slog.String("addr", addr))
		if err := a.srv.Serve(lis); err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.cleanupLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutdown signal received, starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.di.Config().ShutdownTimeout)
		defer cancel()

		if err := a.shutdown(shutdownCtx); err != nil {
			l.Error("graceful shutdown failed", slog.String("error", err.Error()))
		} else {
			l.Info("graceful shutdown completed")
		}
		a.di.Close(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// cleanupLoop drops rendered files and job records past the retention window.
func (a *app) cleanupLoop(ctx context.Context) {
	cfg := a.di.Config()
	sim := a.di.Simulator(ctx)
	files := a.di.FileStore(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := files.CleanupOlderThan(ctx, cfg.Retention); err != nil {
				slog.Warn("render cleanup failed", slog.String("error", err.Error()))
			}
			if n := sim.Forget(time.Now().Add(-cfg.Retention)); n > 0 {
				slog.Info("forgot expired jobs", slog.Int("count", n))
			}
		}
	}
}

func (a *app) shutdown(ctx context.Context) error {
	l := a.di.Logger()
	done := make(chan struct{})

	go func() {
		l.Info("stopping gRPC server gracefully...")
		a.srv.GracefulStop()
		close(done)
	}()

	select {
	case <-ctx.Done():
		l.Warn("graceful stop timed out, forcing stop")
		a.srv.Stop()
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	case <-done:
		l.Info("gRPC server stopped")
		return nil
	}
}
