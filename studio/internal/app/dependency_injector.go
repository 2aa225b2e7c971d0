package app

import (
	"context"
	"log"
	"log/slog"

	studiopb "github.com/you-humble/genrelay/core/grpc/studio"
	"github.com/you-humble/genrelay/core/libs/filestore"
	"github.com/you-humble/genrelay/core/libs/logger"
	mio "github.com/you-humble/genrelay/core/libs/minio"
	"github.com/you-humble/genrelay/core/relayapi"
	"github.com/you-humble/genrelay/studio/internal/infra/config"
	"github.com/you-humble/genrelay/studio/internal/service"
	"github.com/you-humble/genrelay/studio/internal/simulator"
)

const cfgPath = "./studio/configs/local.yaml"

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	fileStore filestore.Store
	relay     *relayapi.Client
	simulator *simulator.Simulator
	service   studiopb.StudioServer
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		cfg := di.Config().Log
		di.logger = logger.New(logger.Config{
			Level:      cfg.Level,
			File:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		}).With(slog.String("service", "studio"))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) FileStore(ctx context.Context) filestore.Store {
	if di.fileStore == nil {
		cfg := di.Config()

		local, err := filestore.NewLocalStore(cfg.BaseDir)
		if err != nil {
			log.Fatalf("FileStore local: %+v", err)
		}
		di.Logger().Info("initialized local file store", slog.String("base_dir", cfg.BaseDir))

		if cfg.MinIO.Endpoint == "" {
			di.fileStore = filestore.NewAsyncStore(ctx, local, nil, 0, 0, 0)
			return di.fileStore
		}

		remote, err := filestore.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			BasePath:        "renders",
		})
		if err != nil {
			log.Fatalf("FileStore minio: %+v", err)
		}
		di.Logger().Info(
			"initialized MinIO file store",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket),
		)

		di.fileStore = filestore.NewAsyncStore(ctx, local, remote, cfg.QueueCapacity, cfg.PoolSize, cfg.MinIO.MaxRetries)
	}

	return di.fileStore
}

func (di *dependencyInjector) Relay() *relayapi.Client {
	if di.relay == nil {
		di.relay = relayapi.NewClient(relayapi.DefaultConfig(di.Config().DispatchURL))
		di.Logger().Info("dispatch client ready", slog.String("base_url", di.Config().DispatchURL))
	}
	return di.relay
}

func (di *dependencyInjector) Simulator(ctx context.Context) *simulator.Simulator {
	if di.simulator == nil {
		cfg := di.Config()
		di.simulator = simulator.New(simulator.Config{
			MinDelay:        cfg.Simulator.MinDelay,
			MaxDelay:        cfg.Simulator.MaxDelay,
			FailRate:        cfg.Simulator.FailRate,
			UpscaleFailRate: cfg.Simulator.UpscaleFailRate,
			AlreadyHDRate:   cfg.Simulator.AlreadyHDRate,
			MaxParallel:     cfg.MaxParallelUploads,
			Seed:            cfg.Simulator.Seed,
		}, di.FileStore(ctx), di.Relay(), nil)
	}
	return di.simulator
}

func (di *dependencyInjector) Service(ctx context.Context) studiopb.StudioServer {
	if di.service == nil {
		di.service = service.NewStudioService(di.Simulator(ctx), di.Config().UploadTimeout)
	}

	return di.service
}

func (di *dependencyInjector) Close(ctx context.Context) {
	if di.fileStore != nil {
		if err := di.fileStore.Close(ctx); err != nil {
			slog.Warn("file store close", slog.String("error", err.Error()))
		}
	}
}
