package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/you-humble/genrelay/core/libs/filestore"
	"github.com/you-humble/genrelay/core/libs/logger"
	mio "github.com/you-humble/genrelay/core/libs/minio"
	natsq "github.com/you-humble/genrelay/core/libs/nats"
	rediscli "github.com/you-humble/genrelay/core/libs/redis"
	"github.com/you-humble/genrelay/dispatch/internal/domain"
	"github.com/you-humble/genrelay/dispatch/internal/infra/config"
	"github.com/you-humble/genrelay/dispatch/internal/infra/queue"
	artifactstore "github.com/you-humble/genrelay/dispatch/internal/infra/store/artifact"
	"github.com/you-humble/genrelay/dispatch/internal/infra/store/snapshot"
	taskstore "github.com/you-humble/genrelay/dispatch/internal/infra/store/task"
	"github.com/you-humble/genrelay/dispatch/internal/lease"
	"github.com/you-humble/genrelay/dispatch/internal/metrics"
	"github.com/you-humble/genrelay/dispatch/internal/notify"
	"github.com/you-humble/genrelay/dispatch/internal/transport"
	"github.com/you-humble/genrelay/dispatch/internal/usecase"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const cfgPath = "./dispatch/configs/local.yaml"

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
	CloseStreams()
}

type taskStore interface {
	usecase.TaskStore
	lease.TaskResetter
}

type Intake interface {
	Run(ctx context.Context) error
	Stop()
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	redis *redis.Client

	taskStore taskStore
	artifacts usecase.ArtifactRegistry
	fileStore filestore.Store

	natsConn *nats.Conn
	js       nats.JetStreamContext
	intake   Intake

	bus    *notify.Bus
	leases *lease.Manager

	usecase transport.Usecase
	handler transport.Handler
	router  Router
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
		}).With(slog.String("service", "dispatch"))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) TaskStore(ctx context.Context) taskStore {
	if di.taskStore == nil {
		cfg := di.Config()
		snap := snapshotStore(ctx, di, "tasks", func(t domain.Task) string { return t.TaskCode })

		s, err := taskstore.New(ctx, cfg.Namespace, snap, time.Now)
		if err != nil {
			log.Fatalf("TaskStore: %+v", err)
		}
		di.taskStore = s
	}
	return di.taskStore
}

func (di *dependencyInjector) Artifacts(ctx context.Context) usecase.ArtifactRegistry {
	if di.artifacts == nil {
		snap := snapshotStore(ctx, di, "files", func(a domain.Artifact) string { return a.FileID })

		r, err := artifactstore.New(ctx, snap, time.Now)
		if err != nil {
			log.Fatalf("ArtifactRegistry: %+v", err)
		}
		di.artifacts = r
	}
	return di.artifacts
}

// snapshotStore picks the backend for a persisted table.
func snapshotStore[T any](
	ctx context.Context,
	di *dependencyInjector,
	name string,
	keyOf snapshot.KeyFunc[T],
) snapshot.Store[T] {
	cfg := di.Config()
	if cfg.Backend == config.BackendRedis {
		di.Logger().Info("using redis snapshot", slog.String("table", name))
		return snapshot.NewRedis(di.RedisClient(ctx), cfg.Redis.KeyPrefix, name, keyOf)
	}

	path := filepath.Join(cfg.DataDir, name+".json")
	s, err := snapshot.NewFile[T](path)
	if err != nil {
		log.Fatalf("snapshot %s: %+v", name, err)
	}
	di.Logger().Info("using file snapshot", slog.String("table", name), slog.String("path", path))
	return s
}

func (di *dependencyInjector) FileStore(ctx context.Context) filestore.Store {
	if di.fileStore == nil {
		cfg := di.Config()
		dir := filepath.Join(cfg.DataDir, "uploads")

		local, err := filestore.NewLocalStore(dir)
		if err != nil {
			log.Fatalf("FileStore local: %+v", err)
		}
		di.Logger().Info("initialized local file store", slog.String("base_dir", dir))

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
			BasePath:        "uploads",
		})
		if err != nil {
			log.Fatalf("FileStore minio: %+v", err)
		}
		di.Logger().Info(
			"initialized MinIO file store",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket),
		)

		di.fileStore = filestore.NewAsyncStore(ctx, local, remote,
			cfg.QueueCapacity, cfg.PoolSize, cfg.MinIO.MaxRetries,
			filestore.WithReplicationObserver(observeReplication),
		)
		di.Logger().Info(
			"using async file store (local + MinIO)",
			slog.Int("queue_size", cfg.QueueCapacity),
			slog.Int("worker_num", cfg.PoolSize),
			slog.Int("max_retries", cfg.MinIO.MaxRetries),
		)
	}

	return di.fileStore
}

func observeReplication(filename string, err error) {
	if err != nil {
		metrics.Replications.WithLabelValues("failed").Inc()
		return
	}
	metrics.Replications.WithLabelValues("mirrored").Inc()
}

func (di *dependencyInjector) NATSEnabled() bool {
	return di.Config().NATS.URL != ""
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config().NATS
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          cfg.Name,
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
		di.Logger().Info("connected to NATS", slog.String("url", cfg.URL))
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config().NATS
		subjects := []string{cfg.EventsSubject + ".>"}
		if cfg.IntakeSubject != "" {
			subjects = append(subjects, cfg.IntakeSubject)
		}

		js, err := natsq.NewJetStream(di.NATSConn(ctx), &nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: subjects,
			Storage:  nats.FileStorage,
			Replicas: 1,
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Bus(ctx context.Context) *notify.Bus {
	if di.bus == nil {
		var mirror notify.Mirror
		if di.NATSEnabled() {
			mirror = queue.NewMirror(di.JetStream(ctx), di.Config().NATS.EventsSubject)
		}
		di.bus = notify.NewBus(di.Config().EventsBuffer, mirror, time.Now)
	}
	return di.bus
}

func (di *dependencyInjector) Leases(ctx context.Context) *lease.Manager {
	if di.leases == nil {
		di.leases = lease.NewManager(di.Config().LeaseTTL, di.TaskStore(ctx), di.Bus(ctx), time.Now)
	}
	return di.leases
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		cfg := di.Config()
		di.usecase = usecase.New(
			di.TaskStore(ctx),
			di.Leases(ctx),
			di.Bus(ctx),
			di.FileStore(ctx),
			di.Artifacts(ctx),
			domain.ClientConfig{
				MaxConcurrent: cfg.Client.MaxConcurrent,
				TaskDelay:     cfg.Client.TaskDelay,
				AutoExecute:   cfg.Client.AutoExecute,
				APIBaseURL:    cfg.Client.APIBaseURL,
			},
			time.Now,
		)
	}

	return di.usecase
}

// Intake is nil unless NATS and an intake subject are configured.
func (di *dependencyInjector) Intake(ctx context.Context) Intake {
	cfg := di.Config().NATS
	if di.intake == nil && di.NATSEnabled() && cfg.IntakeSubject != "" {
		sub, err := natsq.PullSubscribe(di.JetStream(ctx), cfg.Stream, cfg.IntakeSubject, cfg.Durable, 0)
		if err != nil {
			log.Fatalf("DI intake: %+v", err)
		}
		di.intake = queue.NewIntake(sub, di.Usecase(ctx), cfg.IntakeSubject, cfg.FetchBatch)
	}
	return di.intake
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		cfg := di.Config()
		di.handler = transport.NewHandler(cfg.MaxBodyMb, cfg.MaxUploadMb, di.Usecase(ctx), di.Bus(ctx))
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}

	return di.router
}

func (di *dependencyInjector) Close(ctx context.Context) {
	if di.bus != nil {
		di.bus.Close()
	}
	if di.fileStore != nil {
		if err := di.fileStore.Close(ctx); err != nil {
			slog.Warn("file store close", slog.String("error", err.Error()))
		}
	}
	if di.natsConn != nil {
		di.natsConn.Close()
	}
	if di.redis != nil {
		if err := di.redis.Close(); err != nil {
			slog.Warn("redis close", slog.String("error", err.Error()))
		}
	}
}
