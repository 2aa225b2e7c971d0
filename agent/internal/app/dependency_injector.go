package app

import (
	"log"
	"log/slog"
	"time"

	"github.com/you-humble/genrelay/agent/internal/dispatcher"
	"github.com/you-humble/genrelay/agent/internal/events"
	"github.com/you-humble/genrelay/agent/internal/infra/config"
	"github.com/you-humble/genrelay/agent/internal/infra/studio"
	"github.com/you-humble/genrelay/agent/internal/pipeline"
	"github.com/you-humble/genrelay/core/libs/logger"
	"github.com/you-humble/genrelay/core/relayapi"

	"google.golang.org/grpc"
)

const cfgPath = "./agent/configs/local.yaml"

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	grpcConn *grpc.ClientConn
	studio   pipeline.Studio
	relay    *relayapi.Client

	engine   *pipeline.Engine
	loop     *dispatcher.Loop
	listener *events.Listener
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
		cfg := di.Config()
		di.logger = logger.New(logger.Config{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}).With(
			slog.String("service", "agent"),
			slog.String("client_id", cfg.ClientID),
		)
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) GRPCConnect() *grpc.ClientConn {
	if di.grpcConn == nil {
		addr := di.Config().Studio.Addr
		conn, err := studio.NewConnection(addr)
		if err != nil {
			log.Fatalf("GRPCConnect: %+v", err)
		}
		di.grpcConn = conn
		di.Logger().Info("studio client ready", slog.String("addr", addr))
	}

	return di.grpcConn
}

func (di *dependencyInjector) Studio() pipeline.Studio {
	if di.studio == nil {
		cfg := di.Config().Studio
		di.studio = studio.NewClient(di.GRPCConnect(), cfg.CallTimeout, cfg.UploadTimeout)
	}

	return di.studio
}

func (di *dependencyInjector) Relay() *relayapi.Client {
	if di.relay == nil {
		cfg := di.Config()
		rc := relayapi.DefaultConfig(cfg.DispatchURL)
		if cfg.HTTP.Timeout > 0 {
			rc.Timeout = cfg.HTTP.Timeout
		}
		if cfg.HTTP.RetryCount > 0 {
			rc.RetryCount = cfg.HTTP.RetryCount
		}
		if cfg.HTTP.RetryWaitTime > 0 {
			rc.RetryWaitTime = cfg.HTTP.RetryWaitTime
		}
		rc.Debug = cfg.HTTP.Debug

		di.relay = relayapi.NewClient(rc)
	}

	return di.relay
}

func (di *dependencyInjector) Engine() *pipeline.Engine {
	if di.engine == nil {
		cfg := di.Config()
		di.engine = pipeline.New(di.Studio(), di.Relay(), pipeline.Options{
			GenerationTimeout: cfg.GenerationTimeout,
			UpscaleTimeout:    cfg.UpscaleTimeout,
			MaxRetries:        *cfg.MaxRetries,
		}, time.Now)
	}

	return di.engine
}

func (di *dependencyInjector) Loop() *dispatcher.Loop {
	if di.loop == nil {
		cfg := di.Config()
		di.loop = dispatcher.New(di.Relay(), di.Engine(), dispatcher.Options{
			ClientID:       cfg.ClientID,
			Tick:           cfg.Tick,
			FetchInterval:  cfg.FetchInterval,
			PollInterval:   cfg.PollInterval,
			TaskDelay:      cfg.TaskDelay,
			ReleaseTimeout: cfg.ShutdownTimeout,
		}, time.Now)
	}

	return di.loop
}

// Listener is nil when push hints are disabled.
func (di *dependencyInjector) Listener() *events.Listener {
	cfg := di.Config()
	if di.listener == nil && !cfg.Events.Disabled {
		di.listener = events.NewListener(
			di.Relay(),
			cfg.ClientID,
			di.Loop().Wake,
			cfg.Events.ReconnectMin,
			cfg.Events.ReconnectMax,
		)
	}

	return di.listener
}

func (di *dependencyInjector) Close() {
	if di.grpcConn != nil {
		if err := di.grpcConn.Close(); err != nil {
			slog.Warn("grpc close", slog.String("error", err.Error()))
		}
	}
}
