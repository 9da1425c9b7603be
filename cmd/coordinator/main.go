package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/absmach/fedcoord"
	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/coordinator/api"
	"github.com/absmach/fedcoord/coordinator/middleware"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/mqtt"
	"github.com/absmach/fedcoord/pkg/storage"
	"github.com/absmach/fedcoord/pkg/tracing"
	"github.com/absmach/fedcoord/pkg/trainer/linear"
	"github.com/absmach/fedcoord/pkg/transport"
	"github.com/absmach/supermq/pkg/prometheus"
	"github.com/absmach/supermq/pkg/server"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	svcName       = "coordinator"
	namespace     = "fedcoord"
	defHTTPPort   = "7070"
	envPrefix     = "FC_COORDINATOR_"
	envPrefixHTTP = "FC_COORDINATOR_HTTP_"
	envPrefixMQTT = "FC_COORDINATOR_MQTT_"
)

type envConfig struct {
	LogLevel   string  `env:"FC_COORDINATOR_LOG_LEVEL"   envDefault:"info"`
	InstanceID string  `env:"FC_COORDINATOR_INSTANCE_ID"`
	OTELURL    url.URL `env:"FC_COORDINATOR_OTEL_URL"`
	TraceRatio float64 `env:"FC_COORDINATOR_TRACE_RATIO" envDefault:"1.0"`
	// ConfigFile is an experiment file whose coordinator section replaces
	// the environment settings, including task and aggregator tables.
	ConfigFile string `env:"FC_COORDINATOR_CONFIG_FILE"`
	// Linger keeps the API up after the experiment ends so clients observe
	// the outcome.
	Linger time.Duration `env:"FC_COORDINATOR_LINGER" envDefault:"30s"`

	// Holdout data for the benchmark aggregator.
	DatasetSize     int     `env:"FC_COORDINATOR_DATASET_SIZE"     envDefault:"200"`
	DatasetFeatures int     `env:"FC_COORDINATOR_DATASET_FEATURES" envDefault:"3"`
	DatasetNoise    float64 `env:"FC_COORDINATOR_DATASET_NOISE"    envDefault:"0.1"`
	DatasetSeed     uint64  `env:"FC_COORDINATOR_DATASET_SEED"     envDefault:"1"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	coordCfg := coordinator.Config{}
	if err := env.ParseWithOptions(&coordCfg, env.Options{Prefix: envPrefix}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s configuration : %s", svcName, err))

		return
	}
	if cfg.ConfigFile != "" {
		file, err := fedcoord.LoadConfig(cfg.ConfigFile)
		if err != nil {
			logger.Error("failed to load experiment file", slog.String("path", cfg.ConfigFile), slog.Any("error", err))

			return
		}
		coordCfg = file.Coordinator
	}

	tp, err := tracing.NewProvider(ctx, svcName, cfg.OTELURL, cfg.InstanceID, cfg.TraceRatio)
	if err != nil {
		logger.Error("failed to initialize opentelemetry", slog.String("error", err.Error()))

		return
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("error shutting down tracer provider", slog.Any("error", err))
		}
	}()
	tracer := tp.Tracer(svcName)

	storeCfg := storage.Config{}
	if err := env.ParseWithOptions(&storeCfg, env.Options{Prefix: envPrefix}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s storage configuration : %s", svcName, err))

		return
	}
	persistor, err := storage.NewPersistor(storeCfg)
	if err != nil {
		logger.Error("failed to open checkpoint storage", slog.Any("error", err))

		return
	}
	defer func() {
		if err := persistor.Close(); err != nil {
			logger.Error("failed to close checkpoint storage", slog.Any("error", err))
		}
	}()

	var holdout fl.Trainer
	if coordCfg.Aggregator.Type == fl.AggregatorBenchmark {
		data := linear.Synthetic(cfg.DatasetSize, cfg.DatasetFeatures, cfg.DatasetNoise, cfg.DatasetSeed)
		holdout = linear.New(data, nil)
	}
	agg, err := fl.NewAggregator(coordCfg.Aggregator, holdout, logger)
	if err != nil {
		logger.Error("failed to create aggregator", slog.Any("error", err))

		return
	}

	observer, err := coordinator.NewMetricsObserver(namespace, prom.DefaultRegisterer)
	if err != nil {
		logger.Error("failed to register coordinator metrics", slog.Any("error", err))

		return
	}
	observers := []coordinator.Observer{observer}

	mqttCfg := mqtt.Config{}
	if err := env.ParseWithOptions(&mqttCfg, env.Options{Prefix: envPrefixMQTT}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s MQTT configuration : %s", svcName, err))

		return
	}
	if mqttCfg.URL != "" {
		pubsub, err := mqtt.NewPubSub(mqttCfg, svcName+"-"+cfg.InstanceID, logger)
		if err != nil {
			logger.Error("failed to initialize mqtt pubsub", slog.String("error", err.Error()))

			return
		}
		defer func() {
			if err := pubsub.Disconnect(context.Background()); err != nil {
				logger.Error("failed to disconnect mqtt pubsub", slog.Any("error", err))
			}
		}()
		observers = append(observers, coordinator.NewMQTTObserver(pubsub, mqttCfg.Prefix, logger))
	}

	svc, err := coordinator.NewService(coordCfg, agg, persistor, logger, observers...)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create %s service", svcName), slog.Any("error", err))

		return
	}
	svc = middleware.Logging(logger, svc)
	svc = middleware.Tracing(tracer, svc)
	counter, latency := prometheus.MakeMetrics(svcName, "api")
	svc = middleware.Metrics(counter, latency, svc)

	httpCfg := transport.Config{}
	if err := env.ParseWithOptions(&httpCfg, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err.Error()))

		return
	}
	if httpCfg.Port == "" {
		httpCfg.Port = defHTTPPort
	}

	hs, err := transport.NewServer(svcName, httpCfg, api.MakeHandler(svc, logger, cfg.InstanceID, coordCfg.PoolSize()), logger)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))

		return
	}

	g.Go(func() error {
		return hs.Start()
	})

	g.Go(func() error {
		return svc.Start(ctx)
	})

	g.Go(func() error {
		err := svc.Wait(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			logger.Error("experiment aborted", slog.Any("error", err))
		default:
			logger.Info("experiment complete")
		}

		select {
		case <-time.After(cfg.Linger):
			cancel()
		case <-ctx.Done():
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		return hs.Stop()
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		logger.Error("failed to shut down coordinator", slog.Any("error", err))
	}
}
