package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/absmach/fedcoord/client"
	"github.com/absmach/fedcoord/crossval"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/mqtt"
	"github.com/absmach/fedcoord/pkg/sdk"
	"github.com/absmach/fedcoord/pkg/trainer/linear"
	"github.com/absmach/fedcoord/pkg/transport"
	"github.com/caarlos0/env/v11"
)

const (
	svcName           = "client"
	envPrefix         = "FC_CLIENT_"
	envPrefixCoord    = "FC_CLIENT_COORDINATOR_"
	envPrefixMQTT     = "FC_CLIENT_MQTT_"
	defCoordinatorURL = "http://localhost:7070"
)

type envConfig struct {
	LogLevel  string  `env:"FC_CLIENT_LOG_LEVEL"  envDefault:"info"`
	FedProxMu float64 `env:"FC_CLIENT_FEDPROX_MU" envDefault:"0"`

	// The client trains on shard Shard of Shards equal slices of a
	// synthetic dataset every client generates identically from Seed.
	DatasetSize     int     `env:"FC_CLIENT_DATASET_SIZE"     envDefault:"200"`
	DatasetFeatures int     `env:"FC_CLIENT_DATASET_FEATURES" envDefault:"3"`
	DatasetNoise    float64 `env:"FC_CLIENT_DATASET_NOISE"    envDefault:"0.1"`
	DatasetSeed     uint64  `env:"FC_CLIENT_DATASET_SEED"     envDefault:"1"`
	Shard           int     `env:"FC_CLIENT_DATASET_SHARD"    envDefault:"0"`
	Shards          int     `env:"FC_CLIENT_DATASET_SHARDS"   envDefault:"1"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	agentCfg := client.Config{}
	if err := env.ParseWithOptions(&agentCfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to load %s configuration: %w", svcName, err)
	}
	sdkCfg := transport.ClientConfig{}
	if err := env.ParseWithOptions(&sdkCfg, env.Options{Prefix: envPrefixCoord}); err != nil {
		return fmt.Errorf("failed to load coordinator client configuration: %w", err)
	}
	if sdkCfg.URL == "" {
		sdkCfg.URL = defCoordinatorURL
	}

	trainer, hooks, err := newTrainer(cfg)
	if err != nil {
		return err
	}

	fedSDK, err := sdk.NewSDK(sdkCfg)
	if err != nil {
		return fmt.Errorf("failed to create coordinator client: %w", err)
	}

	opts := []client.Option{client.WithHooks(hooks)}
	if agentCfg.SavePath != "" {
		fp, err := fl.NewFilePersistor(agentCfg.SavePath)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithPersistor(fp))
	}

	mqttCfg := mqtt.Config{}
	if err := env.ParseWithOptions(&mqttCfg, env.Options{Prefix: envPrefixMQTT}); err != nil {
		return fmt.Errorf("failed to load %s MQTT configuration: %w", svcName, err)
	}
	if mqttCfg.URL != "" {
		pubsub, err := mqtt.NewPubSub(mqttCfg, svcName+"-"+agentCfg.Name, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize mqtt pubsub: %w", err)
		}
		defer func() {
			if err := pubsub.Disconnect(context.Background()); err != nil {
				logger.Error("failed to disconnect mqtt pubsub", slog.Any("error", err))
			}
		}()
		opts = append(opts, client.WithWakeup(pubsub, mqttCfg.Prefix))
	}

	agent, err := client.NewAgent(agentCfg, fedSDK, trainer, logger, opts...)
	if err != nil {
		return err
	}

	logger.Info("starting client", slog.String("name", agentCfg.Name), slog.String("coordinator", sdkCfg.URL))
	if err := agent.Run(ctx); err != nil {
		return fmt.Errorf("client %s stopped: %w", agentCfg.Name, err)
	}
	logger.Info("client finished", slog.Any("rounds", agent.Rounds()))

	return nil
}

func newTrainer(cfg envConfig) (fl.Trainer, *fl.Hooks, error) {
	if cfg.Shards < 1 || cfg.Shard < 0 || cfg.Shard >= cfg.Shards {
		return nil, nil, fmt.Errorf("%w: shard %d of %d", fl.ErrInvalidConfig, cfg.Shard, cfg.Shards)
	}
	data := linear.Synthetic(cfg.DatasetSize, cfg.DatasetFeatures, cfg.DatasetNoise, cfg.DatasetSeed)

	all := make([]int, data.Len())
	for i := range all {
		all[i] = i
	}
	shares, err := crossval.Shares(all, slices.Repeat([]float64{1}, cfg.Shards))
	if err != nil {
		return nil, nil, err
	}
	shard, err := data.Subset(shares[cfg.Shard])
	if err != nil {
		return nil, nil, err
	}

	var hooks *fl.Hooks
	if cfg.FedProxMu > 0 {
		prox, err := fl.NewFedProx(cfg.FedProxMu)
		if err != nil {
			return nil, nil, err
		}
		if hooks, err = fl.NewHooks(prox); err != nil {
			return nil, nil, err
		}
	}

	return linear.New(shard, hooks), hooks, nil
}
