package fedcoord

import (
	"fmt"
	"os"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/crossval"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml"
)

const (
	defFeatures = 3
	defNoise    = 0.1
)

// Config is a cross-validation experiment file.
type Config struct {
	Coordinator coordinator.Config `toml:"coordinator"`
	CrossVal    crossval.Config    `toml:"crossval"`
	Dataset     DatasetConfig      `toml:"dataset"`
}

// DatasetConfig describes the synthetic regression data the reference
// trainer fits. Its size is crossval.dataset_size.
type DatasetConfig struct {
	Features int     `toml:"features"`
	Noise    float64 `toml:"noise"`
	Seed     uint64  `toml:"seed"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := applyDefaults(tree, &cfg); err != nil {
		return nil, fmt.Errorf("error applying config defaults: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills coordinator keys the file leaves out with the same
// defaults the coordinator binary reads from its environment.
func applyDefaults(tree *toml.Tree, cfg *Config) error {
	var def coordinator.Config
	if err := env.ParseWithOptions(&def, env.Options{Environment: map[string]string{}}); err != nil {
		return err
	}

	c := &cfg.Coordinator
	unset := func(key string) bool {
		return !tree.Has("coordinator." + key)
	}
	if unset("minimum_clients") {
		c.MinimumClients = def.MinimumClients
	}
	if unset("maximum_clients") {
		c.MaximumClients = def.MaximumClients
	}
	if unset("client_wait_time") {
		c.ClientWaitTime = def.ClientWaitTime
	}
	if unset("heartbeat_timeout") {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if unset("heartbeat_check_interval") {
		c.HeartbeatCheckInterval = def.HeartbeatCheckInterval
	}
	if unset("rounds_count") {
		c.RoundsCount = def.RoundsCount
	}
	if unset("round_timeout") {
		c.RoundTimeout = def.RoundTimeout
	}
	if unset("workers") {
		c.Workers = def.Workers
	}

	if cfg.Dataset.Features == 0 {
		cfg.Dataset.Features = defFeatures
	}
	if !tree.Has("dataset.noise") {
		cfg.Dataset.Noise = defNoise
	}
	if !tree.Has("dataset.seed") {
		cfg.Dataset.Seed = cfg.CrossVal.Seed
	}
	cfg.CrossVal = cfg.CrossVal.WithDefaults()

	return nil
}
