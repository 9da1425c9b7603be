package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fedcoord/pkg/fl"
)

type Config struct {
	MinimumClients         int           `toml:"minimum_clients"          env:"MINIMUM_CLIENTS"          envDefault:"2"`
	MaximumClients         int           `toml:"maximum_clients"          env:"MAXIMUM_CLIENTS"          envDefault:"100"`
	ClientWaitTime         time.Duration `toml:"client_wait_time"         env:"CLIENT_WAIT_TIME"         envDefault:"10s"`
	HeartbeatTimeout       time.Duration `toml:"heartbeat_timeout"        env:"HEARTBEAT_TIMEOUT"        envDefault:"60s"`
	HeartbeatCheckInterval time.Duration `toml:"heartbeat_check_interval" env:"HEARTBEAT_CHECK_INTERVAL" envDefault:"5s"`
	RoundsCount            uint64        `toml:"rounds_count"             env:"ROUNDS_COUNT"             envDefault:"10"`
	RoundTimeout           time.Duration `toml:"round_timeout"            env:"ROUND_TIMEOUT"            envDefault:"10m"`
	Blacklist              []string      `toml:"blacklist"                env:"BLACKLIST"`
	Whitelist              []string      `toml:"whitelist"                env:"WHITELIST"`
	UseWhitelist           bool          `toml:"use_whitelist"            env:"USE_WHITELIST"            envDefault:"false"`
	Workers                int           `toml:"workers"                  env:"WORKERS"                  envDefault:"1"`

	// TaskConfig is sent to every client with each round's checkpoint.
	TaskConfig fl.TaskConfig       `toml:"task"`
	Aggregator fl.AggregatorConfig `toml:"aggregator"`

	// Initial seeds round 1. Clients initialize their own weights when it is
	// empty.
	Initial fl.WeightSet `toml:"-"`
}

func (c Config) Validate() error {
	var errs error
	if c.MinimumClients < 1 {
		errs = errors.Join(errs, fmt.Errorf("minimum_clients must be at least 1, got %d", c.MinimumClients))
	}
	if c.MaximumClients < c.MinimumClients {
		errs = errors.Join(errs, fmt.Errorf("maximum_clients %d is below minimum_clients %d", c.MaximumClients, c.MinimumClients))
	}
	if c.ClientWaitTime < 0 {
		errs = errors.Join(errs, errors.New("client_wait_time must not be negative"))
	}
	if c.HeartbeatTimeout <= 0 {
		errs = errors.Join(errs, errors.New("heartbeat_timeout must be positive"))
	}
	if c.HeartbeatCheckInterval <= 0 {
		errs = errors.Join(errs, errors.New("heartbeat_check_interval must be positive"))
	}
	if c.RoundsCount < 1 {
		errs = errors.Join(errs, errors.New("rounds_count must be at least 1"))
	}
	if c.RoundTimeout <= 0 {
		errs = errors.Join(errs, errors.New("round_timeout must be positive"))
	}
	if c.UseWhitelist && len(c.Whitelist) == 0 {
		errs = errors.Join(errs, errors.New("use_whitelist is set but the whitelist is empty"))
	}
	if errs != nil {
		return errors.Join(fl.ErrInvalidConfig, errs)
	}

	return nil
}

// PoolSize is the number of concurrent RPC handlers.
func (c Config) PoolSize() int {
	return max(c.Workers, c.MinimumClients, 1)
}
