package client

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/absmach/fedcoord/pkg/fl"
)

var namePattern = regexp.MustCompile(`^\w+$`)

type Config struct {
	Name               string        `toml:"name"                env:"NAME"`
	HeartbeatFrequency time.Duration `toml:"heartbeat_frequency" env:"HEARTBEAT_FREQUENCY" envDefault:"10s"`
	RetryTimeout       time.Duration `toml:"retry_timeout"       env:"RETRY_TIMEOUT"       envDefault:"5s"`
	SubmitRetries      uint          `toml:"submit_retries"      env:"SUBMIT_RETRIES"      envDefault:"3"`
	// SavePath stores the latest received checkpoint when set.
	SavePath string `toml:"save_path" env:"SAVE_PATH"`
	// Overrides win over the coordinator's task config keys.
	Overrides fl.TaskConfig `toml:"overrides"`
}

func (c Config) Validate() error {
	var errs error
	if !namePattern.MatchString(c.Name) {
		errs = errors.Join(errs, fmt.Errorf("client name %q must match %s", c.Name, namePattern))
	}
	if c.HeartbeatFrequency <= 0 {
		errs = errors.Join(errs, errors.New("heartbeat_frequency must be positive"))
	}
	if c.RetryTimeout <= 0 {
		errs = errors.Join(errs, errors.New("retry_timeout must be positive"))
	}
	if c.SubmitRetries < 1 {
		errs = errors.Join(errs, errors.New("submit_retries must be at least 1"))
	}
	if errs != nil {
		return errors.Join(fl.ErrInvalidConfig, errs)
	}

	return nil
}
