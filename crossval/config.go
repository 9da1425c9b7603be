package crossval

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/storage"
)

const (
	defTargetMetric       = "mse"
	defHeartbeatFrequency = time.Second
	defRetryTimeout       = 100 * time.Millisecond
	defSubmitRetries      = 3
	defMaxMessageSize     = 100 << 20
	defHoldoutFraction    = 0.2
)

// ClientSpec describes one simulated data holder.
type ClientSpec struct {
	Name string `toml:"name"`
	// Distribution is the client's relative share of each fold's training
	// rows.
	Distribution float64       `toml:"distribution"`
	Overrides    fl.TaskConfig `toml:"overrides"`
	// FedProxMu enables the proximal term when positive.
	FedProxMu float64 `toml:"fedprox_mu"`
	// SavePath keeps the client's latest checkpoint under SavePath/fold_<n>.
	SavePath string `toml:"save_path"`
}

type Config struct {
	NumFolds    int    `toml:"num_folds"`
	Seed        uint64 `toml:"seed"`
	DatasetSize int    `toml:"dataset_size"`

	TargetMetric    string `toml:"target_metric"`
	MetricDirection string `toml:"metric_direction"`

	// HoldoutFraction of each fold's training rows is withheld from the
	// clients and scores them under the benchmark aggregator.
	HoldoutFraction float64 `toml:"holdout_fraction"`

	SaveResults bool   `toml:"save_results"`
	OutputPath  string `toml:"output_path"`

	// Storage holds the coordinator checkpoints; each fold gets its own
	// fold_<n> directory or namespace, emptied before the fold starts.
	Storage storage.Config `toml:"storage"`

	HeartbeatFrequency time.Duration `toml:"heartbeat_frequency"`
	RetryTimeout       time.Duration `toml:"retry_timeout"`
	SubmitRetries      uint          `toml:"submit_retries"`
	MaxMessageSize     int64         `toml:"max_message_size"`

	Clients []ClientSpec `toml:"clients"`
}

// WithDefaults fills unset optional fields.
func (c Config) WithDefaults() Config {
	if c.TargetMetric == "" {
		c.TargetMetric = defTargetMetric
	}
	if c.MetricDirection == "" {
		c.MetricDirection = fl.DirectionMinimize
	}
	if c.HoldoutFraction == 0 {
		c.HoldoutFraction = defHoldoutFraction
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.Namespace == "" {
		c.Storage.Namespace = "crossval"
	}
	if c.HeartbeatFrequency <= 0 {
		c.HeartbeatFrequency = defHeartbeatFrequency
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = defRetryTimeout
	}
	if c.SubmitRetries == 0 {
		c.SubmitRetries = defSubmitRetries
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defMaxMessageSize
	}

	return c
}

func (c Config) Validate() error {
	var errs error
	if c.NumFolds < 2 {
		errs = errors.Join(errs, fmt.Errorf("num_folds must be at least 2, got %d", c.NumFolds))
	}
	if c.DatasetSize < c.NumFolds {
		errs = errors.Join(errs, fmt.Errorf("dataset_size %d is below num_folds %d", c.DatasetSize, c.NumFolds))
	}
	if c.MetricDirection != fl.DirectionMaximize && c.MetricDirection != fl.DirectionMinimize {
		errs = errors.Join(errs, fmt.Errorf("unknown metric_direction %q", c.MetricDirection))
	}
	if !(c.HoldoutFraction > 0 && c.HoldoutFraction < 1) {
		errs = errors.Join(errs, fmt.Errorf("holdout_fraction must be in (0, 1), got %v", c.HoldoutFraction))
	}
	if c.SaveResults && c.OutputPath == "" {
		errs = errors.Join(errs, errors.New("save_results requires output_path"))
	}
	if c.Storage.Type == "file" && c.Storage.Path == "" {
		errs = errors.Join(errs, errors.New("file storage requires a path"))
	}
	if len(c.Clients) == 0 {
		errs = errors.Join(errs, errors.New("at least one client is required"))
	}
	seen := map[string]bool{}
	for _, cl := range c.Clients {
		if seen[cl.Name] {
			errs = errors.Join(errs, fmt.Errorf("duplicate client name %q", cl.Name))
		}
		seen[cl.Name] = true
		if cl.Distribution <= 0 {
			errs = errors.Join(errs, fmt.Errorf("client %q needs a positive distribution", cl.Name))
		}
	}
	if errs != nil {
		return errors.Join(fl.ErrInvalidConfig, errs)
	}

	return nil
}
