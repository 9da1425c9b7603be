package fl

import (
	"fmt"
	"maps"
	"time"
)

// Metrics holds scalar results reported by a Trainer.
type Metrics map[string]float64

// RoundKey is set by the client in the config it hands to its Trainer.
const RoundKey = "round"

// TaskConfig is the opaque configuration handed to a Trainer. Values may be
// decoded from CBOR, TOML or JSON, so the accessors accept any numeric kind.
type TaskConfig map[string]any

// Merge returns a copy of c with overrides applied on top.
func (c TaskConfig) Merge(overrides TaskConfig) TaskConfig {
	out := make(TaskConfig, len(c)+len(overrides))
	maps.Copy(out, c)
	maps.Copy(out, overrides)

	return out
}

func (c TaskConfig) Float(key string, def float64) float64 {
	v, ok := c[key]
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		return def
	}

	return f
}

func (c TaskConfig) Int(key string, def int) int {
	v, ok := c[key]
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		return def
	}

	return int(f)
}

func (c TaskConfig) String(key, def string) string {
	v, ok := c[key].(string)
	if !ok {
		return def
	}

	return v
}

// Ints reads a list of integers such as a set of dataset indices.
func (c TaskConfig) Ints(key string) ([]int, error) {
	v, ok := c[key]
	if !ok {
		return nil, nil
	}
	switch vals := v.(type) {
	case []int:
		return vals, nil
	case []any:
		out := make([]int, len(vals))
		for i, item := range vals {
			f, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] is %T", ErrInvalidConfig, key, i, item)
			}
			out[i] = int(f)
		}

		return out, nil
	case []int64:
		out := make([]int, len(vals))
		for i, item := range vals {
			out[i] = int(item)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrInvalidConfig, key, v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}

// Task is what a client receives at the start of a round.
type Task struct {
	Round      uint64     `cbor:"round"      json:"round"`
	Checkpoint WeightSet  `cbor:"checkpoint" json:"-"`
	Config     TaskConfig `cbor:"config"     json:"config"`
}

type Submission struct {
	ClientID string    `cbor:"client_id" json:"client_id"`
	Round    uint64    `cbor:"round"     json:"round"`
	Weights  WeightSet `cbor:"weights"   json:"-"`
	Metrics  Metrics   `cbor:"metrics"   json:"metrics,omitempty"`
}

// Checkpoint is the unit a Persistor reads and writes.
type Checkpoint struct {
	Round     uint64    `cbor:"round"      json:"round"`
	Weights   WeightSet `cbor:"weights"    json:"-"`
	Metrics   Metrics   `cbor:"metrics"    json:"metrics,omitempty"`
	CreatedAt time.Time `cbor:"created_at" json:"created_at"`
}

type SubmitStatus string

const (
	SubmitAccepted   SubmitStatus = "accepted"
	SubmitStaleRound SubmitStatus = "stale_round"
	SubmitRejected   SubmitStatus = "rejected"
)
