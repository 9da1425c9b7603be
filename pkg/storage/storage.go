package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/storage/badger"
)

type Config struct {
	Type string `toml:"type" env:"STORAGE_TYPE" envDefault:"file"`
	Path string `toml:"path" env:"STORAGE_PATH" envDefault:"./data/checkpoints"`
	// BadgerPath selects an in-memory database when empty.
	BadgerPath string `toml:"badger_path" env:"STORAGE_BADGER_PATH" envDefault:"./data/badger"`
	Namespace  string `toml:"namespace"   env:"STORAGE_NAMESPACE"   envDefault:"default"`
}

// Persistor bundles a checkpoint store with the resource backing it.
type Persistor struct {
	fl.Persistor
	// Closer releases the underlying database. It is nil for file and memory
	// backends.
	Closer io.Closer

	reset func(ctx context.Context) error
}

func (p Persistor) Close() error {
	if p.Closer == nil {
		return nil
	}

	return p.Closer.Close()
}

// Reset drops every checkpoint the persistor holds.
func (p Persistor) Reset(ctx context.Context) error {
	if p.reset == nil {
		return nil
	}

	return p.reset(ctx)
}

func NewPersistor(cfg Config) (Persistor, error) {
	switch cfg.Type {
	case "file", "":
		root := filepath.Clean(cfg.Path)
		fp, err := fl.NewFilePersistor(root)
		if err != nil {
			return Persistor{}, err
		}
		reset := func(context.Context) error {
			if err := os.RemoveAll(root); err != nil {
				return err
			}

			return os.MkdirAll(root, 0o755)
		}

		return Persistor{Persistor: fp, reset: reset}, nil
	case "badger":
		open := badger.NewDatabase
		if cfg.BadgerPath == "" {
			open = func(string) (*badger.Database, error) {
				return badger.NewInMemoryDatabase()
			}
		}
		db, err := open(cfg.BadgerPath)
		if err != nil {
			return Persistor{}, err
		}
		store := badger.NewCheckpointStore(db, cfg.Namespace)

		return Persistor{Persistor: store, Closer: db, reset: store.Clear}, nil
	case "memory":
		mp := fl.NewMemoryPersistor()

		return Persistor{Persistor: mp, reset: func(context.Context) error {
			mp.Clear()

			return nil
		}}, nil
	default:
		return Persistor{}, fmt.Errorf("%w: unsupported storage type: %s", fl.ErrInvalidConfig, cfg.Type)
	}
}
