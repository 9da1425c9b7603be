package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/absmach/fedcoord/pkg/fl"
)

const checkpointPrefix = "ckpt:"

// CheckpointStore persists checkpoints as CBOR values keyed by path.
type CheckpointStore struct {
	db        *Database
	namespace string
}

var _ fl.Persistor = (*CheckpointStore)(nil)

// NewCheckpointStore scopes every key below namespace, so one database can
// hold the checkpoints of several folds.
func NewCheckpointStore(db *Database, namespace string) *CheckpointStore {
	return &CheckpointStore{db: db, namespace: namespace}
}

func (s *CheckpointStore) key(path string) []byte {
	return []byte(checkpointPrefix + s.namespace + "/" + path)
}

func (s *CheckpointStore) Save(_ context.Context, ckpt fl.Checkpoint, path string) error {
	if path == "" {
		return fmt.Errorf("invalid checkpoint path: %q", path)
	}
	val, err := fl.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return s.db.set(s.key(path), val)
}

func (s *CheckpointStore) Load(_ context.Context, path string) (fl.Checkpoint, error) {
	val, err := s.db.get(s.key(path))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fl.Checkpoint{}, fmt.Errorf("%w: %s", fl.ErrCheckpointNotFound, path)
		}

		return fl.Checkpoint{}, err
	}

	var ckpt fl.Checkpoint
	if err := fl.Unmarshal(val, &ckpt); err != nil {
		return fl.Checkpoint{}, fmt.Errorf("unmarshal error: %w", err)
	}

	return ckpt, nil
}

// List returns the stored checkpoint paths of this namespace in key order.
func (s *CheckpointStore) List(_ context.Context) ([]string, error) {
	prefix := checkpointPrefix + s.namespace + "/"
	keys, err := s.db.keysWithPrefix([]byte(prefix))
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[i] = strings.TrimPrefix(k, prefix)
	}

	return paths, nil
}

// Clear drops every checkpoint of this namespace.
func (s *CheckpointStore) Clear(_ context.Context) error {
	return s.db.deletePrefix([]byte(checkpointPrefix + s.namespace + "/"))
}
