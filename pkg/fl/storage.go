package fl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const FinalCheckpointName = "final.ckpt"

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Persistor durably records checkpoints.
type Persistor interface {
	Save(ctx context.Context, ckpt Checkpoint, path string) error
	Load(ctx context.Context, path string) (Checkpoint, error)
}

func RoundCheckpointName(round uint64) string {
	return fmt.Sprintf("round_%d.ckpt", round)
}

// FilePersistor writes CBOR checkpoints below a root directory.
type FilePersistor struct {
	root string
	mu   sync.RWMutex
}

var _ Persistor = (*FilePersistor)(nil)

func NewFilePersistor(root string) (*FilePersistor, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &FilePersistor{root: root}, nil
}

func (fp *FilePersistor) Root() string {
	return fp.root
}

func (fp *FilePersistor) Save(_ context.Context, ckpt Checkpoint, path string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	file, err := fp.resolve(path)
	if err != nil {
		return err
	}
	data, err := Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("failed to commit checkpoint file: %w", err)
	}

	return nil
}

func (fp *FilePersistor) Load(_ context.Context, path string) (Checkpoint, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	file, err := fp.resolve(path)
	if err != nil {
		return Checkpoint{}, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}

		return Checkpoint{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var ckpt Checkpoint
	if err := Unmarshal(data, &ckpt); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return ckpt, nil
}

// resolve maps a relative checkpoint path below root, refusing traversal.
func (fp *FilePersistor) resolve(path string) (string, error) {
	clean := sanitizePath(path)
	if clean == "" {
		return "", fmt.Errorf("invalid checkpoint path: %q", path)
	}

	return filepath.Join(fp.root, clean), nil
}

func sanitizePath(path string) string {
	clean := filepath.Clean("/" + filepath.ToSlash(path))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return ""
	}
	for _, part := range strings.Split(clean, "/") {
		for _, r := range part {
			ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
				r == '-' || r == '_' || r == '.'
			if !ok {
				return ""
			}
		}
	}

	return clean
}

// MemoryPersistor keeps checkpoints in memory.
type MemoryPersistor struct {
	mu    sync.RWMutex
	ckpts map[string]Checkpoint
}

var _ Persistor = (*MemoryPersistor)(nil)

func NewMemoryPersistor() *MemoryPersistor {
	return &MemoryPersistor{ckpts: make(map[string]Checkpoint)}
}

func (mp *MemoryPersistor) Save(_ context.Context, ckpt Checkpoint, path string) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	ckpt.Weights = ckpt.Weights.Clone()
	mp.ckpts[path] = ckpt

	return nil
}

func (mp *MemoryPersistor) Load(_ context.Context, path string) (Checkpoint, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	ckpt, ok := mp.ckpts[path]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
	}
	ckpt.Weights = ckpt.Weights.Clone()

	return ckpt, nil
}

func (mp *MemoryPersistor) Paths() []string {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	paths := make([]string, 0, len(mp.ckpts))
	for p := range mp.ckpts {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	return paths
}

func (mp *MemoryPersistor) Clear() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	clear(mp.ckpts)
}
