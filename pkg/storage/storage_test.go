package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistor(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		desc string
		cfg  storage.Config
		err  error
	}{
		{desc: "file", cfg: storage.Config{Type: "file", Path: filepath.Join(dir, "ckpt")}},
		{desc: "memory", cfg: storage.Config{Type: "memory"}},
		{desc: "badger", cfg: storage.Config{Type: "badger", BadgerPath: filepath.Join(dir, "badger"), Namespace: "test"}},
		{desc: "in-memory badger", cfg: storage.Config{Type: "badger", Namespace: "test"}},
		{desc: "unsupported", cfg: storage.Config{Type: "s3"}, err: fl.ErrInvalidConfig},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			p, err := storage.NewPersistor(tc.cfg)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			require.NoError(t, err)
			defer p.Close()

			ws, err := fl.NewWeightSet(map[string]fl.Tensor{"w": fl.NewTensor([]float64{1})})
			require.NoError(t, err)
			ctx := context.Background()
			require.NoError(t, p.Save(ctx, fl.Checkpoint{Round: 1, Weights: ws}, fl.FinalCheckpointName))
			got, err := p.Load(ctx, fl.FinalCheckpointName)
			require.NoError(t, err)
			assert.True(t, ws.Equal(got.Weights))

			require.NoError(t, p.Reset(ctx))
			_, err = p.Load(ctx, fl.FinalCheckpointName)
			assert.ErrorIs(t, err, fl.ErrCheckpointNotFound)
			require.NoError(t, p.Save(ctx, fl.Checkpoint{Round: 2, Weights: ws}, fl.RoundCheckpointName(2)))
		})
	}
}
