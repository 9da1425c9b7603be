package badger_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/storage/badger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *badger.Database

func TestMain(m *testing.M) {
	dbPath := filepath.Join(os.TempDir(), "badger_test_"+uuid.NewString())

	var err error
	testDB, err = badger.NewDatabase(dbPath)
	if err != nil {
		panic(err)
	}

	code := m.Run()

	testDB.Close()
	os.RemoveAll(dbPath)

	os.Exit(code)
}

func weights(t *testing.T, values ...float64) fl.WeightSet {
	t.Helper()
	ws, err := fl.NewWeightSet(map[string]fl.Tensor{"w": fl.NewTensor(values)})
	require.NoError(t, err)

	return ws
}

func TestCheckpointStore_SaveLoad(t *testing.T) {
	store := badger.NewCheckpointStore(testDB, "fold_"+uuid.NewString())
	ctx := context.Background()

	cases := []struct {
		desc string
		path string
		ckpt fl.Checkpoint
		err  error
	}{
		{
			desc: "save round checkpoint",
			path: fl.RoundCheckpointName(1),
			ckpt: fl.Checkpoint{Round: 1, Weights: weights(t, 1, 2), Metrics: fl.Metrics{"mse": 1}},
		},
		{
			desc: "save final checkpoint",
			path: fl.FinalCheckpointName,
			ckpt: fl.Checkpoint{Round: 3, Weights: weights(t, 3, 4)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := store.Save(ctx, tc.ckpt, tc.path)
			assert.ErrorIs(t, err, tc.err)

			got, err := store.Load(ctx, tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.ckpt.Round, got.Round)
			assert.True(t, tc.ckpt.Weights.Equal(got.Weights))
		})
	}

	paths, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fl.FinalCheckpointName, fl.RoundCheckpointName(1)}, paths)
}

func TestCheckpointStore_Namespaces(t *testing.T) {
	ctx := context.Background()
	a := badger.NewCheckpointStore(testDB, "a_"+uuid.NewString())
	b := badger.NewCheckpointStore(testDB, "b_"+uuid.NewString())

	require.NoError(t, a.Save(ctx, fl.Checkpoint{Round: 1, Weights: weights(t, 1)}, "best.ckpt"))

	_, err := b.Load(ctx, "best.ckpt")
	assert.ErrorIs(t, err, fl.ErrCheckpointNotFound)

	require.NoError(t, a.Clear(ctx))
	_, err = a.Load(ctx, "best.ckpt")
	assert.ErrorIs(t, err, fl.ErrCheckpointNotFound)
}
