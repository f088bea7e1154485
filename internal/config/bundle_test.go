package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/kv"
)

func putEntry(t *testing.T, store kv.Store, name string, entry core.ConfigEntry) {
	t.Helper()
	body, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), name, body))
}

func TestGenerateMergesInOrderLaterWins(t *testing.T) {
	store := kv.NewMemoryStore()
	putEntry(t, store, "a", core.ConfigEntry{"greeting": "hi", "shared": "a"})
	putEntry(t, store, "b", core.ConfigEntry{"shared": "b"})
	putEntry(t, store, "c", core.ConfigEntry{"shared": "c", "extra": "1"})

	gen := NewBundleGenerator(store, nil)
	bundle, err := gen.Generate(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	defer bundle.Close()

	got := bundle.GetConfig()
	assert.Equal(t, "hi", got["greeting"])
	assert.Equal(t, "c", got["shared"])
	assert.Equal(t, "1", got["extra"])
}

func TestGenerateFailsOnMissingEntry(t *testing.T) {
	store := kv.NewMemoryStore()
	gen := NewBundleGenerator(store, nil)
	_, err := gen.Generate(context.Background(), []string{"missing"})
	require.Error(t, err)
}

func TestBundleObservesLiveUpdates(t *testing.T) {
	store := kv.NewMemoryStore()
	putEntry(t, store, "a", core.ConfigEntry{"k": "v1"})

	gen := NewBundleGenerator(store, nil)
	bundle, err := gen.Generate(context.Background(), []string{"a"})
	require.NoError(t, err)
	defer bundle.Close()

	putEntry(t, store, "a", core.ConfigEntry{"k": "v2"})

	require.Eventually(t, func() bool {
		return bundle.GetConfig()["k"] == "v2"
	}, time.Second, 10*time.Millisecond)
}
