package link

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/kv"
)

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) Publish(_ context.Context, name string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
	return nil
}

func (f *fakeEvents) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeProviders struct {
	puts    []core.Link
	deletes []core.Link
}

func (f *fakeProviders) OnLinkPut(_ context.Context, l core.Link) error {
	f.puts = append(f.puts, l)
	return nil
}

func (f *fakeProviders) OnLinkDelete(_ context.Context, l core.Link) error {
	f.deletes = append(f.deletes, l)
	return nil
}

func TestPutLinkThenGetBySourceAndTarget(t *testing.T) {
	store := kv.NewMemoryStore()
	events := &fakeEvents{}
	m := NewManager(store, events, nil)

	l := core.Link{SourceID: "http-server", Target: "hello", WitNamespace: "wasi", WitPackage: "http", Name: "default"}
	require.NoError(t, m.PutLink(context.Background(), l))

	bySource, err := m.GetLinksBySource(context.Background(), "http-server")
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, "hello", bySource[0].Target)

	byTarget, err := m.GetLinksByTarget(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, byTarget, 1)

	assert.Contains(t, events.names(), "linkdef_set")
}

func TestPutLinkMissingFieldsFails(t *testing.T) {
	store := kv.NewMemoryStore()
	events := &fakeEvents{}
	m := NewManager(store, events, nil)

	err := m.PutLink(context.Background(), core.Link{SourceID: "", Target: "hello", Name: "default"})
	require.Error(t, err)
	assert.Contains(t, events.names(), "linkdef_set_failed")
}

func TestPutLinkWithSameKeyDifferentTargetReplacesPrior(t *testing.T) {
	store := kv.NewMemoryStore()
	m := NewManager(store, nil, nil)

	l1 := core.Link{SourceID: "s", Target: "t1", WitNamespace: "ns", WitPackage: "pkg", Name: "n"}
	l2 := core.Link{SourceID: "s", Target: "t2", WitNamespace: "ns", WitPackage: "pkg", Name: "n"}
	require.NoError(t, m.PutLink(context.Background(), l1))
	require.NoError(t, m.PutLink(context.Background(), l2))

	bySource, err := m.GetLinksBySource(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, "t2", bySource[0].Target)
}

func TestDeleteLinkNotifiesProvidersAndEmitsEvent(t *testing.T) {
	store := kv.NewMemoryStore()
	events := &fakeEvents{}
	providers := &fakeProviders{}
	m := NewManager(store, events, providers)

	l := core.Link{SourceID: "s", Target: "t", WitNamespace: "ns", WitPackage: "pkg", Name: "n"}
	require.NoError(t, m.PutLink(context.Background(), l))
	require.NoError(t, m.DeleteLink(context.Background(), "s", "ns", "pkg", "n"))

	bySource, err := m.GetLinksBySource(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, bySource)

	require.Len(t, providers.deletes, 1)
	assert.Contains(t, events.names(), "linkdef_deleted")
}

func TestDeleteLinkUnknownIsNoOp(t *testing.T) {
	store := kv.NewMemoryStore()
	m := NewManager(store, nil, nil)
	require.NoError(t, m.DeleteLink(context.Background(), "nope", "ns", "pkg", "n"))
}
