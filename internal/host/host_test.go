package host

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/kv"
)

func providerDescriptionForTest() core.ProviderDescription {
	return core.ProviderDescription{ProviderID: "provA", ImageRef: "file:///tmp/provider.par"}
}

func newTestHost(t *testing.T) (*Host, *broker.MemoryBroker) {
	t.Helper()
	mb := broker.NewMemoryBroker()
	h, err := New(context.Background(), Config{
		Bus:            mb,
		Lattice:        "default",
		Version:        "0.1.0",
		Labels:         map[string]string{"zone": "local"},
		DataStore:      kv.NewMemoryStore(),
		ConfigStore:    kv.NewMemoryStore(),
		AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	return h, mb
}

func TestNewGeneratesHostKeyWhenSeedEmpty(t *testing.T) {
	h, _ := newTestHost(t)
	assert.NotEmpty(t, h.HostID())
}

func TestStartEmitsHostStarted(t *testing.T) {
	h, mb := newTestHost(t)

	sub, err := mb.Subscribe(context.Background(), "wasmbus.evt.default.host_started", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, h.Start(context.Background()))
	defer h.control.Stop()

	select {
	case <-sub.Messages():
	case <-time.After(time.Second):
		t.Fatal("expected host_started event")
	}
}

func TestHostStopSubjectTriggersShutdown(t *testing.T) {
	h, mb := newTestHost(t)
	require.NoError(t, h.Start(context.Background()))

	stoppedSub, err := mb.Subscribe(context.Background(), "wasmbus.evt.default.host_stopped", "")
	require.NoError(t, err)
	defer stoppedSub.Unsubscribe()

	replySub, err := mb.Subscribe(context.Background(), "reply.inbox", "")
	require.NoError(t, err)
	defer replySub.Unsubscribe()

	subject := h.control.Prefix() + ".host.stop." + h.HostID()
	require.NoError(t, mb.PublishRequest(context.Background(), subject, "reply.inbox", []byte("{}")))

	select {
	case <-stoppedSub.Messages():
	case <-time.After(time.Second):
		t.Fatal("expected host_stopped event after host.stop")
	}
}

func TestShutdownDrainsComponentsAndProviders(t *testing.T) {
	h, _ := newTestHost(t)
	require.NoError(t, h.Start(context.Background()))

	// Register a provider directly so shutdown has something to drain.
	h.Providers().Register(providerDescriptionForTest(), h.HostID(), "default")
	require.Len(t, h.Providers().IDs(), 1)

	require.NoError(t, h.Shutdown(context.Background()))
	assert.Empty(t, h.Providers().IDs())
}

func TestSupplementalConfigMergesLabels(t *testing.T) {
	mb := broker.NewMemoryBroker()
	// MemoryBroker.Request only reaches handlers installed with
	// RegisterHandler, so the supplemental-config responder is one.
	mb.RegisterHandler("wasmbus.cfg.default.req", func(_ context.Context, _ string, _ []byte) ([]byte, error) {
		return json.Marshal(supplementalConfig{Labels: map[string]string{"region": "us-east"}})
	})

	h, err := New(context.Background(), Config{
		Bus:         mb,
		Lattice:     "default",
		DataStore:   kv.NewMemoryStore(),
		ConfigStore: kv.NewMemoryStore(),
	})
	require.NoError(t, err)
	h.loadSupplementalConfig(context.Background())

	assert.Equal(t, "us-east", h.cfg.Labels["region"])
}
