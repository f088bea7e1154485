package provider

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/event"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

func newTestManager(t *testing.T, handle func(op string, payload json.RawMessage) wrpcReply) (*Manager, *broker.MemoryBroker) {
	t.Helper()
	mb := broker.NewMemoryBroker()
	mb.RegisterHandler("wasmbus.ctl.v1.default.extension.provA.Nhost", func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var env wrpcEnvelope
		require.NoError(t, json.Unmarshal(payload, &env))
		reply := handle(env.Operation, env.Payload)
		return json.Marshal(reply)
	})
	client := rpc.NewClient(mb)
	pub := event.NewPublisher(mb, "default", "wasmhost", nil)
	m := NewManager(client, pub, nil)
	m.Register(core.ProviderDescription{ProviderID: "provA"}, "Nhost", "default")
	return m, mb
}

func TestBindIsIdempotent(t *testing.T) {
	calls := 0
	m, _ := newTestManager(t, func(op string, _ json.RawMessage) wrpcReply {
		if op == "bind" {
			calls++
		}
		return wrpcReply{Ok: json.RawMessage(`{}`)}
	})

	require.NoError(t, m.Bind(context.Background(), "provA", map[string]string{"a": "b"}))
	require.NoError(t, m.Bind(context.Background(), "provA", map[string]string{"a": "b"}))
	assert.Equal(t, 1, calls)
}

func TestBindUnknownProviderFails(t *testing.T) {
	m, _ := newTestManager(t, func(string, json.RawMessage) wrpcReply { return wrpcReply{} })
	err := m.Bind(context.Background(), "unknown", nil)
	assert.Error(t, err)
}

func TestCallSurfacesApplicationError(t *testing.T) {
	m, _ := newTestManager(t, func(op string, _ json.RawMessage) wrpcReply {
		msg := "boom"
		return wrpcReply{Error: &msg}
	})
	err := m.Bind(context.Background(), "provA", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestHealthCheckPublishesOnTransition(t *testing.T) {
	healthy := true
	m, mb := newTestManager(t, func(op string, _ json.RawMessage) wrpcReply {
		if op == "health_request" {
			resp, _ := json.Marshal(healthResponse{Healthy: healthy})
			return wrpcReply{Ok: resp}
		}
		return wrpcReply{Ok: json.RawMessage(`{}`)}
	})

	sub, err := mb.Subscribe(context.Background(), "wasmbus.evt.default.provider_health_check", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p, ok := m.tryLookup("provA")
	require.True(t, ok)
	p.Bound = true

	m.checkHealth(context.Background(), p)

	select {
	case msg := <-sub.Messages():
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		assert.Equal(t, "com.wasmcloud.lattice.provider_health_check", decoded["type"])
	case <-time.After(time.Second):
		t.Fatal("expected a health-check event on first observation")
	}
}

func TestOnLinkPutPushesConfigToBoundSourceAndTarget(t *testing.T) {
	var seenOps []string
	mb := broker.NewMemoryBroker()
	respond := func(subject string) {
		mb.RegisterHandler(subject, func(_ context.Context, _ string, payload []byte) ([]byte, error) {
			var env wrpcEnvelope
			require.NoError(t, json.Unmarshal(payload, &env))
			seenOps = append(seenOps, env.Operation)
			return json.Marshal(wrpcReply{Ok: json.RawMessage(`{}`)})
		})
	}
	respond("wasmbus.ctl.v1.default.extension.provA.Nhost")
	respond("wasmbus.ctl.v1.default.extension.provB.Nhost")

	client := rpc.NewClient(mb)
	pub := event.NewPublisher(mb, "default", "wasmhost", nil)
	m := NewManager(client, pub, nil)
	m.Register(core.ProviderDescription{ProviderID: "provA"}, "Nhost", "default")
	m.Register(core.ProviderDescription{ProviderID: "provB"}, "Nhost", "default")

	l := core.Link{SourceID: "provA", Target: "provB", WitNamespace: "wasi", WitPackage: "keyvalue", Name: "default"}
	require.NoError(t, m.OnLinkPut(context.Background(), l))
	assert.ElementsMatch(t, []string{"update_interface_export_config", "update_interface_import_config"}, seenOps)
}

func TestShutdownStopsHealthLoop(t *testing.T) {
	m, _ := newTestManager(t, func(string, json.RawMessage) wrpcReply {
		return wrpcReply{Ok: json.RawMessage(`{}`)}
	})
	require.NoError(t, m.Bind(context.Background(), "provA", nil))
	require.NoError(t, m.Shutdown(context.Background(), "provA"))

	p, ok := m.tryLookup("provA")
	require.True(t, ok)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.NotNil(t, p.cancelHealth)
}
