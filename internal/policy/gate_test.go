package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

func newTestGate(t *testing.T, decide func(req request) Decision) (*Gate, *broker.MemoryBroker) {
	t.Helper()
	mb := broker.NewMemoryBroker()
	mb.RegisterHandler("policy.topic", func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var req request
		require.NoError(t, json.Unmarshal(payload, &req))
		decision := decide(req)
		return json.Marshal(decision)
	})
	client := rpc.NewClient(mb)
	return NewGate(client, HostInfo{PublicKey: "Nxxx", Lattice: "default"}, "policy.topic", time.Second, nil), mb
}

func TestEvaluateNoTopicAlwaysPermits(t *testing.T) {
	g := NewGate(rpc.NewClient(broker.NewMemoryBroker()), HostInfo{}, "", time.Second, nil)
	decision, err := g.EvaluateStartComponent(context.Background(), StartComponentRequest{ComponentID: "c1", ImageRef: "oci://x"})
	require.NoError(t, err)
	assert.True(t, decision.Permitted)
}

func TestEvaluateCachesDecision(t *testing.T) {
	calls := 0
	g, _ := newTestGate(t, func(req request) Decision {
		calls++
		return Decision{Permitted: true}
	})

	for i := 0; i < 3; i++ {
		decision, err := g.EvaluateStartComponent(context.Background(), StartComponentRequest{ComponentID: "c1", ImageRef: "oci://x"})
		require.NoError(t, err)
		assert.True(t, decision.Permitted)
	}
	assert.Equal(t, 1, calls)
}

func TestEvaluateDenyCarriesMessage(t *testing.T) {
	g, _ := newTestGate(t, func(req request) Decision {
		msg := "nope"
		return Decision{Permitted: false, Message: &msg}
	})

	decision, err := g.EvaluateStartComponent(context.Background(), StartComponentRequest{ComponentID: "c1", ImageRef: "oci://x"})
	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	require.NotNil(t, decision.Message)
	assert.Equal(t, "nope", *decision.Message)
}

func TestOverrideFlipsCachedDecision(t *testing.T) {
	g, mb := newTestGate(t, func(req request) Decision {
		return Decision{Permitted: true}
	})

	decision, err := g.EvaluateStartComponent(context.Background(), StartComponentRequest{ComponentID: "c1", ImageRef: "oci://x"})
	require.NoError(t, err)
	assert.True(t, decision.Permitted)

	g.mu.RLock()
	var reqID string
	for id := range g.byReqID {
		reqID = id
	}
	g.mu.RUnlock()
	require.NotEmpty(t, reqID)

	cancel, err := g.StartOverrideSubscriber(context.Background(), "policy.overrides")
	require.NoError(t, err)
	defer cancel()

	body, err := json.Marshal(overrideMessage{RequestID: reqID, Permitted: false})
	require.NoError(t, err)
	require.NoError(t, mb.Publish(context.Background(), "policy.overrides", body))

	require.Eventually(t, func() bool {
		decision, err := g.EvaluateStartComponent(context.Background(), StartComponentRequest{ComponentID: "c1", ImageRef: "oci://x"})
		return err == nil && !decision.Permitted
	}, time.Second, 10*time.Millisecond)
}

func TestEvaluateDistinctInterfaceFunctionAreDistinctKeys(t *testing.T) {
	calls := 0
	g, _ := newTestGate(t, func(req request) Decision {
		calls++
		return Decision{Permitted: true}
	})

	_, err := g.EvaluatePerformInvocation(context.Background(), PerformInvocationRequest{
		ComponentID: "c1", ImageRef: "oci://x", Interface: "wasi:http", Function: "handle",
	})
	require.NoError(t, err)
	_, err = g.EvaluatePerformInvocation(context.Background(), PerformInvocationRequest{
		ComponentID: "c1", ImageRef: "oci://x", Interface: "wasi:keyvalue", Function: "get",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
