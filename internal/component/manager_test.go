package component

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/artifact"
	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/event"
	"github.com/lattice-run/wasmhost/internal/policy"
	"github.com/lattice-run/wasmhost/internal/rpc"
	"github.com/lattice-run/wasmhost/internal/wasmengine"
)

// minimalModule is the smallest legal WASM binary: magic + version, no
// sections, and therefore no exports. It compiles cleanly, which is enough
// to exercise Scale's fetch/compile/cache path without a toolchain to build
// a real guest.
var minimalModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeModule(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "component.wasm")
	require.NoError(t, os.WriteFile(path, minimalModule, 0o644))
	return path
}

func newTestManager(t *testing.T, decide func(req policy.StartComponentRequest) policy.Decision) *Manager {
	t.Helper()
	ctx := context.Background()
	engine, err := wasmengine.NewEngine(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(ctx) })

	fetcher := artifact.NewFetcher(artifact.Config{CacheDir: t.TempDir()})

	mb := broker.NewMemoryBroker()
	mb.RegisterHandler("policy.topic", func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var req struct {
			Request policy.StartComponentRequest `json:"request"`
		}
		require.NoError(t, json.Unmarshal(payload, &req))
		decision := decide(req.Request)
		return json.Marshal(decision)
	})
	gate := policy.NewGate(rpc.NewClient(mb), policy.HostInfo{}, "policy.topic", time.Second, nil)
	events := event.NewPublisher(mb, "default", "wasmhost", nil)

	return NewManager(engine, fetcher, gate, events, nil, nil, nil, time.Second, nil)
}

func TestScaleUpLoadsAndCachesComponent(t *testing.T) {
	m := newTestManager(t, func(policy.StartComponentRequest) policy.Decision { return policy.Decision{Permitted: true} })
	path := writeModule(t)

	desc := core.ComponentDescription{ComponentID: "c1", ImageRef: "file://" + path, MaxInstances: 2}
	require.NoError(t, m.Scale(context.Background(), desc))

	c := m.lookup("c1")
	require.NotNil(t, c)
	assert.Equal(t, uint32(2), c.desc.MaxInstances)
}

func TestScaleDeniedByPolicyReturnsPolicyDenied(t *testing.T) {
	m := newTestManager(t, func(policy.StartComponentRequest) policy.Decision {
		msg := "not allowed"
		return policy.Decision{Permitted: false, Message: &msg}
	})
	path := writeModule(t)

	desc := core.ComponentDescription{ComponentID: "c1", ImageRef: "file://" + path, MaxInstances: 1}
	err := m.Scale(context.Background(), desc)
	require.Error(t, err)
	var denied *core.PolicyDenied
	assert.ErrorAs(t, err, &denied)
}

func TestScaleToZeroRemovesComponent(t *testing.T) {
	m := newTestManager(t, func(policy.StartComponentRequest) policy.Decision { return policy.Decision{Permitted: true} })
	path := writeModule(t)

	desc := core.ComponentDescription{ComponentID: "c1", ImageRef: "file://" + path, MaxInstances: 1}
	require.NoError(t, m.Scale(context.Background(), desc))
	require.NotNil(t, m.lookup("c1"))

	desc.MaxInstances = 0
	require.NoError(t, m.Scale(context.Background(), desc))
	assert.Nil(t, m.lookup("c1"))
}

func TestInvokeUnknownComponentFails(t *testing.T) {
	m := newTestManager(t, func(policy.StartComponentRequest) policy.Decision { return policy.Decision{Permitted: true} })
	_, err := m.Invoke(context.Background(), "missing", "op", nil)
	require.Error(t, err)
	var appErr *core.ApplicationError
	assert.ErrorAs(t, err, &appErr)
	assert.Equal(t, core.ErrKindNotFound, appErr.Kind)
}

func TestInvokeOnModuleWithoutGuestCallFails(t *testing.T) {
	m := newTestManager(t, func(policy.StartComponentRequest) policy.Decision { return policy.Decision{Permitted: true} })
	path := writeModule(t)
	desc := core.ComponentDescription{ComponentID: "c1", ImageRef: "file://" + path, MaxInstances: 1}
	require.NoError(t, m.Scale(context.Background(), desc))

	_, err := m.Invoke(context.Background(), "c1", "op", []byte("payload"))
	require.Error(t, err)
}

// TestInvokeDeniedByPolicyReturnsPolicyDenied proves Invoke re-evaluates
// policy per call (spec §4.9's "policy re-check on invocation") rather than
// only gating Scale: start-component is permitted so the component scales,
// but perform-invocation is denied, and Invoke must surface that denial
// before ever acquiring a concurrency permit.
func TestInvokeDeniedByPolicyReturnsPolicyDenied(t *testing.T) {
	ctx := context.Background()
	engine, err := wasmengine.NewEngine(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(ctx) })

	fetcher := artifact.NewFetcher(artifact.Config{CacheDir: t.TempDir()})

	mb := broker.NewMemoryBroker()
	mb.RegisterHandler("policy.topic", func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var req struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(payload, &req))
		if req.Kind == string(policy.KindPerformInvocation) {
			msg := "invocation denied"
			return json.Marshal(policy.Decision{Permitted: false, Message: &msg})
		}
		return json.Marshal(policy.Decision{Permitted: true})
	})
	gate := policy.NewGate(rpc.NewClient(mb), policy.HostInfo{}, "policy.topic", time.Second, nil)
	events := event.NewPublisher(mb, "default", "wasmhost", nil)
	m := NewManager(engine, fetcher, gate, events, nil, nil, nil, time.Second, nil)

	path := writeModule(t)
	desc := core.ComponentDescription{ComponentID: "c1", ImageRef: "file://" + path, MaxInstances: 1}
	require.NoError(t, m.Scale(context.Background(), desc))

	_, err = m.Invoke(context.Background(), "c1", "op", []byte("payload"))
	require.Error(t, err)
	var denied *core.PolicyDenied
	assert.ErrorAs(t, err, &denied)
}

// TestInvokeConcurrencyBoundedByMaxInstances proves the concurrency
// invariant Invoke relies on: the number of in-flight invocations for a
// component never exceeds its MaxInstances. It drives max_instances+1
// concurrent callers through the exact permit gate Invoke acquires before
// doing its (here, faked) instantiate-and-call work, and asserts the
// observed peak concurrency is exactly max_instances, never more.
func TestInvokeConcurrencyBoundedByMaxInstances(t *testing.T) {
	m := newTestManager(t, func(policy.StartComponentRequest) policy.Decision { return policy.Decision{Permitted: true} })
	path := writeModule(t)

	const maxInstances = 3
	desc := core.ComponentDescription{ComponentID: "c1", ImageRef: "file://" + path, MaxInstances: maxInstances}
	require.NoError(t, m.Scale(context.Background(), desc))

	c := m.lookup("c1")
	require.NotNil(t, c)

	var current, peak int32
	recordPeak := func() {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&current, -1)
	}

	const callers = maxInstances + 1
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, c.permits.Acquire(context.Background(), 1))
			defer c.permits.Release(1)
			recordPeak()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(maxInstances), peak, "peak concurrent invocations should equal max_instances, never exceed it")
}
