// Package component implements spec §4.9: the component (actor) lifecycle
// manager — scale up/down, concurrency-limited instance serving, and
// invocation dispatch into the WebAssembly engine.
package component

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/semaphore"

	"github.com/lattice-run/wasmhost/internal/artifact"
	"github.com/lattice-run/wasmhost/internal/config"
	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/event"
	"github.com/lattice-run/wasmhost/internal/policy"
	"github.com/lattice-run/wasmhost/internal/wasmengine"
)

// Dispatcher resolves a component's outbound capability calls (link
// lookup, capability invocation) during its own execution. Defined locally
// to avoid a package cycle with internal/capability.
type Dispatcher interface {
	Dispatch(ctx context.Context, componentID, namespace, operation string, payload []byte) ([]byte, error)
}

// component is one scaled component's manager-side bookkeeping.
type component struct {
	desc    core.ComponentDescription
	claims  *core.Claims
	digest  string
	cm      wazero.CompiledModule
	permits *semaphore.Weighted
	// bundle is the merged, live view over desc.ConfigNames (spec §4.9:
	// Component "bundles... the merged config bundle for the component").
	// Nil when the component declares no config names or no generator is
	// configured.
	bundle *config.Bundle
}

// Manager scales components up and down and serves invocations against
// them, bounding concurrency per component via a weighted semaphore sized
// to MaxInstances.
type Manager struct {
	engine    *wasmengine.Engine
	fetcher   *artifact.Fetcher
	gate      *policy.Gate
	events    *event.Publisher
	disp      Dispatcher
	configGen *config.BundleGenerator
	log       core.Logger

	acceptedIssuers []string
	acquireTimeout  time.Duration

	mu         sync.RWMutex
	components map[string]*component
}

func NewManager(engine *wasmengine.Engine, fetcher *artifact.Fetcher, gate *policy.Gate, events *event.Publisher, disp Dispatcher, configGen *config.BundleGenerator, acceptedIssuers []string, acquireTimeout time.Duration, log core.Logger) *Manager {
	return &Manager{
		engine:          engine,
		fetcher:         fetcher,
		gate:            gate,
		events:          events,
		disp:            disp,
		configGen:       configGen,
		log:             log,
		acceptedIssuers: acceptedIssuers,
		acquireTimeout:  acquireTimeout,
		components:      make(map[string]*component),
	}
}

// resolveBundle generates a live config bundle for names, if both names and
// a generator are present. A component with no declared config names runs
// with an empty config rather than failing scale.
func (m *Manager) resolveBundle(ctx context.Context, names []string) (*config.Bundle, error) {
	if m.configGen == nil || len(names) == 0 {
		return nil, nil
	}
	return m.configGen.Generate(ctx, names)
}

// Scale brings the named component to desc.MaxInstances. A MaxInstances of
// zero drains and removes the component entirely. Scaling an already-loaded
// component to a new instance count just resizes its semaphore; the
// compiled module and validated claims are reused.
func (m *Manager) Scale(ctx context.Context, desc core.ComponentDescription) error {
	decision, err := m.gate.EvaluateStartComponent(ctx, policy.StartComponentRequest{
		ComponentID:  desc.ComponentID,
		ImageRef:     desc.ImageRef,
		MaxInstances: desc.MaxInstances,
		Annotations:  desc.Annotations,
		Claims:       toPolicyClaims(desc.Claims),
	})
	if err != nil {
		m.emitScaleFailed(ctx, desc, fmt.Sprintf("policy evaluation failed: %v", err))
		return fmt.Errorf("evaluate policy for %s: %w", desc.ComponentID, err)
	}
	if !decision.Permitted {
		msg := "denied by policy"
		if decision.Message != nil {
			msg = *decision.Message
		}
		m.emitScaleFailed(ctx, desc, msg)
		return &core.PolicyDenied{Message: msg}
	}

	if desc.MaxInstances == 0 {
		m.remove(desc.ComponentID)
		m.emitScaled(ctx, desc)
		return nil
	}

	if desc.Claims != nil && len(m.acceptedIssuers) > 0 && !containsString(m.acceptedIssuers, desc.Claims.Issuer) {
		msg := fmt.Sprintf("issuer %s is not among the accepted issuers", desc.Claims.Issuer)
		m.emitScaleFailed(ctx, desc, msg)
		return &core.ConfigError{Op: "validate claims issuer", Err: fmt.Errorf("%s", msg)}
	}

	bundle, err := m.resolveBundle(ctx, desc.ConfigNames)
	if err != nil {
		m.emitScaleFailed(ctx, desc, err.Error())
		return fmt.Errorf("resolve config for %s: %w", desc.ComponentID, err)
	}

	existing := m.lookup(desc.ComponentID)
	if existing != nil && existing.desc.ImageRef == desc.ImageRef {
		if existing.bundle != nil {
			existing.bundle.Close()
		}
		existing.permits = semaphore.NewWeighted(int64(desc.MaxInstances))
		existing.desc = desc
		existing.bundle = bundle
		m.emitScaled(ctx, desc)
		return nil
	}

	wasmBytes, err := m.fetcher.FetchComponent(ctx, desc.ImageRef)
	if err != nil {
		m.emitScaleFailed(ctx, desc, err.Error())
		return fmt.Errorf("fetch component %s: %w", desc.ComponentID, err)
	}

	imageDigest := digest.FromBytes(wasmBytes).String()
	cm, err := m.engine.Compile(ctx, imageDigest, wasmBytes)
	if err != nil {
		m.emitScaleFailed(ctx, desc, err.Error())
		return fmt.Errorf("compile component %s: %w", desc.ComponentID, err)
	}

	c := &component{
		desc:    desc,
		claims:  desc.Claims,
		digest:  imageDigest,
		cm:      cm,
		permits: semaphore.NewWeighted(int64(desc.MaxInstances)),
		bundle:  bundle,
	}
	m.mu.Lock()
	if prev := m.components[desc.ComponentID]; prev != nil && prev.bundle != nil {
		prev.bundle.Close()
	}
	m.components[desc.ComponentID] = c
	m.mu.Unlock()

	m.emitScaled(ctx, desc)
	return nil
}

// Invoke acquires a concurrency permit for componentID, spins up a fresh
// module instance, and runs operation against it. Permit acquisition is
// bounded by the manager's acquireTimeout; a caller that times out sees
// core.Busy rather than blocking indefinitely.
func (m *Manager) Invoke(ctx context.Context, componentID, operation string, payload []byte) ([]byte, error) {
	c := m.lookup(componentID)
	if c == nil {
		return nil, core.NewApplicationError(core.ErrKindNotFound, "component %s is not scaled on this host", componentID)
	}

	iface, fn := splitOperation(operation)
	decision, err := m.gate.EvaluatePerformInvocation(ctx, policy.PerformInvocationRequest{
		ComponentID: componentID,
		ImageRef:    c.desc.ImageRef,
		Annotations: c.desc.Annotations,
		Claims:      toPolicyClaims(c.claims),
		Interface:   iface,
		Function:    fn,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate invocation policy for %s: %w", componentID, err)
	}
	if !decision.Permitted {
		msg := "denied by policy"
		if decision.Message != nil {
			msg = *decision.Message
		}
		return nil, &core.PolicyDenied{Message: msg}
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if m.acquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, m.acquireTimeout)
		defer cancel()
	}
	if err := c.permits.Acquire(acquireCtx, 1); err != nil {
		return nil, &core.Busy{ComponentID: componentID}
	}
	defer c.permits.Release(1)

	hostCall := func(ctx context.Context, namespace, op string, payload []byte) ([]byte, error) {
		if namespace == configRuntimeNamespace {
			return dispatchConfigRuntime(c.bundle, op, payload)
		}
		if m.disp == nil {
			return nil, core.NewApplicationError(core.ErrKindOther, "no capability dispatcher configured")
		}
		return m.disp.Dispatch(ctx, componentID, namespace, op, payload)
	}

	inst, err := m.engine.Instantiate(ctx, componentID, c.cm, wasmengine.Limits{}, hostCall)
	if err != nil {
		return nil, core.NewApplicationError(core.ErrKindOther, "instantiate %s: %v", componentID, err)
	}
	defer inst.Close(ctx)

	return inst.Invoke(ctx, operation, payload)
}

func (m *Manager) lookup(componentID string) *component {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.components[componentID]
}

func (m *Manager) remove(componentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.components[componentID]; c != nil && c.bundle != nil {
		c.bundle.Close()
	}
	delete(m.components, componentID)
}

// Descriptions returns the descriptions of every component currently
// scaled on this host, used by the host supervisor's shutdown drain.
func (m *Manager) Descriptions() []core.ComponentDescription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.ComponentDescription, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.desc)
	}
	return out
}

func (m *Manager) emitScaled(ctx context.Context, desc core.ComponentDescription) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(ctx, event.ComponentScaled, map[string]interface{}{
		"component_id":  desc.ComponentID,
		"image_ref":     desc.ImageRef,
		"max_instances": desc.MaxInstances,
		"annotations":   desc.Annotations,
	})
}

func (m *Manager) emitScaleFailed(ctx context.Context, desc core.ComponentDescription, reason string) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(ctx, event.ComponentScaleFailed, map[string]interface{}{
		"component_id": desc.ComponentID,
		"image_ref":    desc.ImageRef,
		"error":        reason,
	})
}

func toPolicyClaims(c *core.Claims) *core.PolicyClaims {
	if c == nil {
		return nil
	}
	pc := &core.PolicyClaims{
		PublicKey: c.Subject,
		Issuer:    c.Issuer,
		IssuedAt:  fmt.Sprintf("%d", c.IssuedAt),
	}
	if c.Expires != nil {
		pc.ExpiresAt = c.Expires
		pc.Expired = time.Now().Unix() > *c.Expires
	}
	return pc
}

// configRuntimeNamespace is the WIT interface a component imports to read
// its own named config bundle (spec §4.9); served directly out of the
// component's resolved *config.Bundle rather than routed through the
// capability Dispatcher, since the bundle is manager-side bookkeeping the
// capability package has no visibility into.
const configRuntimeNamespace = "wasi:config/runtime"

type configGetRequest struct {
	Key string `json:"key"`
}

type configGetResponse struct {
	Value *string `json:"value,omitempty"`
}

type configGetAllResponse struct {
	Values map[string]string `json:"values"`
}

func dispatchConfigRuntime(bundle *config.Bundle, op string, payload []byte) ([]byte, error) {
	values := core.ConfigEntry{}
	if bundle != nil {
		values = bundle.GetConfig()
	}
	switch op {
	case "get":
		var req configGetRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, &core.ConfigError{Op: "decode config get request", Err: err}
			}
		}
		resp := configGetResponse{}
		if v, ok := values[req.Key]; ok {
			resp.Value = &v
		}
		return json.Marshal(resp)
	case "get-all":
		return json.Marshal(configGetAllResponse{Values: values})
	default:
		return nil, core.NewApplicationError(core.ErrKindNotFound, "unknown %s operation %q", configRuntimeNamespace, op)
	}
}

// splitOperation separates a "namespace/function" operation string into its
// policy-relevant Interface and Function parts. An operation with no slash
// is treated as a bare function name with no interface.
func splitOperation(operation string) (iface, fn string) {
	if idx := strings.LastIndex(operation, "/"); idx >= 0 {
		return operation[:idx], operation[idx+1:]
	}
	return "", operation
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
