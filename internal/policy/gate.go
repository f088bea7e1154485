// Package policy implements spec §4.4: a cached accept/deny gate for
// start-component, start-provider, and perform-invocation requests, with a
// push-based override channel.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

type Kind string

const (
	KindStartComponent     Kind = "start_component"
	KindStartProvider      Kind = "start_provider"
	KindPerformInvocation  Kind = "perform_invocation"
)

// Decision is the accept/deny verdict returned by the policy backend or
// synthesized locally when no policy topic is configured.
type Decision struct {
	Permitted bool    `json:"permitted"`
	Message   *string `json:"message,omitempty"`
}

// CacheKey identifies a decision in the decision cache, per spec §3:
// (kind, stable_identity_string).
type CacheKey struct {
	Kind     Kind
	Identity string
}

// HostInfo describes the evaluating host, embedded in every outbound policy
// request.
type HostInfo struct {
	PublicKey string            `json:"publicKey"`
	Lattice   string            `json:"lattice"`
	Labels    map[string]string `json:"labels"`
}

type request struct {
	RequestID string          `json:"request_id"`
	Kind      Kind            `json:"kind"`
	Version   string          `json:"version"`
	Request   json.RawMessage `json:"request"`
	Host      HostInfo        `json:"host"`
}

type overrideMessage struct {
	RequestID string  `json:"request_id"`
	Permitted bool    `json:"permitted"`
	Message   *string `json:"message,omitempty"`
}

// StartComponentRequest is the wire payload for a KindStartComponent policy
// evaluation.
type StartComponentRequest struct {
	ComponentID  string             `json:"component_id"`
	ImageRef     string             `json:"image_ref"`
	MaxInstances uint32             `json:"max_instances"`
	Annotations  map[string]string  `json:"annotations"`
	Claims       *core.PolicyClaims `json:"claims,omitempty"`
}

// StartProviderRequest is the wire payload for a KindStartProvider policy
// evaluation.
type StartProviderRequest struct {
	ProviderID  string             `json:"provider_id"`
	ImageRef    string             `json:"image_ref"`
	Annotations map[string]string  `json:"annotations"`
	Claims      *core.PolicyClaims `json:"claims,omitempty"`
}

// PerformInvocationRequest is the wire payload for a KindPerformInvocation
// policy evaluation.
type PerformInvocationRequest struct {
	ComponentID string             `json:"component_id"`
	ImageRef    string             `json:"image_ref"`
	Annotations map[string]string  `json:"annotations"`
	Claims      *core.PolicyClaims `json:"claims,omitempty"`
	Interface   string             `json:"interface"`
	Function    string             `json:"function"`
}

// Gate caches policy decisions and dispatches cache misses to the
// configured policy topic.
type Gate struct {
	client  *rpc.Client
	host    HostInfo
	topic   string // empty: no policy configured, always permit
	timeout time.Duration
	log     core.Logger

	mu       sync.RWMutex
	cache    map[CacheKey]Decision
	byReqID  map[string]CacheKey

	overrideCancel context.CancelFunc
}

func NewGate(client *rpc.Client, host HostInfo, topic string, timeout time.Duration, log core.Logger) *Gate {
	return &Gate{
		client:  client,
		host:    host,
		topic:   topic,
		timeout: timeout,
		log:     log,
		cache:   make(map[CacheKey]Decision),
		byReqID: make(map[string]CacheKey),
	}
}

func stableIdentity(entityID, imageRef string, iface, fn string) string {
	if iface == "" && fn == "" {
		return fmt.Sprintf("%s_%s", entityID, imageRef)
	}
	return fmt.Sprintf("%s_%s_%s_%s", entityID, imageRef, iface, fn)
}

func (g *Gate) EvaluateStartComponent(ctx context.Context, req StartComponentRequest) (Decision, error) {
	key := CacheKey{Kind: KindStartComponent, Identity: stableIdentity(req.ComponentID, req.ImageRef, "", "")}
	return g.evaluate(ctx, key, req)
}

func (g *Gate) EvaluateStartProvider(ctx context.Context, req StartProviderRequest) (Decision, error) {
	key := CacheKey{Kind: KindStartProvider, Identity: stableIdentity(req.ProviderID, req.ImageRef, "", "")}
	return g.evaluate(ctx, key, req)
}

func (g *Gate) EvaluatePerformInvocation(ctx context.Context, req PerformInvocationRequest) (Decision, error) {
	key := CacheKey{Kind: KindPerformInvocation, Identity: stableIdentity(req.ComponentID, req.ImageRef, req.Interface, req.Function)}
	return g.evaluate(ctx, key, req)
}

func (g *Gate) evaluate(ctx context.Context, key CacheKey, payload interface{}) (Decision, error) {
	if g.topic == "" {
		return Decision{Permitted: true}, nil
	}

	g.mu.RLock()
	cached, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return cached, nil
	}

	reqID := uuid.NewString()
	body, err := json.Marshal(payload)
	if err != nil {
		return Decision{}, &core.ConfigError{Op: "marshal policy request", Err: err}
	}
	wire := request{RequestID: reqID, Kind: key.Kind, Version: "v1", Request: body, Host: g.host}
	wireBody, err := json.Marshal(wire)
	if err != nil {
		return Decision{}, &core.ConfigError{Op: "marshal policy envelope", Err: err}
	}

	reply, err := g.client.Request(ctx, g.topic, wireBody, g.timeout)
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation for %s: %w", key.Identity, err)
	}

	var decision Decision
	if err := json.Unmarshal(reply, &decision); err != nil {
		return Decision{}, &core.ConfigError{Op: "decode policy response", Err: err}
	}

	g.mu.Lock()
	g.cache[key] = decision
	g.byReqID[reqID] = key
	g.mu.Unlock()

	return decision, nil
}

// StartOverrideSubscriber listens on changesTopic for push overrides that
// replace a cached decision. It returns immediately; cancel ctx (or call the
// returned cancel func) to stop the subscriber.
func (g *Gate) StartOverrideSubscriber(ctx context.Context, changesTopic string) (context.CancelFunc, error) {
	if changesTopic == "" {
		return func() {}, nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := g.client.Subscribe(subCtx, changesTopic, "")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to policy overrides: %w", err)
	}

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				g.applyOverride(msg.Data)
			}
		}
	}()

	g.overrideCancel = cancel
	return cancel, nil
}

func (g *Gate) applyOverride(data []byte) {
	var override overrideMessage
	if err := json.Unmarshal(data, &override); err != nil {
		if g.log != nil {
			g.log.Warn("policy override: malformed message", "error", err)
		}
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.byReqID[override.RequestID]
	if !ok {
		if g.log != nil {
			g.log.Warn("policy override: unknown request id", "request_id", override.RequestID)
		}
		return
	}
	g.cache[key] = Decision{Permitted: override.Permitted, Message: override.Message}
}

// Stop cancels the override subscriber, if one was started.
func (g *Gate) Stop() {
	if g.overrideCancel != nil {
		g.overrideCancel()
	}
}
