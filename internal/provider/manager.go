// Package provider implements spec §4.8: the provider subsystem — start,
// bind, health-check, configure, and shutdown over a host-specific wRPC
// extension subject.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/event"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

// HealthCheckInterval is the fixed interval at which bound providers are
// polled for health, per spec §4.8.
const HealthCheckInterval = 30 * time.Second

// InterfaceConfig is the merged source/target config bundle pushed to a
// provider on a link event.
type InterfaceConfig struct {
	TargetID string            `json:"target_id"`
	LinkName string            `json:"link_name"`
	Config   map[string]string `json:"config"`
}

type wrpcEnvelope struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wrpcReply struct {
	Ok    json.RawMessage `json:"ok,omitempty"`
	Error *string         `json:"error,omitempty"` // application-level error; a transport failure surfaces as an rpc error instead
}

type bindRequest struct {
	ProviderID string            `json:"provider_id"`
	HostID     string            `json:"host_id"`
	Config     map[string]string `json:"config"`
}

type bindResponse struct {
	IdentityToken  *string `json:"identity_token,omitempty"`
	ProviderPubkey *string `json:"provider_pubkey,omitempty"`
}

type healthResponse struct {
	Healthy bool    `json:"healthy"`
	Message *string `json:"message,omitempty"`
}

// Provider is a running provider's manager-side bookkeeping.
type Provider struct {
	Description core.ProviderDescription
	HostID      string
	Lattice     string
	Bound       bool

	mu           sync.Mutex
	lastHealthy  *bool
	cancelHealth context.CancelFunc
}

// Manager tracks bound providers and dispatches wRPC extension calls.
type Manager struct {
	client *rpc.Client
	events *event.Publisher
	log    core.Logger

	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewManager(client *rpc.Client, events *event.Publisher, log core.Logger) *Manager {
	return &Manager{client: client, events: events, log: log, providers: make(map[string]*Provider)}
}

func extensionSubject(lattice, providerID, hostID string) string {
	return fmt.Sprintf("wasmbus.ctl.v1.%s.extension.%s.%s", lattice, providerID, hostID)
}

// Register adds providerID to the manager's tracked set without binding it;
// Bind must be called once the provider process signals it is alive.
func (m *Manager) Register(desc core.ProviderDescription, hostID, lattice string) *Provider {
	p := &Provider{Description: desc, HostID: hostID, Lattice: lattice}
	m.mu.Lock()
	m.providers[desc.ProviderID] = p
	m.mu.Unlock()
	return p
}

func (m *Manager) call(ctx context.Context, p *Provider, operation string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &core.ConfigError{Op: fmt.Sprintf("marshal %s request", operation), Err: err}
	}
	envelope := wrpcEnvelope{Operation: operation, Payload: body}
	wireBody, err := json.Marshal(envelope)
	if err != nil {
		return nil, &core.ConfigError{Op: fmt.Sprintf("marshal %s envelope", operation), Err: err}
	}

	subject := extensionSubject(p.Lattice, p.Description.ProviderID, p.HostID)
	headers := map[string][]string{"source-id": {p.HostID}}
	reply, err := m.client.RequestWithHeaders(ctx, subject, headers, wireBody, 5*time.Second)
	if err != nil {
		return nil, &core.TransportError{Op: fmt.Sprintf("%s provider %s", operation, p.Description.ProviderID), Err: err}
	}

	var parsed wrpcReply
	if err := json.Unmarshal(reply, &parsed); err != nil {
		return nil, &core.TransportError{Op: fmt.Sprintf("decode %s reply", operation), Err: err}
	}
	if parsed.Error != nil {
		return nil, core.NewApplicationError(core.ErrKindOther, "%s", *parsed.Error)
	}
	return parsed.Ok, nil
}

// Bind calls the extension's bind operation once the provider signals it
// is alive; subsequent calls are idempotent. On success, the manager
// starts this provider's health-check loop.
func (m *Manager) Bind(ctx context.Context, providerID string, config map[string]string) error {
	p, err := m.lookup(providerID)
	if err != nil {
		return err
	}
	if p.Bound {
		return nil
	}

	reply, err := m.call(ctx, p, "bind", bindRequest{ProviderID: p.Description.ProviderID, HostID: p.HostID, Config: config})
	if err != nil {
		return fmt.Errorf("bind provider %s: %w", providerID, err)
	}
	var resp bindResponse
	if len(reply) > 0 {
		if err := json.Unmarshal(reply, &resp); err != nil {
			return &core.TransportError{Op: "decode bind response", Err: err}
		}
	}

	p.Bound = true
	healthCtx, cancel := context.WithCancel(context.Background())
	p.cancelHealth = cancel
	go m.healthLoop(healthCtx, p)
	return nil
}

func (m *Manager) healthLoop(ctx context.Context, p *Provider) {
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx, p)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context, p *Provider) {
	reply, err := m.call(ctx, p, "health_request", struct{}{})
	var resp healthResponse
	if err != nil {
		resp = healthResponse{Healthy: false}
	} else if len(reply) > 0 {
		if uerr := json.Unmarshal(reply, &resp); uerr != nil {
			resp = healthResponse{Healthy: false}
		}
	}

	p.mu.Lock()
	changed := p.lastHealthy == nil || *p.lastHealthy != resp.Healthy
	p.lastHealthy = &resp.Healthy
	p.mu.Unlock()

	if changed && m.events != nil {
		_ = m.events.Publish(ctx, event.ProviderHealthCheck, map[string]interface{}{
			"provider_id": p.Description.ProviderID,
			"healthy":     resp.Healthy,
			"message":     resp.Message,
		})
	}
}

// OnLinkPut pushes updated interface import/export config to both the
// source and target of a link that involves a bound provider, satisfying
// internal/link.ProviderNotifier.
func (m *Manager) OnLinkPut(ctx context.Context, l core.Link) error {
	return m.pushLinkConfig(ctx, l, false)
}

// OnLinkDelete removes previously pushed interface import/export config
// for the affected providers.
func (m *Manager) OnLinkDelete(ctx context.Context, l core.Link) error {
	return m.pushLinkConfig(ctx, l, true)
}

func (m *Manager) pushLinkConfig(ctx context.Context, l core.Link, deleting bool) error {
	source, sourceOK := m.tryLookup(l.SourceID)
	target, targetOK := m.tryLookup(l.Target)

	cfg := InterfaceConfig{TargetID: l.Target, LinkName: l.Name, Config: mergeConfigNames(l.SourceConfig)}
	if sourceOK {
		op := "update_interface_export_config"
		if deleting {
			op = "delete_interface_export_config"
		}
		if _, err := m.call(ctx, source, op, cfg); err != nil {
			return fmt.Errorf("%s on provider %s: %w", op, l.SourceID, err)
		}
	}

	cfg = InterfaceConfig{TargetID: l.Target, LinkName: l.Name, Config: mergeConfigNames(l.TargetConfig)}
	if targetOK {
		op := "update_interface_import_config"
		if deleting {
			op = "delete_interface_import_config"
		}
		if _, err := m.call(ctx, target, op, cfg); err != nil {
			return fmt.Errorf("%s on provider %s: %w", op, l.Target, err)
		}
	}
	return nil
}

// mergeConfigNames maps each config-entry name carried on the link to an
// empty value. The named entries are not looked up, so a provider receives
// the entry names only, never their merged values; no caller resolves them
// before OnLinkPut/OnLinkDelete either.
func mergeConfigNames(names []string) map[string]string {
	cfg := make(map[string]string, len(names))
	for _, n := range names {
		cfg[n] = ""
	}
	return cfg
}

// Shutdown requests graceful termination of providerID.
func (m *Manager) Shutdown(ctx context.Context, providerID string) error {
	p, err := m.lookup(providerID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.cancelHealth != nil {
		p.cancelHealth()
	}
	p.mu.Unlock()

	_, err = m.call(ctx, p, "shutdown", struct{}{})
	return err
}

func (m *Manager) lookup(providerID string) (*Provider, error) {
	p, ok := m.tryLookup(providerID)
	if !ok {
		return nil, core.NewApplicationError(core.ErrKindNotFound, "provider %s is not registered", providerID)
	}
	return p, nil
}

func (m *Manager) tryLookup(providerID string) (*Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[providerID]
	return p, ok
}

// Remove drops providerID from the tracked set (called after Shutdown
// completes), per the host supervisor's shutdown sequence.
func (m *Manager) Remove(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers, providerID)
}

// IDs returns the provider IDs currently registered on this host, used by
// the host supervisor's shutdown drain.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.providers))
	for id := range m.providers {
		out = append(out, id)
	}
	return out
}
