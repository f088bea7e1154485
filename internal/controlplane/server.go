// Package controlplane implements spec §4.11: the control-interface
// server, dispatching JSON commands from the fixed `wasmbus.ctl.v1.<lattice>`
// subject family to the component, provider, and link managers, and running
// scale/placement auctions.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/component"
	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/kv"
	"github.com/lattice-run/wasmhost/internal/link"
	"github.com/lattice-run/wasmhost/internal/policy"
	"github.com/lattice-run/wasmhost/internal/provider"
)

// validate checks the required-field tags on every incoming control
// command before it reaches a manager, so a malformed command from a
// misbehaving controller fails fast with a field-level message instead of
// an empty ComponentID/ProviderID surfacing as a confusing downstream error.
var validate = validator.New()

// auctionWindow is how long an auctioneer's own subscriber would collect
// bids after publishing a request; bidders only need to know the reply
// subject, not this duration, but it documents the contract.
const auctionWindow = time.Second

// envelope is the uniform response shape for every control command, per
// spec §4.11.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func ok(data interface{}) []byte {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	body, _ := json.Marshal(envelope{Success: true, Data: raw})
	return body
}

func fail(message string) []byte {
	body, _ := json.Marshal(envelope{Success: false, Message: message})
	return body
}

// ComponentAuctionRequest asks all listening hosts whether they can start a
// component matching constraints.
type ComponentAuctionRequest struct {
	ComponentRef string            `json:"component_ref"`
	ComponentID  string            `json:"component_id"`
	Constraints  map[string]string `json:"constraints"`
}

// ProviderAuctionRequest is the provider-placement analogue.
type ProviderAuctionRequest struct {
	ProviderRef string            `json:"provider_ref"`
	ProviderID  string            `json:"provider_id"`
	Constraints map[string]string `json:"constraints"`
}

// Bid is what a host publishes onto the auction reply subject when it can
// satisfy the request.
type Bid struct {
	HostID      string            `json:"host_id"`
	ComponentID string            `json:"component_id,omitempty"`
	ProviderID  string            `json:"provider_id,omitempty"`
	Constraints map[string]string `json:"constraints"`
}

type scaleRequest struct {
	ComponentRef string            `json:"component_ref" validate:"required"`
	ComponentID  string            `json:"component_id" validate:"required"`
	MaxInstances uint32            `json:"max_instances"`
	Annotations  map[string]string `json:"annotations"`
	Config       []string          `json:"config"`
}

type providerStartRequest struct {
	ProviderRef string            `json:"provider_ref" validate:"required"`
	ProviderID  string            `json:"provider_id" validate:"required"`
	Annotations map[string]string `json:"annotations"`
	Config      []string          `json:"config"`
}

type providerStopRequest struct {
	ProviderID string `json:"provider_id" validate:"required"`
}

type hostPingResponse struct {
	HostID  string            `json:"host_id"`
	Lattice string            `json:"lattice"`
	Labels  map[string]string `json:"labels"`
	Version string            `json:"version"`
}

// Server owns the control-topic subscriptions for one host and dispatches
// each inbound command to the relevant manager.
type Server struct {
	bus         broker.Broker
	lattice     string
	hostID      string
	version     string
	labels      map[string]string
	components  *component.Manager
	providers   *provider.Manager
	links       *link.Manager
	configStore kv.Store
	gate        *policy.Gate
	log         core.Logger
	onShutdown  func(ctx context.Context) error

	mu   sync.Mutex
	subs []broker.Subscription
}

type Config struct {
	Bus         broker.Broker
	Lattice     string
	HostID      string
	Version     string
	Labels      map[string]string
	Components  *component.Manager
	Providers   *provider.Manager
	Links       *link.Manager
	ConfigStore kv.Store
	Gate        *policy.Gate
	Log         core.Logger
	OnShutdown  func(ctx context.Context) error
}

func NewServer(cfg Config) *Server {
	return &Server{
		bus:         cfg.Bus,
		lattice:     cfg.Lattice,
		hostID:      cfg.HostID,
		version:     cfg.Version,
		labels:      cfg.Labels,
		components:  cfg.Components,
		providers:   cfg.Providers,
		links:       cfg.Links,
		configStore: cfg.ConfigStore,
		gate:        cfg.Gate,
		log:         cfg.Log,
		onShutdown:  cfg.OnShutdown,
	}
}

func (s *Server) prefix() string {
	return fmt.Sprintf("wasmbus.ctl.v1.%s", s.lattice)
}

// Prefix exposes the control subject prefix for this server's lattice, so
// callers outside this package (the host supervisor, CLI tooling) can build
// subject names without duplicating the "wasmbus.ctl.v1.<lattice>" format.
func (s *Server) Prefix() string {
	return s.prefix()
}

// Start subscribes to every control subject this host answers. Each
// subscription runs its own dispatch goroutine; Stop tears all of them down.
func (s *Server) Start(ctx context.Context) error {
	bindings := []struct {
		subject string
		handle  func(context.Context, *broker.Message)
	}{
		{s.prefix() + ".component.auction", s.handleComponentAuction},
		{s.prefix() + ".component.scale." + s.hostID, s.handleComponentScale},
		{s.prefix() + ".provider.auction", s.handleProviderAuction},
		{s.prefix() + ".provider.start." + s.hostID, s.handleProviderStart},
		{s.prefix() + ".provider.stop." + s.hostID, s.handleProviderStop},
		{s.prefix() + ".link.put", s.handleLinkPut},
		{s.prefix() + ".link.del", s.handleLinkDelete},
		{s.prefix() + ".host.ping", s.handleHostPing},
		{s.prefix() + ".host.stop." + s.hostID, s.handleHostStop},
		{s.prefix() + ".config.put.*", s.handleConfigPut},
		{s.prefix() + ".config.del.*", s.handleConfigDelete},
	}

	for _, b := range bindings {
		sub, err := s.bus.Subscribe(ctx, b.subject, "")
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", b.subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
		go s.dispatchLoop(ctx, sub, b.handle)
	}
	return nil
}

func (s *Server) dispatchLoop(ctx context.Context, sub broker.Subscription, handle func(context.Context, *broker.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, okCh := <-sub.Messages():
			if !okCh {
				return
			}
			handle(ctx, msg)
		}
	}
}

// Stop unsubscribes from every control subject.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) respond(ctx context.Context, msg *broker.Message, body []byte) {
	if msg.ReplyTo == "" {
		return
	}
	if err := s.bus.Publish(ctx, msg.ReplyTo, body); err != nil && s.log != nil {
		s.log.Warn("failed to publish control response", "subject", msg.ReplyTo, "error", err)
	}
}

func labelsSatisfy(labels, constraints map[string]string) bool {
	for k, v := range constraints {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (s *Server) handleComponentAuction(ctx context.Context, msg *broker.Message) {
	var req ComponentAuctionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return
	}
	if !labelsSatisfy(s.labels, req.Constraints) {
		return
	}
	decision, err := s.gate.EvaluateStartComponent(ctx, policy.StartComponentRequest{
		ComponentID: req.ComponentID,
		ImageRef:    req.ComponentRef,
	})
	if err != nil || !decision.Permitted {
		return
	}
	bid := Bid{HostID: s.hostID, ComponentID: req.ComponentID, Constraints: req.Constraints}
	body, _ := json.Marshal(bid)
	_ = s.bus.Publish(ctx, s.prefix()+".component.auction.reply", body)
}

func (s *Server) handleProviderAuction(ctx context.Context, msg *broker.Message) {
	var req ProviderAuctionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return
	}
	if !labelsSatisfy(s.labels, req.Constraints) {
		return
	}
	decision, err := s.gate.EvaluateStartProvider(ctx, policy.StartProviderRequest{
		ProviderID: req.ProviderID,
		ImageRef:   req.ProviderRef,
	})
	if err != nil || !decision.Permitted {
		return
	}
	bid := Bid{HostID: s.hostID, ProviderID: req.ProviderID, Constraints: req.Constraints}
	body, _ := json.Marshal(bid)
	_ = s.bus.Publish(ctx, s.prefix()+".provider.auction.reply", body)
}

func (s *Server) handleComponentScale(ctx context.Context, msg *broker.Message) {
	var req scaleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(ctx, msg, fail("malformed scale request: "+err.Error()))
		return
	}
	if err := validate.Struct(req); err != nil {
		s.respond(ctx, msg, fail("invalid scale request: "+err.Error()))
		return
	}
	err := s.components.Scale(ctx, core.ComponentDescription{
		ComponentID:  req.ComponentID,
		ImageRef:     req.ComponentRef,
		MaxInstances: req.MaxInstances,
		Annotations:  req.Annotations,
		ConfigNames:  req.Config,
	})
	if err != nil {
		s.respond(ctx, msg, fail(err.Error()))
		return
	}
	s.respond(ctx, msg, ok(nil))
}

func (s *Server) handleProviderStart(ctx context.Context, msg *broker.Message) {
	var req providerStartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(ctx, msg, fail("malformed provider start request: "+err.Error()))
		return
	}
	if err := validate.Struct(req); err != nil {
		s.respond(ctx, msg, fail("invalid provider start request: "+err.Error()))
		return
	}
	decision, err := s.gate.EvaluateStartProvider(ctx, policy.StartProviderRequest{ProviderID: req.ProviderID, ImageRef: req.ProviderRef})
	if err != nil {
		s.respond(ctx, msg, fail(err.Error()))
		return
	}
	if !decision.Permitted {
		msgText := "denied by policy"
		if decision.Message != nil {
			msgText = *decision.Message
		}
		s.respond(ctx, msg, fail(msgText))
		return
	}
	s.providers.Register(core.ProviderDescription{ProviderID: req.ProviderID, ImageRef: req.ProviderRef, Annotations: req.Annotations}, s.hostID, s.lattice)
	s.respond(ctx, msg, ok(nil))
}

func (s *Server) handleProviderStop(ctx context.Context, msg *broker.Message) {
	var req providerStopRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(ctx, msg, fail("malformed provider stop request: "+err.Error()))
		return
	}
	if err := validate.Struct(req); err != nil {
		s.respond(ctx, msg, fail("invalid provider stop request: "+err.Error()))
		return
	}
	if err := s.providers.Shutdown(ctx, req.ProviderID); err != nil {
		s.respond(ctx, msg, fail(err.Error()))
		return
	}
	s.providers.Remove(req.ProviderID)
	s.respond(ctx, msg, ok(nil))
}

func (s *Server) handleLinkPut(ctx context.Context, msg *broker.Message) {
	var l core.Link
	if err := json.Unmarshal(msg.Data, &l); err != nil {
		s.respond(ctx, msg, fail("malformed link: "+err.Error()))
		return
	}
	if err := s.links.PutLink(ctx, l); err != nil {
		s.respond(ctx, msg, fail(err.Error()))
		return
	}
	s.respond(ctx, msg, ok(nil))
}

func (s *Server) handleLinkDelete(ctx context.Context, msg *broker.Message) {
	var req struct {
		SourceID     string `json:"source_id"`
		WitNamespace string `json:"wit_namespace"`
		WitPackage   string `json:"wit_package"`
		Name         string `json:"name"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(ctx, msg, fail("malformed link delete request: "+err.Error()))
		return
	}
	if err := s.links.DeleteLink(ctx, req.SourceID, req.WitNamespace, req.WitPackage, req.Name); err != nil {
		s.respond(ctx, msg, fail(err.Error()))
		return
	}
	s.respond(ctx, msg, ok(nil))
}

func (s *Server) handleHostPing(ctx context.Context, msg *broker.Message) {
	resp := hostPingResponse{HostID: s.hostID, Lattice: s.lattice, Labels: s.labels, Version: s.version}
	s.respond(ctx, msg, ok(resp))
}

// handleConfigPut and handleConfigDelete dispatch on `.config.put.<name>`
// and `.config.del.<name>`; the name is the final subject token, since a
// real broker subscribes to these with a trailing wildcard (MemoryBroker,
// used in this package's tests, has no wildcard support, so these handlers
// are not reached through it and the tests do not cover them).
func (s *Server) handleConfigPut(ctx context.Context, msg *broker.Message) {
	name := lastSubjectToken(msg.Subject)
	var values map[string]string
	if err := json.Unmarshal(msg.Data, &values); err != nil {
		s.respond(ctx, msg, fail("malformed config put request: "+err.Error()))
		return
	}
	if err := s.PutConfig(ctx, name, values); err != nil {
		s.respond(ctx, msg, fail(err.Error()))
		return
	}
	s.respond(ctx, msg, ok(nil))
}

func (s *Server) handleConfigDelete(ctx context.Context, msg *broker.Message) {
	name := lastSubjectToken(msg.Subject)
	if err := s.DeleteConfig(ctx, name); err != nil {
		s.respond(ctx, msg, fail(err.Error()))
		return
	}
	s.respond(ctx, msg, ok(nil))
}

func lastSubjectToken(subject string) string {
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return subject[i+1:]
		}
	}
	return subject
}

func (s *Server) handleHostStop(ctx context.Context, msg *broker.Message) {
	s.respond(ctx, msg, ok(nil))
	if s.onShutdown != nil {
		_ = s.onShutdown(ctx)
	}
}

// PutConfig writes name/value into the config store under a lattice-shared
// bucket, for the `.config.put.<name>` subject. s.configStore is already
// the CONFIGDATA_<lattice> bucket, so the key is the bare name, matching
// every other reader of the same bucket (config.BundleGenerator,
// secrets.Manager).
func (s *Server) PutConfig(ctx context.Context, name string, values map[string]string) error {
	body, err := json.Marshal(core.ConfigEntry(values))
	if err != nil {
		return &core.ConfigError{Op: "marshal config " + name, Err: err}
	}
	return s.configStore.Put(ctx, name, body)
}

// DeleteConfig removes a named config entry, for `.config.del.<name>`.
func (s *Server) DeleteConfig(ctx context.Context, name string) error {
	return s.configStore.Delete(ctx, name)
}
