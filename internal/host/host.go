// Package host implements spec §4.13: the host supervisor that owns the
// host keypair, wires every manager together, and runs the startup and
// shutdown sequences.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattice-run/wasmhost/internal/artifact"
	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/capability"
	"github.com/lattice-run/wasmhost/internal/component"
	"github.com/lattice-run/wasmhost/internal/config"
	"github.com/lattice-run/wasmhost/internal/controlplane"
	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/event"
	"github.com/lattice-run/wasmhost/internal/identity"
	"github.com/lattice-run/wasmhost/internal/kv"
	"github.com/lattice-run/wasmhost/internal/link"
	"github.com/lattice-run/wasmhost/internal/policy"
	"github.com/lattice-run/wasmhost/internal/provider"
	"github.com/lattice-run/wasmhost/internal/rpc"
	"github.com/lattice-run/wasmhost/internal/secrets"
	"github.com/lattice-run/wasmhost/internal/wasmengine"
)

// ShutdownProviderTimeout bounds how long a single provider gets to react
// to a shutdown request before the host abandons it and moves on.
const ShutdownProviderTimeout = 5 * time.Second

// Config assembles everything the host needs at startup. Fields left zero
// get a sane default (see New): HostID is derived from the key pair,
// Lattice defaults to "default".
type Config struct {
	Bus     broker.Broker
	Lattice string
	Version string
	Labels  map[string]string

	// HostSeed, if set, is decoded into the host's server key pair;
	// otherwise a fresh key pair is generated.
	HostSeed string

	DataStore   kv.Store
	ConfigStore kv.Store

	// Engine runs compiled components; if nil, New starts a fresh
	// wazero-backed wasmengine.Engine.
	Engine *wasmengine.Engine
	// Artifacts fetches and caches component/provider images; if nil, New
	// builds one from ArtifactConfig.
	Artifacts      *artifact.Fetcher
	ArtifactConfig artifact.Config

	AcceptedIssuers []string
	AcquireTimeout  time.Duration

	PolicyTopic        string
	PolicyTimeout      time.Duration
	PolicyChangesTopic string

	SecretsTopic string

	Log core.Logger
}

// Host is the supervisor for one running wasmCloud-style host process: it
// owns the identity, every manager, the control-interface server, and the
// startup/shutdown sequence described in spec §4.13.
type Host struct {
	cfg Config

	keyPair *identity.KeyPair
	hostID  string

	bus         broker.Broker
	dataStore   kv.Store
	configStore kv.Store

	engine     *wasmengine.Engine
	gate       *policy.Gate
	events     *event.Publisher
	secrets    *secrets.Manager
	bundles    *config.BundleGenerator
	links      *link.Manager
	providers  *provider.Manager
	components *component.Manager
	control    *controlplane.Server
	capability *capability.Handler
	rpcClient  *rpc.Client

	log core.Logger

	cancelPolicyOverrides context.CancelFunc
}

// New assembles a Host and its managers, in the leaf-first order spec
// §4.13 describes, but does not yet subscribe to control topics or emit
// host_started; call Start for that.
func New(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Lattice == "" {
		cfg.Lattice = "default"
	}
	if cfg.DataStore == nil || cfg.ConfigStore == nil {
		return nil, fmt.Errorf("new host: data store and config store are required")
	}

	kp, err := loadOrGenerateHostKey(cfg.HostSeed)
	if err != nil {
		return nil, fmt.Errorf("new host: %w", err)
	}
	hostID, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("new host: host public key: %w", err)
	}

	engine := cfg.Engine
	if engine == nil {
		engine, err = wasmengine.NewEngine(ctx)
		if err != nil {
			return nil, fmt.Errorf("new host: start wasm engine: %w", err)
		}
	}
	fetcher := cfg.Artifacts
	if fetcher == nil {
		fetcher = artifact.NewFetcher(cfg.ArtifactConfig)
	}

	client := rpc.NewClient(cfg.Bus)
	hostInfo := policy.HostInfo{PublicKey: hostID, Lattice: cfg.Lattice, Labels: cfg.Labels}
	gate := policy.NewGate(client, hostInfo, cfg.PolicyTopic, cfg.PolicyTimeout, cfg.Log)

	pub := event.NewPublisher(cfg.Bus, cfg.Lattice, hostID, cfg.Log)
	secretsMgr := secrets.NewManager(client, cfg.ConfigStore, cfg.SecretsTopic)
	bundles := config.NewBundleGenerator(cfg.ConfigStore, cfg.Log)

	providers := provider.NewManager(client, pub, cfg.Log)
	links := link.NewManager(cfg.DataStore, pub, providers)

	// Default capability handler: builtin-in-memory keyvalue/blobstore and a
	// builtin-local logger/HTTP egress client, so a component scales and runs
	// even before any capability link is bound. Messaging and secrets have no
	// sensible host-local fallback (both only make sense forwarded to a
	// linked provider with the invoking component's claims), so they start
	// unbound; a caller wires them per component via Host.Capability once a
	// link is known.
	memKV := capability.NewMemoryKeyValue()
	disp := &capability.Handler{
		KeyValueAtomic:   memKV,
		KeyValueEventual: memKV,
		Blobstore:        capability.NewMemoryBlobstore(),
		Logging:          capability.NewComponentLogger(cfg.Log, ""),
		HTTPClient:       capability.NewLocalHTTPClient(0),
	}

	components := component.NewManager(engine, fetcher, gate, pub, disp, bundles, cfg.AcceptedIssuers, cfg.AcquireTimeout, cfg.Log)

	h := &Host{
		cfg:         cfg,
		keyPair:     kp,
		hostID:      hostID,
		bus:         cfg.Bus,
		dataStore:   cfg.DataStore,
		configStore: cfg.ConfigStore,
		engine:      engine,
		gate:        gate,
		events:      pub,
		secrets:     secretsMgr,
		bundles:     bundles,
		links:       links,
		providers:   providers,
		components:  components,
		capability:  disp,
		rpcClient:   client,
		log:         cfg.Log,
	}

	h.control = controlplane.NewServer(controlplane.Config{
		Bus: cfg.Bus, Lattice: cfg.Lattice, HostID: hostID, Version: cfg.Version, Labels: cfg.Labels,
		Components: components, Providers: providers, Links: links,
		ConfigStore: cfg.ConfigStore, Gate: gate, Log: cfg.Log,
		OnShutdown: h.Shutdown,
	})

	return h, nil
}

func loadOrGenerateHostKey(seed string) (*identity.KeyPair, error) {
	if seed != "" {
		return identity.KeyPairFromSeed(identity.RoleServer, seed)
	}
	return identity.NewServerKeyPair()
}

// HostID returns the host's public server key, used as the host_id in
// every control subject this host answers.
func (h *Host) HostID() string { return h.hostID }

// supplementalConfig is the payload loaded via the startup one-shot request
// on wasmbus.cfg.<lattice>.req. Only label overrides are decoded; any other
// field of the reply, such as registry credentials, is ignored.
type supplementalConfig struct {
	Labels map[string]string `json:"labels"`
}

// Start runs the spec §4.13 startup sequence: load supplemental config,
// start the policy-override subscriber, subscribe to control topics, and
// emit host_started. The host key and KV buckets are assumed already
// opened by the caller and passed in via Config (opening JetStream buckets
// is a broker-connection concern that belongs to cmd/wasmcloud-host, not
// this package, so Host stays unit-testable against broker.MemoryBroker).
func (h *Host) Start(ctx context.Context) error {
	h.loadSupplementalConfig(ctx)

	if h.cfg.PolicyChangesTopic != "" {
		cancel, err := h.gate.StartOverrideSubscriber(ctx, h.cfg.PolicyChangesTopic)
		if err != nil {
			return fmt.Errorf("start host: policy override subscriber: %w", err)
		}
		h.cancelPolicyOverrides = cancel
	}

	if err := h.control.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}

	_ = h.events.Publish(ctx, event.HostStarted, map[string]interface{}{
		"host_id": h.hostID,
		"lattice": h.cfg.Lattice,
		"labels":  h.cfg.Labels,
		"version": h.cfg.Version,
	})
	return nil
}

// loadSupplementalConfig makes a single best-effort request on
// wasmbus.cfg.<lattice>.req and merges the reply's labels into the host's
// labels; registry credentials are not read from the reply.
// A missing responder (no controller listening yet) is not fatal: the host
// starts with whatever labels it was configured with.
func (h *Host) loadSupplementalConfig(ctx context.Context) {
	subject := fmt.Sprintf("wasmbus.cfg.%s.req", h.cfg.Lattice)
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	data, err := h.bus.Request(reqCtx, subject, []byte("{}"), 2*time.Second)
	if err != nil {
		if h.log != nil {
			h.log.Debug("no supplemental config responder", "subject", subject, "error", err)
		}
		return
	}

	var sup supplementalConfig
	if err := json.Unmarshal(data, &sup); err != nil {
		if h.log != nil {
			h.log.Warn("malformed supplemental config", "error", err)
		}
		return
	}
	for k, v := range sup.Labels {
		if h.cfg.Labels == nil {
			h.cfg.Labels = map[string]string{}
		}
		h.cfg.Labels[k] = v
	}
}

// Shutdown runs the spec §4.13 shutdown sequence: scale every component to
// zero and await the drain, request shutdown of each provider under a
// bounded timeout, flush host_stopped, then stop the control-interface
// server. It is safe to call directly or via the control-interface
// server's host.stop callback.
func (h *Host) Shutdown(ctx context.Context) error {
	if h.cancelPolicyOverrides != nil {
		h.cancelPolicyOverrides()
	}

	for _, desc := range h.components.Descriptions() {
		desc.MaxInstances = 0
		if err := h.components.Scale(ctx, desc); err != nil && h.log != nil {
			h.log.Warn("failed to drain component during shutdown", "component_id", desc.ComponentID, "error", err)
		}
	}

	for _, id := range h.providers.IDs() {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownProviderTimeout)
		err := h.providers.Shutdown(shutdownCtx, id)
		cancel()
		if err != nil && h.log != nil {
			h.log.Warn("provider did not shut down cleanly, abandoning", "provider_id", id, "error", err)
		}
		h.providers.Remove(id)
	}

	_ = h.events.Publish(ctx, event.HostStopped, map[string]interface{}{
		"host_id": h.hostID,
		"lattice": h.cfg.Lattice,
	})

	h.gate.Stop()
	h.control.Stop()

	if h.engine != nil {
		if err := h.engine.Close(ctx); err != nil && h.log != nil {
			h.log.Warn("failed to close wasm engine", "error", err)
		}
	}
	if err := h.bus.Close(); err != nil && h.log != nil {
		h.log.Warn("failed to close broker connection", "error", err)
	}
	return nil
}

// Components exposes the component manager.
func (h *Host) Components() *component.Manager { return h.components }

// Capability exposes the host's default capability handler, so callers can
// bind lattice-forwarding variants (messaging, secrets, a non-default
// outgoing-handler) once a component's links are known.
func (h *Host) Capability() *capability.Handler { return h.capability }

// RPCClient exposes the shared rpc.Client, for constructing
// lattice-forwarding capability variants against a specific link.
func (h *Host) RPCClient() *rpc.Client { return h.rpcClient }

// Providers exposes the provider manager.
func (h *Host) Providers() *provider.Manager { return h.providers }

// Links exposes the link manager.
func (h *Host) Links() *link.Manager { return h.links }

// Secrets exposes the secrets manager, for wiring into capability handlers
// that resolve secret references from config bundles.
func (h *Host) Secrets() *secrets.Manager { return h.secrets }

// Bundles exposes the config bundle generator.
func (h *Host) Bundles() *config.BundleGenerator { return h.bundles }
