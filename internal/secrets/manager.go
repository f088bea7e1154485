// Package secrets implements spec §4.5: resolution of named secret
// references (stored in the config KV under SECRET_-prefixed keys) through
// a pluggable backend reached over the lattice bus.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/kv"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

// defaultRequestTimeout bounds a single backend round trip when the caller
// doesn't supply one via context deadline.
const defaultRequestTimeout = 2 * time.Second

// ErrNotConfigured is returned by FetchSecrets when no secret store topic
// has been configured on the host.
var ErrNotConfigured = fmt.Errorf("secrets: no secret store topic configured")

// Application identifies the calling application in a backend request, per
// spec §4.5 step 3.
type Application struct {
	Name   string `json:"name"`
	Policy string `json:"policy"`
}

type secretContext struct {
	EntityJWT   string       `json:"entity_jwt"`
	HostJWT     string       `json:"host_jwt"`
	Application *Application `json:"application,omitempty"`
}

type backendRequest struct {
	Name    string        `json:"name"`
	Version string        `json:"version,omitempty"`
	Context secretContext `json:"context"`
}

type backendResponse struct {
	StringSecret *string `json:"string_secret,omitempty"`
	BinarySecret []byte  `json:"binary_secret,omitempty"`
	Error        *string `json:"error,omitempty"`
}

// Manager resolves named secrets through per-backend clients, caching one
// client per backend id.
type Manager struct {
	client      *rpc.Client
	configStore kv.Store
	topicPrefix string // e.g. "wasmcloud.secrets"; empty disables fetching

	mu       sync.Mutex
	backends map[string]*backendClient
}

type backendClient struct {
	subject string
}

func NewManager(client *rpc.Client, configStore kv.Store, topicPrefix string) *Manager {
	return &Manager{
		client:      client,
		configStore: configStore,
		topicPrefix: topicPrefix,
		backends:    make(map[string]*backendClient),
	}
}

func (m *Manager) backendFor(backendID string) *backendClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.backends[backendID]; ok {
		return c
	}
	c := &backendClient{subject: fmt.Sprintf("%s.%s.get", m.topicPrefix, backendID)}
	m.backends[backendID] = c
	return c
}

// FetchSecrets resolves each of names (bare, without the SECRET_ prefix)
// into its resolved value, per spec §4.5.
func (m *Manager) FetchSecrets(ctx context.Context, names []string, entityJWT, hostJWT string, app *Application) (map[string]core.SecretValue, error) {
	if len(names) == 0 {
		return map[string]core.SecretValue{}, nil
	}
	if m.topicPrefix == "" {
		return nil, ErrNotConfigured
	}

	out := make(map[string]core.SecretValue, len(names))
	for _, name := range names {
		value, err := m.fetchOne(ctx, name, entityJWT, hostJWT, app)
		if err != nil {
			return nil, fmt.Errorf("fetch secret %s: %w", name, err)
		}
		out[strings.TrimPrefix(name, core.SecretPrefix)] = value
	}
	return out, nil
}

func (m *Manager) fetchOne(ctx context.Context, name, entityJWT, hostJWT string, app *Application) (core.SecretValue, error) {
	key := name
	if !strings.HasPrefix(key, core.SecretPrefix) {
		key = core.SecretPrefix + key
	}

	raw, found, err := m.configStore.Get(ctx, key)
	if err != nil {
		return core.SecretValue{}, &core.TransportError{Op: fmt.Sprintf("kv get %s", key), Err: err}
	}
	if !found {
		return core.SecretValue{}, core.NewApplicationError(core.ErrKindNotFound, "secret reference %s missing from config store", key)
	}

	var ref core.SecretReference
	if err := json.Unmarshal(raw, &ref); err != nil {
		return core.SecretValue{}, &core.ConfigError{Op: fmt.Sprintf("decode secret reference %s", key), Err: err}
	}

	backend := m.backendFor(ref.Backend)
	req := backendRequest{
		Name:    ref.Key,
		Version: ref.Version,
		Context: secretContext{EntityJWT: entityJWT, HostJWT: hostJWT, Application: app},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return core.SecretValue{}, &core.ConfigError{Op: "marshal secret request", Err: err}
	}

	reply, err := m.client.Request(ctx, backend.subject, body, defaultRequestTimeout)
	if err != nil {
		return core.SecretValue{}, fmt.Errorf("request backend %s: %w", ref.Backend, err)
	}

	var resp backendResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return core.SecretValue{}, &core.ConfigError{Op: "decode secret response", Err: err}
	}
	if resp.Error != nil {
		return core.SecretValue{}, core.NewApplicationError(core.ErrKindOther, "%s", *resp.Error)
	}

	switch {
	case resp.StringSecret != nil:
		return core.SecretValue{Kind: core.SecretValueString, String: *resp.StringSecret}, nil
	case resp.BinarySecret != nil:
		return core.SecretValue{Kind: core.SecretValueBytes, Bytes: resp.BinarySecret}, nil
	default:
		return core.SecretValue{}, core.NewApplicationError(core.ErrKindOther, "secret response for %s carried neither string_secret nor binary_secret", key)
	}
}
