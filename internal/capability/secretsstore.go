package capability

import (
	"context"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/secrets"
)

// SecretsStore mirrors wasmcloud:secrets/store: resolution of a named
// secret reference into its current value.
type SecretsStore interface {
	Get(ctx context.Context, name string) (core.SecretValue, error)
}

type getSecretRequest struct {
	Name string `json:"name"`
}

type getSecretResponse struct {
	Kind   int    `json:"kind"`
	String string `json:"string,omitempty"`
	Bytes  []byte `json:"bytes,omitempty"`
}

func (h *Handler) dispatchSecrets(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if h.Secrets == nil {
		return fail(errNoHandlerBound("wasmcloud:secrets/store"))
	}
	switch operation {
	case "get":
		var req getSecretRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		v, err := h.Secrets.Get(ctx, req.Name)
		if err != nil {
			return fail(err)
		}
		return ok(getSecretResponse{Kind: int(v.Kind), String: v.String, Bytes: v.Bytes})
	default:
		return fail(core.NewApplicationError(core.ErrKindNotFound, "unknown wasmcloud:secrets/store operation %q", operation))
	}
}

// LatticeSecretsStore is the lattice-forwarding SecretsStore variant: it
// resolves secrets through the host's secrets.Manager, fixing the entity
// and host claims for the component instance it was cloned for so every
// Get call presents consistent identity to the secrets backend.
type LatticeSecretsStore struct {
	manager   *secrets.Manager
	entityJWT string
	hostJWT   string
	app       *secrets.Application
}

// NewLatticeSecretsStore binds a secrets.Manager to one component instance's
// claims, ready to be installed as Handler.Secrets.
func NewLatticeSecretsStore(manager *secrets.Manager, entityJWT, hostJWT string, app *secrets.Application) *LatticeSecretsStore {
	return &LatticeSecretsStore{manager: manager, entityJWT: entityJWT, hostJWT: hostJWT, app: app}
}

func (s *LatticeSecretsStore) Get(ctx context.Context, name string) (core.SecretValue, error) {
	resolved, err := s.manager.FetchSecrets(ctx, []string{name}, s.entityJWT, s.hostJWT, s.app)
	if err != nil {
		return core.SecretValue{}, err
	}
	v, ok := resolved[name]
	if !ok {
		return core.SecretValue{}, core.NewApplicationError(core.ErrKindNotFound, "secret %s not returned by backend", name)
	}
	return v, nil
}
