package secrets

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/kv"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

func TestFetchSecretsEmptyNamesReturnsEmptyMap(t *testing.T) {
	m := NewManager(rpc.NewClient(broker.NewMemoryBroker()), kv.NewMemoryStore(), "wasmcloud.secrets")
	out, err := m.FetchSecrets(context.Background(), nil, "entity-jwt", "host-jwt", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFetchSecretsFailsWithoutTopicConfigured(t *testing.T) {
	m := NewManager(rpc.NewClient(broker.NewMemoryBroker()), kv.NewMemoryStore(), "")
	_, err := m.FetchSecrets(context.Background(), []string{"db"}, "entity-jwt", "host-jwt", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFetchSecretsMissingReferenceFails(t *testing.T) {
	m := NewManager(rpc.NewClient(broker.NewMemoryBroker()), kv.NewMemoryStore(), "wasmcloud.secrets")
	_, err := m.FetchSecrets(context.Background(), []string{"db"}, "entity-jwt", "host-jwt", nil)
	require.Error(t, err)
}

func TestFetchSecretsResolvesStringSecret(t *testing.T) {
	store := kv.NewMemoryStore()
	ref := core.SecretReference{Backend: "vault", Key: "db/pw", Policy: "{}"}
	refBody, err := json.Marshal(ref)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "SECRET_db", refBody))

	mb := broker.NewMemoryBroker()
	mb.RegisterHandler("wasmcloud.secrets.vault.get", func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var req backendRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		assert.Equal(t, "db/pw", req.Name)
		assert.Equal(t, "entity-jwt", req.Context.EntityJWT)
		secret := "s3cr3t"
		return json.Marshal(backendResponse{StringSecret: &secret})
	})

	m := NewManager(rpc.NewClient(mb), store, "wasmcloud.secrets")
	out, err := m.FetchSecrets(context.Background(), []string{"db"}, "entity-jwt", "host-jwt", &Application{Name: "app1", Policy: "{}"})
	require.NoError(t, err)
	require.Contains(t, out, "db")
	assert.Equal(t, core.SecretValueString, out["db"].Kind)
	assert.Equal(t, "s3cr3t", out["db"].String)
}

func TestFetchSecretsResolvesBinarySecret(t *testing.T) {
	store := kv.NewMemoryStore()
	ref := core.SecretReference{Backend: "vault", Key: "cert/tls", Policy: "{}"}
	refBody, err := json.Marshal(ref)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "SECRET_tls", refBody))

	mb := broker.NewMemoryBroker()
	mb.RegisterHandler("wasmcloud.secrets.vault.get", func(_ context.Context, _ string, _ []byte) ([]byte, error) {
		return json.Marshal(backendResponse{BinarySecret: []byte{1, 2, 3}})
	})

	m := NewManager(rpc.NewClient(mb), store, "wasmcloud.secrets")
	out, err := m.FetchSecrets(context.Background(), []string{"SECRET_tls"}, "entity-jwt", "host-jwt", nil)
	require.NoError(t, err)
	require.Contains(t, out, "tls")
	assert.Equal(t, core.SecretValueBytes, out["tls"].Kind)
	assert.Equal(t, []byte{1, 2, 3}, out["tls"].Bytes)
}
