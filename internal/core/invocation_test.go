package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityURLComponent(t *testing.T) {
	e := Entity{PublicKey: "MCOMPONENTKEY"}
	require.True(t, e.IsComponent())
	assert.Equal(t, "wasmbus://MCOMPONENTKEY", e.URL())
}

func TestEntityURLProvider(t *testing.T) {
	e := Entity{
		PublicKey:  "VPROVIDERKEY",
		LinkName:   "default",
		ContractID: "wasmcloud:httpserver",
	}
	require.True(t, e.IsProvider())
	assert.Equal(t, "wasmbus://wasmcloud/httpserver/default/VPROVIDERKEY", e.URL())
}

func TestTargetURLAppendsOperation(t *testing.T) {
	e := Entity{PublicKey: "MABC"}
	assert.Equal(t, "wasmbus://MABC/greet", TargetURL(e, "greet"))
}

func TestInvocationHashStableUnderReserialization(t *testing.T) {
	inv := &Invocation{
		Origin:    Entity{PublicKey: "MORIGIN"},
		Target:    Entity{PublicKey: "MTARGET"},
		Operation: "greet",
		Msg:       []byte("hello"),
	}
	h1 := inv.Hash()

	// Re-derive from the same wire fields via a fresh struct (as would
	// happen after a decode/encode round trip over the wire) and confirm
	// the hash is unaffected by field order or struct identity.
	inv2 := &Invocation{
		Target:    inv.Target,
		Origin:    inv.Origin,
		Msg:       append([]byte(nil), inv.Msg...),
		Operation: inv.Operation,
	}
	assert.Equal(t, h1, inv2.Hash())
}

func TestInvocationHashUppercaseHex(t *testing.T) {
	h := InvocationHash("wasmbus://t/op", "wasmbus://o", "op", []byte("x"))
	for _, r := range h {
		assert.False(t, r >= 'a' && r <= 'f', "hash must be upper-case hex, got %q", h)
	}
	assert.Len(t, h, 64)
}

func TestLinkHashDeterministic(t *testing.T) {
	l := Link{SourceID: "a", Target: "b", WitNamespace: "wasi", WitPackage: "http", Name: "default"}
	assert.Equal(t, l.Hash(), l.Hash())
	other := l
	other.Name = "other"
	assert.NotEqual(t, l.Hash(), other.Hash())
}

func TestMergeConfigLaterOverridesEarlier(t *testing.T) {
	a := ConfigEntry{"greeting": "hi", "x": "1"}
	b := ConfigEntry{"greeting": "yo"}
	c := ConfigEntry{"z": "9"}
	merged := Merge(a, b, c)
	assert.Equal(t, ConfigEntry{"greeting": "yo", "x": "1", "z": "9"}, merged)
}
