package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/core"
)

func mustKeys(t *testing.T) (issuer, subject, cluster, host *KeyPair) {
	t.Helper()
	var err error
	issuer, err = NewIssuerKeyPair()
	require.NoError(t, err)
	subject, err = NewSubjectKeyPair()
	require.NoError(t, err)
	cluster, err = NewClusterKeyPair()
	require.NoError(t, err)
	host, err = NewServerKeyPair()
	require.NoError(t, err)
	return
}

func TestComponentClaimsRoundTrip(t *testing.T) {
	issuer, subject, _, _ := mustKeys(t)
	token, original, err := EncodeComponentClaims(issuer, subject, core.ClaimsMetadata{Name: "hello", Version: "0.1.0"}, nil, nil)
	require.NoError(t, err)

	issuerKey, err := issuer.PublicKey()
	require.NoError(t, err)

	decoded, err := ValidateClaims(token, []string{issuerKey})
	require.NoError(t, err)
	require.Equal(t, original.Subject, decoded.Subject)
	require.Equal(t, original.Issuer, decoded.Issuer)
	require.Equal(t, "hello", decoded.Metadata.Name)
}

func TestValidateClaimsRejectsUntrustedIssuer(t *testing.T) {
	issuer, subject, _, _ := mustKeys(t)
	token, _, err := EncodeComponentClaims(issuer, subject, core.ClaimsMetadata{Name: "hello"}, nil, nil)
	require.NoError(t, err)

	_, err = ValidateClaims(token, []string{"AOTHERISSUERNOTINLIST"})
	require.Error(t, err)
}

func TestSignAndValidateInvocation(t *testing.T) {
	_, _, cluster, host := mustKeys(t)
	origin := core.Entity{PublicKey: "MORIGIN"}
	target := core.Entity{PublicKey: "MTARGET"}

	inv, err := SignInvocation(cluster, host, origin, target, "greet", []byte("world"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, inv.ID)
	require.Equal(t, uint64(len("world")), inv.ContentLength)

	clusterKey, err := cluster.PublicKey()
	require.NoError(t, err)

	err = ValidateInvocation(inv, []string{clusterKey})
	require.NoError(t, err)
}

func TestValidateInvocationDetectsTamperedMessage(t *testing.T) {
	_, _, cluster, host := mustKeys(t)
	origin := core.Entity{PublicKey: "MORIGIN"}
	target := core.Entity{PublicKey: "MTARGET"}

	inv, err := SignInvocation(cluster, host, origin, target, "greet", []byte("world"), nil)
	require.NoError(t, err)

	inv.Msg = []byte("tampered")
	inv.ContentLength = uint64(len(inv.Msg))

	clusterKey, err := cluster.PublicKey()
	require.NoError(t, err)

	err = ValidateInvocation(inv, []string{clusterKey})
	require.Error(t, err)
	var forged *core.ForgedInvocation
	require.ErrorAs(t, err, &forged)
}

func TestValidateInvocationRejectsNonServerHostID(t *testing.T) {
	_, _, cluster, host := mustKeys(t)
	origin := core.Entity{PublicKey: "MORIGIN"}
	target := core.Entity{PublicKey: "MTARGET"}
	inv, err := SignInvocation(cluster, host, origin, target, "greet", []byte("world"), nil)
	require.NoError(t, err)

	inv.HostID = "not-a-valid-server-key"
	err = ValidateInvocation(inv, []string{})
	require.Error(t, err)
}

func TestValidateInvocationSkipsHashCheckWhenBodyExternalized(t *testing.T) {
	_, _, cluster, host := mustKeys(t)
	origin := core.Entity{PublicKey: "MORIGIN"}
	target := core.Entity{PublicKey: "MTARGET"}
	inv, err := SignInvocation(cluster, host, origin, target, "greet", []byte("world"), nil)
	require.NoError(t, err)

	// Body externalized: msg cleared after signing, hash check must be
	// skipped rather than fail.
	inv.Msg = nil
	inv.ContentLength = 0

	clusterKey, err := cluster.PublicKey()
	require.NoError(t, err)
	err = ValidateInvocation(inv, []string{clusterKey})
	require.NoError(t, err)
}
