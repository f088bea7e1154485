// Package identity implements the keypair and claims machinery described in
// spec §4.1: account issuers, cluster/server keys, and signed claim tokens
// for components, providers, and invocations.
package identity

import (
	"fmt"

	"github.com/nats-io/nkeys"
)

// KeyPair wraps an nkey keypair with the role it plays in the lattice. The
// underlying nkeys library exposes Account/Cluster/Server/User/Operator
// prefixes; wasmCloud's additional component ("M") and provider ("V")
// subject prefixes aren't part of the upstream Go nkeys port, so entity
// subject keys reuse the Account prefix here and are distinguished
// structurally (by role, not by nkey prefix byte).
type KeyPair struct {
	Role string
	kp   nkeys.KeyPair
}

const (
	RoleIssuer  = "issuer"  // account keypair signing component/provider claims
	RoleCluster = "cluster" // cluster keypair signing invocation claims
	RoleServer  = "server"  // host server keypair
	RoleSubject = "subject" // component or provider entity public key
)

// NewIssuerKeyPair creates a fresh account issuer keypair.
func NewIssuerKeyPair() (*KeyPair, error) {
	kp, err := nkeys.CreateAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to create issuer keypair: %w", err)
	}
	return &KeyPair{Role: RoleIssuer, kp: kp}, nil
}

// NewClusterKeyPair creates a fresh cluster keypair used to seal invocation
// claims.
func NewClusterKeyPair() (*KeyPair, error) {
	kp, err := nkeys.CreateCluster()
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster keypair: %w", err)
	}
	return &KeyPair{Role: RoleCluster, kp: kp}, nil
}

// NewServerKeyPair creates a fresh host server keypair.
func NewServerKeyPair() (*KeyPair, error) {
	kp, err := nkeys.CreateServer()
	if err != nil {
		return nil, fmt.Errorf("failed to create server keypair: %w", err)
	}
	return &KeyPair{Role: RoleServer, kp: kp}, nil
}

// NewSubjectKeyPair creates a fresh component/provider entity keypair.
func NewSubjectKeyPair() (*KeyPair, error) {
	kp, err := nkeys.CreateAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to create subject keypair: %w", err)
	}
	return &KeyPair{Role: RoleSubject, kp: kp}, nil
}

// KeyPairFromSeed parses a role and an nkey seed string (as read from
// HOST_SEED / CLUSTER_SEED) into a KeyPair.
func KeyPairFromSeed(role, seed string) (*KeyPair, error) {
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s seed: %w", role, err)
	}
	return &KeyPair{Role: role, kp: kp}, nil
}

// KeyPairFromPublicKey builds a verify-only KeyPair (no private key
// material) from a 56-char nkey public key string, used to validate
// signatures against an already-known identity such as a peer's server key.
func KeyPairFromPublicKey(role, publicKey string) (*KeyPair, error) {
	kp, err := nkeys.FromPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s public key: %w", role, err)
	}
	return &KeyPair{Role: role, kp: kp}, nil
}

// PublicKey returns the 56-char nkey-encoded public key.
func (k *KeyPair) PublicKey() (string, error) {
	pk, err := k.kp.PublicKey()
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	return pk, nil
}

// Seed returns the secret seed, only valid for keypairs holding private key
// material.
func (k *KeyPair) Seed() ([]byte, error) {
	seed, err := k.kp.Seed()
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	return seed, nil
}

// Sign signs the given bytes, only valid for keypairs holding private key
// material.
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	sig, err := k.kp.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// Verify checks a signature against the given bytes.
func (k *KeyPair) Verify(data, sig []byte) error {
	if err := k.kp.Verify(data, sig); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// IsValidServerKey reports whether publicKey decodes as a server (host)
// nkey, used by antiforgery validation of an invocation's host_id field.
func IsValidServerKey(publicKey string) bool {
	return nkeys.IsValidPublicServerKey(publicKey)
}
