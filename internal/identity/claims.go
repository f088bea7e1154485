package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/wasmhost/internal/core"
)

// tokenHeader is the compact-token header, analogous to a JWT header but
// naming the nkey signature scheme instead of a JOSE alg.
type tokenHeader struct {
	Type string `json:"typ"`
	Alg  string `json:"alg"`
}

const tokenAlg = "ed25519-nkey"

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// encodeToken signs an arbitrary JSON-able claims payload with signer,
// producing a three-part compact token: header.payload.signature.
func encodeToken(signer *KeyPair, claims interface{}) (string, error) {
	headerJSON, err := json.Marshal(tokenHeader{Type: "JWT", Alg: tokenAlg})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token header: %w", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token claims: %w", err)
	}
	signingInput := b64(headerJSON) + "." + b64(payloadJSON)
	sig, err := signer.Sign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signingInput + "." + b64(sig), nil
}

// decodeTokenParts splits a compact token and base64-decodes each segment
// without verifying the signature.
func decodeTokenParts(token string) (headerJSON, payloadJSON, sig []byte, signingInput string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, nil, "", fmt.Errorf("malformed token: expected 3 parts, got %d", len(parts))
	}
	headerJSON, err = unb64(parts[0])
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("malformed token header: %w", err)
	}
	payloadJSON, err = unb64(parts[1])
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("malformed token payload: %w", err)
	}
	sig, err = unb64(parts[2])
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("malformed token signature: %w", err)
	}
	return headerJSON, payloadJSON, sig, parts[0] + "." + parts[1], nil
}

// EncodeComponentClaims signs claims for a component or provider with the
// account issuer keypair, asserting the subject public key and metadata.
func EncodeComponentClaims(issuer, subject *KeyPair, metadata core.ClaimsMetadata, notBefore, expires *time.Time) (string, *core.Claims, error) {
	subjectKey, err := subject.PublicKey()
	if err != nil {
		return "", nil, err
	}
	issuerKey, err := issuer.PublicKey()
	if err != nil {
		return "", nil, err
	}
	claims := &core.Claims{
		Subject:  subjectKey,
		Issuer:   issuerKey,
		IssuedAt: time.Now().Unix(),
		Metadata: &metadata,
	}
	if notBefore != nil {
		nb := notBefore.Unix()
		claims.NotBefore = &nb
	}
	if expires != nil {
		exp := expires.Unix()
		claims.Expires = &exp
	}
	token, err := encodeToken(issuer, claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// DecodeClaims decodes a compact token into a Claims struct without
// verifying its signature or time bounds. Use ValidateClaims for a
// trust-bearing decode.
func DecodeClaims(token string) (*core.Claims, error) {
	_, payloadJSON, _, _, err := decodeTokenParts(token)
	if err != nil {
		return nil, err
	}
	var claims core.Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
	}
	return &claims, nil
}

// ValidateClaims decodes token, verifies the ed25519-nkey signature against
// the embedded issuer, checks time bounds, and confirms the issuer is among
// acceptedIssuers.
func ValidateClaims(token string, acceptedIssuers []string) (*core.Claims, error) {
	headerJSON, payloadJSON, sig, signingInput, err := decodeTokenParts(token)
	if err != nil {
		return nil, err
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("malformed token header: %w", err)
	}
	if header.Alg != tokenAlg {
		return nil, fmt.Errorf("unsupported token algorithm %q", header.Alg)
	}
	var claims core.Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, fmt.Errorf("malformed token claims: %w", err)
	}

	issuerKP, err := KeyPairFromPublicKey(RoleIssuer, claims.Issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer public key on claims: %w", err)
	}
	if err := issuerKP.Verify([]byte(signingInput), sig); err != nil {
		return nil, fmt.Errorf("claims signature invalid: %w", err)
	}

	now := time.Now().Unix()
	if claims.NotBefore != nil && now < *claims.NotBefore {
		return nil, fmt.Errorf("claims token is not yet valid (not before %d)", *claims.NotBefore)
	}
	if claims.Expires != nil && now > *claims.Expires {
		return nil, fmt.Errorf("claims token has expired (expired at %d)", *claims.Expires)
	}

	if !containsString(acceptedIssuers, claims.Issuer) {
		return nil, fmt.Errorf("issuer %s is not among the accepted issuers", claims.Issuer)
	}
	return &claims, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SignInvocation generates a UUID, computes the invocation hash over the
// wire fields, encodes an invocation claim sealed with the cluster key, and
// returns the fully-populated Invocation. See spec §4.1.
func SignInvocation(cluster, host *KeyPair, origin, target core.Entity, operation string, msg []byte, traceCtx core.TraceContext) (*core.Invocation, error) {
	id := uuid.NewString()
	targetURL := core.TargetURL(target, operation)
	originURL := origin.URL()
	hash := core.InvocationHash(targetURL, originURL, operation, msg)

	clusterKey, err := cluster.PublicKey()
	if err != nil {
		return nil, err
	}
	claims := core.InvocationClaims{
		Subject:        clusterKey,
		Issuer:         clusterKey,
		IssuedAt:       time.Now().Unix(),
		ID:             id,
		TargetURL:      targetURL,
		OriginURL:      originURL,
		InvocationHash: hash,
	}
	encodedClaims, err := encodeToken(cluster, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation claims: %w", err)
	}

	hostKey, err := host.PublicKey()
	if err != nil {
		return nil, err
	}

	if traceCtx == nil {
		traceCtx = core.TraceContext{}
	}

	return &core.Invocation{
		Origin:        origin,
		Target:        target,
		Operation:     operation,
		Msg:           msg,
		ID:            id,
		EncodedClaims: encodedClaims,
		HostID:        hostKey,
		ContentLength: uint64(len(msg)),
		TraceContext:  traceCtx,
	}, nil
}

// ValidateInvocation implements spec §4.1's validate_invocation: it checks
// host_id decodes as a server key, decodes and verifies the sealed claim,
// asserts the claim's target/origin URLs match the outer invocation fields,
// confirms the issuer is trusted, and (unless the body was externalized)
// recomputes the invocation hash. Any failure is a *core.ForgedInvocation.
func ValidateInvocation(inv *core.Invocation, acceptedIssuers []string) error {
	if !IsValidServerKey(inv.HostID) {
		return &core.ForgedInvocation{Reason: fmt.Sprintf("invalid host ID on invocation: %q", inv.HostID)}
	}

	headerJSON, payloadJSON, sig, signingInput, err := decodeTokenParts(inv.EncodedClaims)
	if err != nil {
		return &core.ForgedInvocation{Reason: err.Error()}
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return &core.ForgedInvocation{Reason: "malformed claims header: " + err.Error()}
	}
	var claims core.InvocationClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return &core.ForgedInvocation{Reason: "malformed claims payload: " + err.Error()}
	}

	issuerKP, err := KeyPairFromPublicKey(RoleCluster, claims.Issuer)
	if err != nil {
		return &core.ForgedInvocation{Reason: "invalid issuer on invocation claims: " + err.Error()}
	}
	if err := issuerKP.Verify([]byte(signingInput), sig); err != nil {
		return &core.ForgedInvocation{Reason: "invocation claims signature invalid"}
	}

	if !containsString(acceptedIssuers, claims.Issuer) {
		return &core.ForgedInvocation{Reason: "issuer of this invocation is not among the list of valid issuers"}
	}

	if claims.TargetURL != inv.TargetURL() {
		return &core.ForgedInvocation{Reason: "invocation claims and invocation target URL do not match"}
	}
	if claims.OriginURL != inv.OriginURL() {
		return &core.ForgedInvocation{Reason: "invocation claims and invocation origin URL do not match"}
	}

	// Skip the hash check when the body has been externalized (e.g. via an
	// object store) to avoid re-hashing bytes we never received.
	if len(inv.Msg) != 0 && claims.InvocationHash != inv.Hash() {
		return &core.ForgedInvocation{
			Reason: fmt.Sprintf("invocation hash does not match signed claims hash (%s / %s)", claims.InvocationHash, inv.Hash()),
		}
	}
	return nil
}
