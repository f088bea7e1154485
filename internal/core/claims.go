package core

// ClaimsMetadata carries the declared identity of a signed component or
// provider: name, version, revision, declared capabilities/interfaces, and
// an optional call alias.
type ClaimsMetadata struct {
	Name         string   `json:"name"`
	Version      string   `json:"ver"`
	Revision     int64    `json:"rev"`
	Tags         []string `json:"tags,omitempty"`
	CallAlias    *string  `json:"call_alias,omitempty"`
	Interfaces   []string `json:"interfaces,omitempty"`
}

// Claims is a signed token asserting subject identity, issuer, time bounds,
// and metadata. Used for both component and provider claims; InvocationClaims
// below covers the narrower per-invocation claim shape.
type Claims struct {
	Subject   string          `json:"sub"`
	Issuer    string          `json:"iss"`
	IssuedAt  int64           `json:"iat"`
	NotBefore *int64          `json:"nbf,omitempty"`
	Expires   *int64          `json:"exp,omitempty"`
	Metadata  *ClaimsMetadata `json:"metadata,omitempty"`
}

// PolicyClaims is the reduced view of Claims sent to the policy gate,
// matching crates/host/src/policy.rs's PolicyClaims.
type PolicyClaims struct {
	PublicKey string `json:"publicKey"`
	Issuer    string `json:"issuer"`
	IssuedAt  string `json:"issuedAt"`
	ExpiresAt *int64 `json:"expiresAt,omitempty"`
	Expired   bool   `json:"expired"`
}

// InvocationClaims is the metadata embedded in an invocation's signed
// token: the target/origin URL pair and the hash binding them to the
// invocation's actual wire fields.
type InvocationClaims struct {
	Subject         string `json:"sub"`
	Issuer          string `json:"iss"`
	IssuedAt        int64  `json:"iat"`
	ID              string `json:"jti"`
	TargetURL       string `json:"target_url"`
	OriginURL       string `json:"origin_url"`
	InvocationHash  string `json:"invocation_hash"`
}
