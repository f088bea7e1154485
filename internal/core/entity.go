package core

import (
	"fmt"
	"strings"
)

// Entity identifies the origin or target of an invocation. A component is
// identified by its public key alone; a provider additionally carries the
// link name and contract (WIT interface) it was linked under.
type Entity struct {
	PublicKey  string `json:"public_key"`
	LinkName   string `json:"link_name"`
	ContractID string `json:"contract_id"`
}

// IsComponent reports whether this entity refers to a component (actor),
// i.e. it carries no link name or contract id.
func (e Entity) IsComponent() bool {
	return e.LinkName == "" || e.ContractID == ""
}

// IsProvider reports whether this entity refers to a capability provider.
func (e Entity) IsProvider() bool {
	return !e.IsComponent()
}

// contractSlug normalizes a contract id into the URL segment used by
// target_url: ':' becomes '/', spaces become '_', and the result is
// lowercased.
func contractSlug(contractID string) string {
	slug := strings.ReplaceAll(contractID, ":", "/")
	slug = strings.ReplaceAll(slug, " ", "_")
	return strings.ToLower(slug)
}

// URL returns the fully-qualified wasmbus:// URL for this entity, without an
// operation suffix.
func (e Entity) URL() string {
	if e.IsComponent() {
		return fmt.Sprintf("wasmbus://%s", e.PublicKey)
	}
	return fmt.Sprintf("wasmbus://%s/%s/%s",
		contractSlug(e.ContractID),
		strings.ToLower(strings.ReplaceAll(e.LinkName, " ", "_")),
		e.PublicKey,
	)
}

// TargetURL returns the entity's URL with the given operation appended.
func TargetURL(e Entity, operation string) string {
	return fmt.Sprintf("%s/%s", e.URL(), operation)
}

func (e Entity) String() string {
	return e.URL()
}
