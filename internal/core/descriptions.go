package core

// ComponentDescription is the logical, host-independent record for a
// scaled component: operator-chosen id, image reference, optional signed
// claims, desired concurrency, and the config bundle it resolves against.
type ComponentDescription struct {
	ComponentID   string            `json:"component_id"`
	ImageRef      string            `json:"image_ref"`
	Claims        *Claims           `json:"claims,omitempty"`
	MaxInstances  uint32            `json:"max_instances"`
	Revision      int64             `json:"revision"`
	Annotations   map[string]string `json:"annotations"`
	ConfigNames   []string          `json:"config"`
}

// ProviderDescription is the logical record for a spawned provider.
type ProviderDescription struct {
	ProviderID  string            `json:"provider_id"`
	ImageRef    string            `json:"image_ref"`
	Claims      *Claims           `json:"claims,omitempty"`
	Annotations map[string]string `json:"annotations"`
	Imports     []string          `json:"imports"`
	Exports     []string          `json:"exports"`
}

// HostInfo describes the host making a policy or event request.
type HostInfo struct {
	PublicKey string            `json:"public_key"`
	Lattice   string            `json:"lattice"`
	Labels    map[string]string `json:"labels"`
}
