package core

import "fmt"

// ConfigError indicates malformed or missing input that should fail the
// originating operation without retry and without emitting a lifecycle event.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error during %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PolicyDenied indicates a policy gate rejected a start-component,
// start-provider, or perform-invocation request.
type PolicyDenied struct {
	RequestID string
	Message   string
}

func (e *PolicyDenied) Error() string {
	if e.Message == "" {
		return "policy denied request " + e.RequestID
	}
	return fmt.Sprintf("policy denied request %s: %s", e.RequestID, e.Message)
}

// TransportError wraps a failure talking to the broker, an OCI registry, or
// the KV store. Foreground callers should see it after a single attempt;
// background tasks retry with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ForgedInvocation indicates an invocation failed antiforgery validation:
// bad signature, wrong hash, untrusted issuer, or expired/premature claims.
type ForgedInvocation struct {
	Reason string
}

func (e *ForgedInvocation) Error() string {
	return "forged invocation: " + e.Reason
}

// Busy indicates a permit could not be acquired within the caller's
// deadline. Callers may retry.
type Busy struct {
	ComponentID string
}

func (e *Busy) Error() string {
	return fmt.Sprintf("component %s is busy: no permit available", e.ComponentID)
}

// ApplicationError is a tagged error surfaced from a capability provider or a
// component's own result type. It is never allowed to panic the host.
type ApplicationError struct {
	Kind    string // NotFound, AlreadyExists, PermissionDenied, Transport, Other
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Application error kinds, mirroring the tagged variants WIT capability
// contracts use for cross-boundary errors.
const (
	ErrKindNotFound         = "NotFound"
	ErrKindAlreadyExists    = "AlreadyExists"
	ErrKindPermissionDenied = "PermissionDenied"
	ErrKindTransport        = "Transport"
	ErrKindOther            = "Other"
)

// NewApplicationError builds an application error of the given kind whose
// message is format rendered with args.
func NewApplicationError(kind, format string, args ...interface{}) *ApplicationError {
	return &ApplicationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
