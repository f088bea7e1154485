package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

// defaultForwardTimeout bounds a single lattice-forwarding call when the
// caller's context carries no earlier deadline.
const defaultForwardTimeout = 10 * time.Second

// forwardEnvelope is the wire shape a lattice-forwarding capability call
// takes on its outbound wRPC subject, mirroring the provider manager's
// extension call convention (wrpcEnvelope/wrpcReply in internal/provider).
type forwardEnvelope struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type forwardReply struct {
	Ok    json.RawMessage `json:"ok,omitempty"`
	Error *string         `json:"error,omitempty"`
}

// rpcSubject addresses a linked provider's invocation subject: the target's
// public key plus the link name it was bound under, scoped to the lattice.
func rpcSubject(lattice, targetPublicKey, linkName string) string {
	return fmt.Sprintf("wasmbus.rpc.%s.%s.%s", lattice, targetPublicKey, linkName)
}

// forwardingTarget is the link-scoped destination a lattice-forwarding
// capability implementation sends its wRPC calls to.
type forwardingTarget struct {
	client          *rpc.Client
	lattice         string
	targetPublicKey string
	linkName        string
}

func newForwardingTarget(client *rpc.Client, lattice, targetPublicKey, linkName string) forwardingTarget {
	return forwardingTarget{client: client, lattice: lattice, targetPublicKey: targetPublicKey, linkName: linkName}
}

// invoke marshals request, sends it as operation on the target's rpc
// subject, and unmarshals a successful reply into response. An
// application-level error surfaces as an *core.ApplicationError with kind
// Other, never a transport error.
func (t forwardingTarget) invoke(ctx context.Context, operation string, request, response interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return &core.ConfigError{Op: fmt.Sprintf("marshal %s request", operation), Err: err}
	}
	body, err := json.Marshal(forwardEnvelope{Operation: operation, Payload: payload})
	if err != nil {
		return &core.ConfigError{Op: fmt.Sprintf("marshal %s envelope", operation), Err: err}
	}

	subject := rpcSubject(t.lattice, t.targetPublicKey, t.linkName)
	reply, err := t.client.Request(ctx, subject, body, defaultForwardTimeout)
	if err != nil {
		return &core.TransportError{Op: fmt.Sprintf("wrpc call %s on %s", operation, subject), Err: err}
	}

	var fr forwardReply
	if err := json.Unmarshal(reply, &fr); err != nil {
		return &core.ConfigError{Op: fmt.Sprintf("decode %s reply", operation), Err: err}
	}
	if fr.Error != nil {
		return core.NewApplicationError(core.ErrKindOther, "%s", *fr.Error)
	}
	if response == nil || len(fr.Ok) == 0 {
		return nil
	}
	if err := json.Unmarshal(fr.Ok, response); err != nil {
		return &core.ConfigError{Op: fmt.Sprintf("decode %s result", operation), Err: err}
	}
	return nil
}
