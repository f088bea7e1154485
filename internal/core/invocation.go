package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TraceContext carries W3C trace-context headers alongside an invocation.
type TraceContext map[string]string

// Invocation is a signed, hashed request to invoke one operation on one
// entity. See spec §3 "Invocation".
type Invocation struct {
	Origin         Entity       `json:"origin"`
	Target         Entity       `json:"target"`
	Operation      string       `json:"operation"`
	Msg            []byte       `json:"msg"`
	ID             string       `json:"id"`
	EncodedClaims  string       `json:"encoded_claims"`
	HostID         string       `json:"host_id"`
	ContentLength  uint64       `json:"content_length"`
	TraceContext   TraceContext `json:"traceContext"`
}

// OriginURL is the fully-qualified URL of the invocation's origin entity.
func (i *Invocation) OriginURL() string {
	return i.Origin.URL()
}

// TargetURL is the fully-qualified URL of the invocation's target entity,
// including the operation.
func (i *Invocation) TargetURL() string {
	return TargetURL(i.Target, i.Operation)
}

// Hash computes the invocation hash over the wire fields: SHA256(origin_url
// || target_url || operation || msg), returned hex-uppercase.
func (i *Invocation) Hash() string {
	return InvocationHash(i.TargetURL(), i.OriginURL(), i.Operation, i.Msg)
}

// InvocationHash generates a hash uniquely identifying an invocation from
// its wire fields, in the exact order the original lattice protocol hashes
// them: origin, then target, then operation, then message bytes.
func InvocationHash(targetURL, originURL, operation string, msg []byte) string {
	h := sha256.New()
	h.Write([]byte(originURL))
	h.Write([]byte(targetURL))
	h.Write([]byte(operation))
	h.Write(msg)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// InvocationResponse is the reply to an Invocation. Error is non-empty when
// the callee returned an application error rather than a panic.
type InvocationResponse struct {
	Msg           []byte       `json:"msg"`
	InvocationID  string       `json:"invocation_id"`
	Error         *string      `json:"error,omitempty"`
	ContentLength uint64       `json:"content_length"`
	TraceContext  TraceContext `json:"traceContext"`
}

// BrokerMessage is a raw message on the lattice bus, independent of any
// particular subject's payload schema.
type BrokerMessage struct {
	Subject string  `json:"subject"`
	Body    []byte  `json:"body"`
	ReplyTo *string `json:"reply_to,omitempty"`
}
