package gossip

import "fmt"

// ErrorKind categorizes gossip errors the way the design groups them:
// configuration mistakes, lifecycle misuse, join failures, malformed
// protocol bodies, and transport-level failures. TransportError never
// reaches the caller directly; it is consumed by the detector as an input
// to the failure-detection state machine, not surfaced here.
type ErrorKind string

const (
	ErrConfiguration ErrorKind = "configuration"
	ErrLifecycle     ErrorKind = "lifecycle"
	ErrJoin          ErrorKind = "join"
	ErrProtocol      ErrorKind = "protocol"
	ErrTransport     ErrorKind = "transport"
)

// Error is the single error type the package returns; Kind is the
// category, Op names the failing operation, Code is a short machine-
// readable tag (e.g. "invalid-join.source") and Err, if set, wraps the
// underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gossip: %s: %s (%s): %v", e.Op, e.Code, e.Kind, e.Err)
	}
	return fmt.Sprintf("gossip: %s: %s (%s)", e.Op, e.Code, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op, code string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}
