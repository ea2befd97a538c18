package transport

import "fmt"

// ErrKind enumerates the transport failure classes.
type ErrKind string

const (
	ErrConnectFailed    ErrKind = "connect_failed"
	ErrTimeout          ErrKind = "timeout"
	ErrProtocolMismatch ErrKind = "protocol_mismatch"
	ErrWriteFailed      ErrKind = "write_failed"
	ErrClosed           ErrKind = "closed"
	// ErrCallFailed is a single failed exchange (caller abort, remote
	// rejection) on a channel that is still alive. It never triggers
	// reconnection.
	ErrCallFailed ErrKind = "call_failed"
)

// Error is a transport-level failure. The gateway never sees these raw; the
// connection manager translates them before they cross that boundary.
type Error struct {
	Kind   ErrKind
	Server string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Server, e.Kind)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Server, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the transport error kind from an error chain. The second
// return value reports whether a transport error was present at all.
func KindOf(err error) (ErrKind, bool) {
	var te *Error
	if asTransportError(err, &te) {
		return te.Kind, true
	}
	return "", false
}

func asTransportError(err error, target **Error) bool {
	for err != nil {
		if te, ok := err.(*Error); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
