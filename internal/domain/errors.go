package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. Callers branch on these with
// errors.Is rather than matching message strings.
var (
	// ErrNotConnected is returned when an operation needs an open socket
	// and there is none.
	ErrNotConnected = fmt.Errorf("not connected to gateway")

	// ErrClosed is returned when the client has been explicitly shut down.
	// Closed is terminal: no reconnection is attempted afterwards.
	ErrClosed = fmt.Errorf("client closed")

	// ErrHandshakeFailed covers bad credentials, version mismatch and
	// malformed or missing connect responses.
	ErrHandshakeFailed = fmt.Errorf("gateway handshake failed")

	// ErrTimeout is returned when no matching completion arrived within
	// the caller's bound. Distinct from transport failure.
	ErrTimeout = fmt.Errorf("operation timed out")

	// ErrConnectionClosed is raised into every pending waiter when the
	// socket drops or the client is shut down.
	ErrConnectionClosed = fmt.Errorf("connection closed")

	// ErrProtocolError marks a malformed frame or undecodable payload.
	// The offending frame is dropped; the connection survives.
	ErrProtocolError = fmt.Errorf("protocol error")

	// ErrAborted is returned when the server aborts a chat exchange.
	ErrAborted = fmt.Errorf("request aborted")

	// ErrConfigLoad wraps configuration loading failures.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
)

// RemoteError carries a failure message reported by the gateway itself,
// either as ok:false on a response frame or as a chat "error" state.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "gateway: " + e.Message
}

// NewRemoteError builds a RemoteError, substituting a default message when
// the server supplied none.
func NewRemoteError(message string) *RemoteError {
	if message == "" {
		message = "unknown error"
	}
	return &RemoteError{Message: message}
}

// IsRemote reports whether err originated from the gateway rather than
// locally, and returns the server's message if so.
func IsRemote(err error) (string, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Message, true
	}
	return "", false
}

// GatewayError wraps a sentinel error with operation context.
type GatewayError struct {
	Op     string // operation name (e.g. "client.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError creates a new GatewayError.
func NewGatewayError(op string, err error, detail string) *GatewayError {
	return &GatewayError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
