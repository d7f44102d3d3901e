// File: wserr/errors.go
// Package wserr defines the tagged error taxonomy shared by the reactor,
// connection state machine, and codecs.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wserr

// Code tags the outcome of a core operation. The reactor inspects only the
// success/failure bit of a Code; application code sees the Code returned by
// Connection.Send/SendBinary/Close, and other failures through the OnError
// and OnClose callbacks.
type Code uint8

const (
	Ok Code = iota
	BufferFull
	BufferEmpty
	HandshakeFailed
	FrameParseError
	ConnectionClosed
	InvalidState
	SocketError
	Timeout
	MaxConnectionsExceeded
	RateLimited
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "ok"
	case BufferFull:
		return "buffer_full"
	case BufferEmpty:
		return "buffer_empty"
	case HandshakeFailed:
		return "handshake_failed"
	case FrameParseError:
		return "frame_parse_error"
	case ConnectionClosed:
		return "connection_closed"
	case InvalidState:
		return "invalid_state"
	case SocketError:
		return "socket_error"
	case Timeout:
		return "timeout"
	case MaxConnectionsExceeded:
		return "max_connections_exceeded"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error wraps a Code with an optional message for logging and get_last_error
// style diagnostics. It satisfies the error interface so call sites may
// return it directly, but the reactor only ever branches on Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// New constructs an *Error for the given code with a message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
