package plc

import "errors"

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("client config is nil")

	// ErrConnClosed indicates that the connection closed while an exchange was in
	// flight; every pending request is resolved with this error on disconnect.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotConnected indicates that a send was attempted while the client is not
	// in the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrReplyTimeout indicates that no matching ACK arrived within the per-call
	// reply timeout.
	ErrReplyTimeout = errors.New("reply timeout")

	// ErrSendQueueFull indicates that the sender queue did not accept the frame
	// within the write timeout.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrShutdown indicates that the client has been closed.
	ErrShutdown = errors.New("client shut down")

	// ErrInvalidTransition is returned when an attempt is made to transition the
	// connection state to an invalid state.
	ErrInvalidTransition = errors.New("invalid state transition")
)
