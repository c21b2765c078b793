package protocol

import "errors"

var (
	// ErrFraming marks one frame that could not be decoded. Recovered locally.
	ErrFraming = errors.New("protocol: framing error")
	// ErrProtocolViolation marks an unexpected message kind. Tolerated.
	ErrProtocolViolation = errors.New("protocol: protocol violation")
	// ErrTransport marks a closed stream or failed read/write. Fatal.
	ErrTransport = errors.New("protocol: transport error")
	// ErrTimeout marks an expired deadline. Fatal.
	ErrTimeout = errors.New("protocol: timeout")

	ErrUnknownKind       = errors.New("protocol: unknown message kind")
	ErrMissingField      = errors.New("protocol: missing required field")
	ErrUnexpectedPayload = errors.New("protocol: payload does not match kind")
)
