package eventcam

import "errors"

var (
	// ErrInvalidGeometry is returned for resolutions that cannot be packed.
	ErrInvalidGeometry = errors.New("invalid frame geometry")

	// ErrNotConnected is returned by ReceiveFrame before Connect succeeds or
	// after a mid-stream failure.
	ErrNotConnected = errors.New("frame source not connected")

	// ErrConnectionClosed wraps every mid-stream failure: peer close, socket
	// error or a zero-byte read. The source must be reconnected explicitly.
	ErrConnectionClosed = errors.New("frame source connection closed")
)
