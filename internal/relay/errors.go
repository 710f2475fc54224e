package relay

import "errors"

var (
	ErrNilConn = errors.New("relay: nil packet conn")
	// ErrUnknownTarget is returned by send when no endpoint is on file for the
	// destination identifier.
	ErrUnknownTarget  = errors.New("relay: unknown target")
	ErrEndpointClosed = errors.New("relay: endpoint closed")
	ErrSendQueueFull  = errors.New("relay: endpoint send queue full")
)
