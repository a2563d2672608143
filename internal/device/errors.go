package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned by Publish while the telemetry session is down.
	ErrNotOpen = errors.New("device: session not open")
	// ErrNetworkDown is returned by Session.Open before the network is joined.
	ErrNetworkDown = errors.New("device: network not joined")
	// ErrFatal marks errors the node cannot recover from without a restart.
	ErrFatal = errors.New("device: fatal")
	// ErrSuspendReturned means the wake controller failed to suspend the node.
	ErrSuspendReturned = fmt.Errorf("%w: suspend returned", ErrFatal)
)
