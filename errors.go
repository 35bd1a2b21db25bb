// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned for every operation pending on a
	// socket when its transport closes. All in-flight calls on the socket
	// resolve with it.
	ErrConnectionClosed = errors.New("bus: connection closed")

	// ErrProtocol indicates a malformed header (bad magic, impossible
	// fields). The offending connection is terminated.
	ErrProtocol = errors.New("bus: protocol error")

	// ErrDecode indicates a payload that does not match its declared
	// signature. Local, surfaced to the caller; the connection stays up.
	ErrDecode = errors.New("bus: decode error")

	// ErrServiceNotFound is returned when the directory has no visible
	// entry for the requested name.
	ErrServiceNotFound = errors.New("bus: service not found")

	// ErrServiceUnavailable is returned when the socket toward a resolved
	// service fails.
	ErrServiceUnavailable = errors.New("bus: service unavailable")

	// ErrTimeout is returned when a call's deadline expires before the
	// reply arrives. The late reply, if any, is logged and dropped.
	ErrTimeout = errors.New("bus: call timed out")

	// ErrCancelled is returned when a pending call is cancelled locally.
	ErrCancelled = errors.New("bus: call cancelled")

	// ErrAlreadyRegistered is returned by the directory on a service name
	// collision.
	ErrAlreadyRegistered = errors.New("bus: service already registered")
)

// RemoteError is an error reported by the peer in a Type_Error reply. Its
// payload is the peer's UTF-8 description.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bus: remote error: %s", e.Message)
}
