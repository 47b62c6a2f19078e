// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"errors"
	"fmt"
)

// Types of InvalidStateErrors
var (
	// ErrChannelClosed is returned by every channel method after Close.
	ErrChannelClosed = errors.New("transport channel closed")

	// ErrNotReadyToSend means there is no selected connection that can
	// carry payload yet.
	ErrNotReadyToSend = errors.New("no connection ready to send")

	// ErrTiebreakerWithPorts means the tiebreaker was changed after ports
	// were gathered with the old one.
	ErrTiebreakerWithPorts = errors.New("ICE tiebreaker cannot change once ports exist")

	// ErrPortClosed is returned when sending through a destroyed port.
	ErrPortClosed = errors.New("port closed")
)

// InvalidStateError indicates the object is in an invalid state.
type InvalidStateError struct {
	Err error
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state error: %v", e.Err)
}

func (e *InvalidStateError) Unwrap() error {
	return e.Err
}

// Types of InvalidAccessErrors
var (
	// ErrInvalidIceConfig wraps every IceConfig validation failure.
	ErrInvalidIceConfig = errors.New("invalid ICE config")

	// ErrInvalidFieldTrial is returned for field trial values that cannot
	// be coerced to the knob's type.
	ErrInvalidFieldTrial = errors.New("invalid field trial value")

	// ErrNoPortAllocator means a channel was created without an allocator.
	ErrNoPortAllocator = errors.New("no port allocator provided")

	// ErrUnsupportedProtocol is returned for candidates whose transport
	// protocol no port can carry.
	ErrUnsupportedProtocol = errors.New("unsupported candidate protocol")

	// ErrCandidateNoAddress means a candidate has neither an IP nor a
	// hostname.
	ErrCandidateNoAddress = errors.New("candidate has no address")
)

// InvalidAccessError indicates the object was used with bad input.
type InvalidAccessError struct {
	Err error
}

func (e *InvalidAccessError) Error() string {
	return fmt.Sprintf("invalid access error: %v", e.Err)
}

func (e *InvalidAccessError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnknownType indicates an error with Unknown info.
	ErrUnknownType = errors.New("unknown")

	// ErrNoNetworkAddress means a port was requested on a network
	// without an IP.
	ErrNoNetworkAddress = errors.New("network has no address")

	// ErrPortRange means no port in the configured range could be bound.
	ErrPortRange = errors.New("no free port in range")

	// ErrNoUsableNetworks is returned when no interface address passed
	// the allocator filters.
	ErrNoUsableNetworks = errors.New("no usable networks")

	errPortNoCandidates = errors.New("port has no local candidates")
	errNoStunUsername   = errors.New("STUN message without USERNAME")
	errBadStunUsername  = errors.New("STUN USERNAME is not ufrag:ufrag")
)
