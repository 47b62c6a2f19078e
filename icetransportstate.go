// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import "github.com/pion/ice/v4"

// TransportState is the aggregate state the channel derives from its
// connection set.
type TransportState int

const (
	// TransportStateInit means no connection ever existed.
	TransportStateInit TransportState = iota

	// TransportStateConnecting means some network still has more than one
	// active connection.
	TransportStateConnecting

	// TransportStateCompleted means every network has at most one active
	// connection.
	TransportStateCompleted

	// TransportStateFailed means connections existed but none is active.
	TransportStateFailed
)

const (
	transportStateInitStr       = "init"
	transportStateConnectingStr = "connecting"
	transportStateCompletedStr  = "completed"
	transportStateFailedStr     = "failed"
)

func (s TransportState) String() string {
	switch s {
	case TransportStateInit:
		return transportStateInitStr
	case TransportStateConnecting:
		return transportStateConnectingStr
	case TransportStateCompleted:
		return transportStateCompletedStr
	case TransportStateFailed:
		return transportStateFailedStr
	default:
		return ErrUnknownType.Error()
	}
}

// IceTransportState represents the standardized state of the ICE
// transport.
type IceTransportState int

const (
	// IceTransportStateUnknown is the enum's zero-value
	IceTransportStateUnknown IceTransportState = iota

	// IceTransportStateNew indicates the transport is waiting for
	// candidates.
	IceTransportStateNew

	// IceTransportStateChecking indicates a candidate pair was formed
	// and nothing is writable yet.
	IceTransportStateChecking

	// IceTransportStateConnected indicates a usable pair was found but
	// other pairs are still being checked.
	IceTransportStateConnected

	// IceTransportStateCompleted indicates gathering finished and only
	// the selected pair remains per network.
	IceTransportStateCompleted

	// IceTransportStateFailed indicates all candidate pairs failed.
	IceTransportStateFailed

	// IceTransportStateDisconnected indicates the transport was writable
	// and lost it.
	IceTransportStateDisconnected

	// IceTransportStateClosed indicates the transport has shut down
	// and is no longer responding to STUN requests.
	IceTransportStateClosed
)

const (
	iceTransportStateNewStr          = "new"
	iceTransportStateCheckingStr     = "checking"
	iceTransportStateConnectedStr    = "connected"
	iceTransportStateCompletedStr    = "completed"
	iceTransportStateFailedStr       = "failed"
	iceTransportStateDisconnectedStr = "disconnected"
	iceTransportStateClosedStr       = "closed"
)

func newIceTransportState(raw string) IceTransportState {
	switch raw {
	case iceTransportStateNewStr:
		return IceTransportStateNew
	case iceTransportStateCheckingStr:
		return IceTransportStateChecking
	case iceTransportStateConnectedStr:
		return IceTransportStateConnected
	case iceTransportStateCompletedStr:
		return IceTransportStateCompleted
	case iceTransportStateFailedStr:
		return IceTransportStateFailed
	case iceTransportStateDisconnectedStr:
		return IceTransportStateDisconnected
	case iceTransportStateClosedStr:
		return IceTransportStateClosed
	default:
		return IceTransportStateUnknown
	}
}

func (c IceTransportState) String() string {
	switch c {
	case IceTransportStateNew:
		return iceTransportStateNewStr
	case IceTransportStateChecking:
		return iceTransportStateCheckingStr
	case IceTransportStateConnected:
		return iceTransportStateConnectedStr
	case IceTransportStateCompleted:
		return iceTransportStateCompletedStr
	case IceTransportStateFailed:
		return iceTransportStateFailedStr
	case IceTransportStateDisconnected:
		return iceTransportStateDisconnectedStr
	case IceTransportStateClosed:
		return iceTransportStateClosedStr
	default:
		return ErrUnknownType.Error()
	}
}

// ToICE maps the state onto the pion/ice agent connection state, for
// callers that already consume that enum.
func (c IceTransportState) ToICE() ice.ConnectionState {
	switch c {
	case IceTransportStateNew:
		return ice.ConnectionStateNew
	case IceTransportStateChecking:
		return ice.ConnectionStateChecking
	case IceTransportStateConnected:
		return ice.ConnectionStateConnected
	case IceTransportStateCompleted:
		return ice.ConnectionStateCompleted
	case IceTransportStateFailed:
		return ice.ConnectionStateFailed
	case IceTransportStateDisconnected:
		return ice.ConnectionStateDisconnected
	case IceTransportStateClosed:
		return ice.ConnectionStateClosed
	default:
		return ice.ConnectionStateUnknown
	}
}

// MarshalText implements encoding.TextMarshaler
func (c IceTransportState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *IceTransportState) UnmarshalText(b []byte) error {
	*c = newIceTransportState(string(b))

	return nil
}
