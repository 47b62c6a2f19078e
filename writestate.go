// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

// WriteState is the writability of a candidate pair. Lower values are
// better, the controller sorts on the numeric order.
type WriteState int

const (
	// WriteStateWritable means a verified ping response arrived recently.
	WriteStateWritable WriteState = iota

	// WriteStateUnreliable means several recent pings went unanswered.
	WriteStateUnreliable

	// WriteStateInit is the state of a new pair that has not been
	// confirmed yet.
	WriteStateInit

	// WriteStateTimeout means no response arrived for too long. The pair
	// no longer pings.
	WriteStateTimeout
)

const (
	writeStateWritableStr   = "writable"
	writeStateUnreliableStr = "unreliable"
	writeStateInitStr       = "init"
	writeStateTimeoutStr    = "timeout"
)

func (s WriteState) String() string {
	switch s {
	case WriteStateWritable:
		return writeStateWritableStr
	case WriteStateUnreliable:
		return writeStateUnreliableStr
	case WriteStateInit:
		return writeStateInitStr
	case WriteStateTimeout:
		return writeStateTimeoutStr
	default:
		return ErrUnknownType.Error()
	}
}
