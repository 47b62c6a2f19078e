// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

// PortState is the lifetime state of a port.
type PortState int

const (
	// PortStateInit ports destroy themselves once they have had no
	// connections for a while.
	PortStateInit PortState = iota

	// PortStateKeepAliveUntilPruned ports stay alive without connections.
	PortStateKeepAliveUntilPruned

	// PortStatePruned ports are destroyed as soon as they have no
	// connections left.
	PortStatePruned
)

func (s PortState) String() string {
	switch s {
	case PortStateInit:
		return "init"
	case PortStateKeepAliveUntilPruned:
		return "keep-alive-until-pruned"
	case PortStatePruned:
		return "pruned"
	default:
		return unknownStr
	}
}
