// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

// IceRole describes which side of the session picks the final candidate
// pair.
type IceRole int

const (
	// IceRoleUnknown is the enum's zero-value.
	IceRoleUnknown IceRole = iota

	// IceRoleControlling is the agent that nominates the pair to use. In
	// any session exactly one agent is controlling.
	IceRoleControlling

	// IceRoleControlled is the agent that waits for the controlling side
	// to nominate.
	IceRoleControlled
)

// This is done this way because of a linter.
const (
	iceRoleControllingStr = "controlling"
	iceRoleControlledStr  = "controlled"
)

func newIceRole(raw string) IceRole {
	switch raw {
	case iceRoleControllingStr:
		return IceRoleControlling
	case iceRoleControlledStr:
		return IceRoleControlled
	default:
		return IceRoleUnknown
	}
}

func (r IceRole) String() string {
	switch r {
	case IceRoleControlling:
		return iceRoleControllingStr
	case IceRoleControlled:
		return iceRoleControlledStr
	default:
		return unknownStr
	}
}

// Reverse returns the opposite role, used when resolving a role conflict.
func (r IceRole) Reverse() IceRole {
	switch r {
	case IceRoleControlling:
		return IceRoleControlled
	case IceRoleControlled:
		return IceRoleControlling
	default:
		return IceRoleUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r IceRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *IceRole) UnmarshalText(text []byte) error {
	*r = newIceRole(string(text))

	return nil
}
