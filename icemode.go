// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

// IceMode tells whether a peer runs full ICE or ICE-lite.
type IceMode int

const (
	// IceModeFull is a peer that sends connectivity checks.
	IceModeFull IceMode = iota

	// IceModeLite is a peer that only answers checks.
	IceModeLite
)

func (m IceMode) String() string {
	switch m {
	case IceModeFull:
		return "full"
	case IceModeLite:
		return "lite"
	default:
		return ErrUnknownType.Error()
	}
}

// NominationMode decides when the controlling side sets USE-CANDIDATE.
type NominationMode int

const (
	// NominationModeUnknown selects the default, semi-aggressive.
	NominationModeUnknown NominationMode = iota

	// NominationModeRegular never sets USE-CANDIDATE from the controller.
	NominationModeRegular

	// NominationModeAggressive nominates every pair it checks.
	NominationModeAggressive

	// NominationModeSemiAggressive nominates the selected pair and any
	// pair that would beat it.
	NominationModeSemiAggressive
)

func (m NominationMode) String() string {
	switch m {
	case NominationModeRegular:
		return "regular"
	case NominationModeAggressive:
		return "aggressive"
	case NominationModeSemiAggressive:
		return "semi-aggressive"
	default:
		return ErrUnknownType.Error()
	}
}

// GatheringPolicy controls whether gathering stops after the first pass.
type GatheringPolicy int

const (
	// GatherOnce completes gathering when the allocator session is done.
	GatherOnce GatheringPolicy = iota

	// GatherContinually keeps the newest session open for network changes.
	GatherContinually
)

func (p GatheringPolicy) String() string {
	switch p {
	case GatherOnce:
		return "once"
	case GatherContinually:
		return "continually"
	default:
		return ErrUnknownType.Error()
	}
}
