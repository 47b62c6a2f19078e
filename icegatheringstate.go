// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

// GatheringState describes the state of the candidate gathering process.
type GatheringState int

const (
	// GatheringStateNew indicates that gathering has not started.
	GatheringStateNew GatheringState = iota + 1

	// GatheringStateGathering indicates that ports are being allocated.
	GatheringStateGathering

	// GatheringStateComplete indicates that the current allocator session
	// finished. Never reached with continual gathering.
	GatheringStateComplete
)

// This is done this way because of a linter.
const (
	gatheringStateNewStr       = "new"
	gatheringStateGatheringStr = "gathering"
	gatheringStateCompleteStr  = "complete"
)

func newGatheringState(raw string) GatheringState {
	switch raw {
	case gatheringStateNewStr:
		return GatheringStateNew
	case gatheringStateGatheringStr:
		return GatheringStateGathering
	case gatheringStateCompleteStr:
		return GatheringStateComplete
	default:
		return GatheringState(Unknown)
	}
}

func (t GatheringState) String() string {
	switch t {
	case GatheringStateNew:
		return gatheringStateNewStr
	case GatheringStateGathering:
		return gatheringStateGatheringStr
	case GatheringStateComplete:
		return gatheringStateCompleteStr
	default:
		return ErrUnknownType.Error()
	}
}
