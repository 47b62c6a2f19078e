// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

// CandidatePairState is the RFC 8445 check state of a candidate pair.
type CandidatePairState int

const (
	// CandidatePairStateWaiting means no check was sent yet.
	CandidatePairStateWaiting CandidatePairState = iota

	// CandidatePairStateInProgress means a check is in flight.
	CandidatePairStateInProgress

	// CandidatePairStateSucceeded means a check got a valid response.
	CandidatePairStateSucceeded

	// CandidatePairStateFailed means the peer rejected the pair.
	CandidatePairStateFailed
)

const (
	candidatePairStateWaitingStr    = "waiting"
	candidatePairStateInProgressStr = "in-progress"
	candidatePairStateSucceededStr  = "succeeded"
	candidatePairStateFailedStr     = "failed"
)

func (s CandidatePairState) String() string {
	switch s {
	case CandidatePairStateWaiting:
		return candidatePairStateWaitingStr
	case CandidatePairStateInProgress:
		return candidatePairStateInProgressStr
	case CandidatePairStateSucceeded:
		return candidatePairStateSucceededStr
	case CandidatePairStateFailed:
		return candidatePairStateFailedStr
	default:
		return ErrUnknownType.Error()
	}
}
