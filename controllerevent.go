// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"fmt"
	"time"
)

// IceSwitchReason is why the channel asked the controller to reconsider
// the selected connection.
type IceSwitchReason int

const (
	// IceSwitchReasonUnknown is the zero value.
	IceSwitchReasonUnknown IceSwitchReason = iota

	// IceSwitchReasonRemoteCandidateGenerationChange follows a remote
	// candidate of a newer generation.
	IceSwitchReasonRemoteCandidateGenerationChange

	// IceSwitchReasonNetworkPreferenceChange follows an IceConfig update.
	IceSwitchReasonNetworkPreferenceChange

	// IceSwitchReasonNewConnectionFromLocalCandidate follows a new port.
	IceSwitchReasonNewConnectionFromLocalCandidate

	// IceSwitchReasonNewConnectionFromRemoteCandidate follows a signaled
	// remote candidate.
	IceSwitchReasonNewConnectionFromRemoteCandidate

	// IceSwitchReasonNewConnectionFromUnknownRemoteAddress follows a
	// check from an address no connection existed for.
	IceSwitchReasonNewConnectionFromUnknownRemoteAddress

	// IceSwitchReasonNominationOnControlledSide follows a nomination.
	IceSwitchReasonNominationOnControlledSide

	// IceSwitchReasonDataReceived follows payload on a non-selected pair.
	IceSwitchReasonDataReceived

	// IceSwitchReasonConnectStateChange follows a connection state change.
	IceSwitchReasonConnectStateChange

	// IceSwitchReasonSelectedConnectionDestroyed follows the loss of the
	// selected pair.
	IceSwitchReasonSelectedConnectionDestroyed

	// IceSwitchReasonIceControllerRecheck is a delayed re-evaluation the
	// controller asked for.
	IceSwitchReasonIceControllerRecheck
)

func (r IceSwitchReason) String() string {
	switch r {
	case IceSwitchReasonRemoteCandidateGenerationChange:
		return "remote candidate generation maybe changed"
	case IceSwitchReasonNetworkPreferenceChange:
		return "network preference changed"
	case IceSwitchReasonNewConnectionFromLocalCandidate:
		return "new candidate pairs created from a new local candidate"
	case IceSwitchReasonNewConnectionFromRemoteCandidate:
		return "new candidate pairs created from a new remote candidate"
	case IceSwitchReasonNewConnectionFromUnknownRemoteAddress:
		return "a new candidate pair created from an unknown remote address"
	case IceSwitchReasonNominationOnControlledSide:
		return "nomination on the controlled side"
	case IceSwitchReasonDataReceived:
		return "data received"
	case IceSwitchReasonConnectStateChange:
		return "candidate pair state changed"
	case IceSwitchReasonSelectedConnectionDestroyed:
		return "selected candidate pair destroyed"
	case IceSwitchReasonIceControllerRecheck:
		return "ice-controller-request-recheck"
	default:
		return ErrUnknownType.Error()
	}
}

// IceControllerEvent carries a switch reason and, for rechecks, the delay
// after which the channel re-runs the decision.
type IceControllerEvent struct {
	Reason       IceSwitchReason
	RecheckDelay time.Duration
}

func (e IceControllerEvent) String() string {
	if e.RecheckDelay > 0 {
		return fmt.Sprintf("%s (after delay: %v)", e.Reason, e.RecheckDelay)
	}

	return e.Reason.String()
}
