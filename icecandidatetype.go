// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"fmt"

	"github.com/pion/ice/v4"
)

// CandidateType represents the type of an ICE candidate.
type CandidateType int

const (
	// CandidateTypeUnknown is the enum's zero-value.
	CandidateTypeUnknown CandidateType = iota

	// CandidateTypeHost is an address bound on a local interface,
	// https://tools.ietf.org/html/rfc8445#section-5.1.1.1.
	CandidateTypeHost

	// CandidateTypeSrflx is a binding allocated by a NAT towards a STUN
	// server.
	CandidateTypeSrflx

	// CandidateTypePrflx is a binding allocated by a NAT towards the peer,
	// learned from a connectivity check.
	CandidateTypePrflx

	// CandidateTypeRelay is an address allocated on a TURN server.
	CandidateTypeRelay
)

// This is done this way because of a linter.
const (
	candidateTypeHostStr  = "host"
	candidateTypeSrflxStr = "srflx"
	candidateTypePrflxStr = "prflx"
	candidateTypeRelayStr = "relay"
)

// NewCandidateType takes a string and converts it into CandidateType.
func NewCandidateType(raw string) (CandidateType, error) {
	switch raw {
	case candidateTypeHostStr:
		return CandidateTypeHost, nil
	case candidateTypeSrflxStr:
		return CandidateTypeSrflx, nil
	case candidateTypePrflxStr:
		return CandidateTypePrflx, nil
	case candidateTypeRelayStr:
		return CandidateTypeRelay, nil
	default:
		return CandidateTypeUnknown, fmt.Errorf("unknown ICE candidate type: %s", raw)
	}
}

func (t CandidateType) String() string {
	switch t {
	case CandidateTypeHost:
		return candidateTypeHostStr
	case CandidateTypeSrflx:
		return candidateTypeSrflxStr
	case CandidateTypePrflx:
		return candidateTypePrflxStr
	case CandidateTypeRelay:
		return candidateTypeRelayStr
	default:
		return ErrUnknownType.Error()
	}
}

func newCandidateTypeFromICE(i ice.CandidateType) CandidateType {
	switch i {
	case ice.CandidateTypeHost:
		return CandidateTypeHost
	case ice.CandidateTypeServerReflexive:
		return CandidateTypeSrflx
	case ice.CandidateTypePeerReflexive:
		return CandidateTypePrflx
	case ice.CandidateTypeRelay:
		return CandidateTypeRelay
	default:
		return CandidateTypeUnknown
	}
}

// typePreference returns the RFC 5245 type preference for a candidate of
// this type carried over protocol. Relayed candidates are ranked by the
// protocol spoken to the relay.
func (t CandidateType) typePreference(protocol, relayProtocol string) uint32 {
	switch t {
	case CandidateTypeHost:
		if protocol == tcpProtocol {
			return typePreferenceHostTCP
		}

		return typePreferenceHost
	case CandidateTypePrflx:
		if protocol == tcpProtocol {
			return typePreferencePrflxTCP
		}

		return typePreferencePrflx
	case CandidateTypeSrflx:
		return typePreferenceSrflx
	case CandidateTypeRelay:
		switch relayProtocol {
		case tcpProtocol:
			return typePreferenceRelayTCP
		case tlsProtocol:
			return typePreferenceRelayTLS
		default:
			return typePreferenceRelayUDP
		}
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t CandidateType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
