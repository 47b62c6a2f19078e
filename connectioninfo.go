// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"time"
)

// ConnectionInfo is a snapshot of one candidate pair for stats
// reporting.
type ConnectionInfo struct {
	ID     uint64
	Local  Candidate
	Remote Candidate

	Writable  bool
	Receiving bool
	// Timeout is set when the pair gave up on writability.
	Timeout   bool
	New       bool
	Selected  bool
	Nominated bool

	State    CandidatePairState
	Priority uint64

	RTT                  time.Duration
	TotalRoundTripTime   time.Duration
	CurrentRoundTripTime time.Duration

	SentTotalBytes       uint64
	SentTotalPackets     uint64
	SentDiscardedBytes   uint64
	SentDiscardedPackets uint64
	RecvTotalBytes       uint64
	PacketsReceived      uint64

	SentPingRequestsTotal               uint64
	SentPingRequestsBeforeFirstResponse uint64
	SentPingResponses                   uint64
	RecvPingRequests                    uint64
	RecvPingResponses                   uint64

	// LastDataReceived is zero if no payload arrived yet.
	LastDataReceived time.Time
}

// TransportChannelStats is the stats snapshot of a channel.
type TransportChannelStats struct {
	Connections         []ConnectionInfo
	LocalCandidates     []Candidate
	SelectedPairChanges int
	IceRole             IceRole
	IceTransportState   IceTransportState
	State               TransportState
}
