// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import "time"

const (
	// Unknown defines default public constant to use for "enum" like struct
	// comparisons when no value was defined.
	Unknown    = iota
	unknownStr = "unknown"

	// Equal to UDP MTU
	receiveMTU = 1460
)

// Connection liveness defaults.
const (
	defaultUnwritableTimeout   = 5 * time.Second
	defaultUnwritableMinChecks = 5
	defaultInactiveTimeout     = 15 * time.Second
	defaultReceivingTimeout    = 2500 * time.Millisecond

	minConnectionLifetime        = 10 * time.Second
	deadConnectionReceiveTimeout = 30 * time.Second
	connectionResponseTimeout    = 60 * time.Second

	defaultRTT   = 3000 * time.Millisecond
	minimumRTT   = 100 * time.Millisecond
	maximumRTT   = 60 * time.Second
	rttRatio     = 3
	extraPingGap = 100 * time.Millisecond
)

// Port lifetime.
const (
	stunTotalTimeout = 39750 * time.Millisecond
	portTimeoutDelay = stunTotalTimeout + 5*time.Second
)

// Ping pacing and switching defaults.
const (
	weakPingInterval                          = 48 * time.Millisecond
	strongPingInterval                        = 480 * time.Millisecond
	weakOrStabilizingWritablePingInterval     = 900 * time.Millisecond
	stableWritableConnectionPingInterval      = 2500 * time.Millisecond
	backupConnectionPingInterval              = 25 * time.Second
	minPingsAtWeakPingInterval                = 3
	defaultReceivingSwitchingDelay            = time.Second
	minCheckReceivingInterval                 = 50 * time.Millisecond
	minRTTImprovement                         = 10 * time.Millisecond
	defaultDeadConnectionTimeout              = 30 * time.Second
	defaultRTTEstimateHalfTime                = 500 * time.Millisecond
	defaultComponent                          = 1
	tcpProtocol                               = "tcp"
	udpProtocol                               = "udp"
	tlsProtocol                               = "tls"
	ufragCredentialSeparator                  = ":"
	prflxCandidateIDLength                    = 8
)

// Type preferences of RFC 5245 4.1.2.2, ordered from most to least
// preferred.
const (
	typePreferenceHost     uint32 = 126
	typePreferencePrflx    uint32 = 110
	typePreferenceSrflx    uint32 = 100
	typePreferenceHostTCP  uint32 = 90
	typePreferencePrflxTCP uint32 = 80
	typePreferenceRelayUDP uint32 = 2
	typePreferenceRelayTCP uint32 = 1
	typePreferenceRelayTLS uint32 = 0
)
