// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"time"

	"github.com/pion/logging"
)

// Comparison results. Positive means a is better.
const (
	aIsBetter  = 1
	aAndBEqual = 0
	bIsBetter  = -1
)

// SwitchResult is a controller decision about the selected connection.
type SwitchResult struct {
	// Connection to switch to, nil to keep the current one.
	Connection *Connection
	// RecheckEvent asks for the decision to be re-run later.
	RecheckEvent *IceControllerEvent
	// ConnectionsToForgetStateOn are reset with ForgetLearnedState.
	ConnectionsToForgetStateOn []*Connection
}

// PingResult is the connection to ping now, if any, and when to ask
// again.
type PingResult struct {
	Connection   *Connection
	RecheckDelay time.Duration
}

// IceController is the selection policy of a channel. It never performs
// I/O, it only ranks the connections the channel hands it.
type IceController interface {
	SetIceConfig(config IceConfig)
	SetSelectedConnection(conn *Connection)
	AddConnection(conn *Connection)
	OnConnectionDestroyed(conn *Connection)
	Connections() []*Connection

	HasPingableConnection() bool
	SelectConnectionToPing(lastPingSent time.Time) PingResult
	FindNextPingableConnection() *Connection
	MarkConnectionPinged(conn *Connection)
	GetUseCandidateAttr(conn *Connection, mode NominationMode, remoteIceMode IceMode) bool

	ShouldSwitchConnection(reason IceControllerEvent, conn *Connection) SwitchResult
	SortAndSwitchConnection(reason IceControllerEvent) SwitchResult
	PruneConnections() []*Connection
}

// IceControllerConfig gives a controller read access to the channel
// state it ranks by.
type IceControllerConfig struct {
	Now                func() time.Time
	TransportState     func() TransportState
	IceRole            func() IceRole
	IsConnectionPruned func(*Connection) bool
	FieldTrials        FieldTrials
	LoggerFactory      logging.LoggerFactory
}

// IceControllerFactory builds the controller of a new channel.
type IceControllerFactory func(config IceControllerConfig) IceController
