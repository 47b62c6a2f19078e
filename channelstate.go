// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import "slices"

// Per packet overhead of the routes a pair can take.
const (
	ipv4HeaderSize      = 20
	ipv6HeaderSize      = 40
	udpHeaderSize       = 8
	turnChannelDataSize = 4
)

// isConnectionPruned reports whether conn only survives from an older
// generation or a no longer signaled remote candidate.
func (c *Channel) isConnectionPruned(conn *Connection) bool {
	remote := conn.Remote()

	return !slices.Contains(c.ports, conn.Port()) ||
		!slices.ContainsFunc(c.remoteCandidates, func(r Candidate) bool {
			return r.Address == remote.Address && r.Protocol == remote.Protocol && r.Component == remote.Component
		})
}

func (c *Channel) readyToSend(conn *Connection) bool {
	return conn != nil &&
		(conn.Writable() || conn.WriteState() == WriteStateUnreliable || c.presumedWritable(conn))
}

func (c *Channel) presumedWritable(conn *Connection) bool {
	remote := conn.Remote().Type

	return conn.WriteState() == WriteStateInit &&
		c.config.PresumeWritableWhenFullyRelayed &&
		conn.Local().Type == CandidateTypeRelay &&
		(remote == CandidateTypeRelay || remote == CandidateTypePrflx)
}

// requestSortAndStateUpdate coalesces sort requests into one task.
func (c *Channel) requestSortAndStateUpdate(reason IceSwitchReason) {
	if c.sortDirty {
		return
	}

	c.sortDirty = true
	c.sched.Post(func() {
		if c.closed.Load() {
			return
		}
		c.sortConnectionsAndUpdateState(reason)
	})
}

func (c *Channel) sortConnectionsAndUpdateState(reason IceSwitchReason) {
	c.updateConnectionStates()
	c.sortDirty = false

	c.maybeSwitchSelectedConnection(reason, c.controller.SortAndSwitchConnection(IceControllerEvent{Reason: reason}))

	// The controlled side keeps every pair until the controlling side
	// picked one.
	if c.role == IceRoleControlling || (c.selected != nil && c.selected.Nominated()) {
		for _, conn := range c.controller.PruneConnections() {
			conn.Prune()
		}
	}

	conns := c.controller.Connections()
	if len(conns) != 0 && !slices.ContainsFunc(conns, (*Connection).Active) {
		c.handleAllTimedOut()
	}

	c.updateTransportState()
	c.maybeStartPinging()
}

func (c *Channel) updateConnectionStates() {
	now := c.sched.Now()
	for _, conn := range c.controller.Connections() {
		conn.UpdateState(now)
	}
}

func (c *Channel) maybeSwitchSelectedConnectionTo(conn *Connection, reason IceSwitchReason) bool {
	return c.maybeSwitchSelectedConnection(reason,
		c.controller.ShouldSwitchConnection(IceControllerEvent{Reason: reason}, conn))
}

// maybeSwitchSelectedConnection applies a controller decision and
// reports whether the selected connection changed.
func (c *Channel) maybeSwitchSelectedConnection(reason IceSwitchReason, result SwitchResult) bool {
	if result.Connection != nil {
		c.switchSelectedConnection(result.Connection, reason)
	}

	if event := result.RecheckEvent; event != nil {
		c.log.Tracef("Rechecking %s", event)
		c.sched.AfterFunc(event.RecheckDelay, func() {
			if c.closed.Load() {
				return
			}
			c.sortConnectionsAndUpdateState(event.Reason)
		})
	}

	for _, conn := range result.ConnectionsToForgetStateOn {
		conn.ForgetLearnedState()
	}

	return result.Connection != nil
}

func (c *Channel) switchSelectedConnection(conn *Connection, reason IceSwitchReason) {
	old := c.selected
	if old != nil {
		old.setSelected(false)
	}
	c.selected = conn
	c.controller.SetSelectedConnection(conn)

	if conn == nil {
		c.log.Infof("No selected connection (%s)", reason)
		c.networkRoute = nil
	} else {
		c.nomination++
		conn.setSelected(true)
		if old != nil {
			c.log.Infof("Switched selected connection from %v to %v (%s)", old, conn, reason)
		} else {
			c.log.Infof("Selected connection %v (%s)", conn, reason)
		}

		notify(c, c.onRouteChange, conn.Remote())
		if c.readyToSend(conn) {
			c.signalReadyToSend()
		}

		c.networkRoute = c.buildNetworkRoute(conn)

		if c.role == IceRoleControlling &&
			((old != nil && c.trials.SendPingOnSwitchIceControlling) ||
				(old == nil && c.trials.SendPingOnSelectedIceControlling)) {
			c.pingConnection(conn)
			c.controller.MarkConnectionPinged(conn)
		}
	}

	var route *NetworkRoute
	if c.networkRoute != nil {
		copied := *c.networkRoute
		route = &copied
	}
	notify(c, c.onNetworkRouteChanged, route)

	if conn != nil {
		event := CandidatePairChangeEvent{
			Reason:           reason.String(),
			SelectedPair:     CandidatePair{Local: conn.Local(), Remote: conn.Remote()},
			LastDataReceived: conn.LastDataReceived(),
		}
		if old != nil {
			lastHeard := old.LastReceived()
			if data := old.LastDataReceived(); data.After(lastHeard) {
				lastHeard = data
			}
			event.EstimatedDisconnectedTime = max(c.sched.Now().Sub(lastHeard), 0)
		}
		notify(c, c.onCandidatePairChanged, event)
	}

	c.selectedPairChanges++
}

func (c *Channel) buildNetworkRoute(conn *Connection) *NetworkRoute {
	local, remote := conn.Local(), conn.Remote()

	route := &NetworkRoute{
		Connected: c.readyToSend(conn),
		Local: RouteEndpoint{
			NetworkID: local.NetworkID,
			Relay:     local.Type == CandidateTypeRelay,
		},
		Remote: RouteEndpoint{
			NetworkID: remote.NetworkID,
			Relay:     remote.Type == CandidateTypeRelay,
		},
		PacketOverhead: udpHeaderSize,
	}
	if network := conn.Network(); network != nil {
		route.Local.AdapterType = network.Type
		route.Local.AdapterID = network.ID
	}

	if local.Address.Addr().Is4() {
		route.PacketOverhead += ipv4HeaderSize
	} else {
		route.PacketOverhead += ipv6HeaderSize
	}
	if route.Local.Relay {
		route.PacketOverhead += turnChannelDataSize
	}

	return route
}

// handleAllTimedOut destroys every connection once none can be written.
func (c *Channel) handleAllTimedOut() {
	selectedDestroyed := false
	for _, conn := range c.controller.Connections() {
		if conn == c.selected {
			selectedDestroyed = true
		}
		conn.onDestroyed = nil
		c.controller.OnConnectionDestroyed(conn)
		conn.Destroy()
	}
	c.log.Infof("All connections timed out")

	if selectedDestroyed {
		c.switchSelectedConnection(nil, IceSwitchReasonSelectedConnectionDestroyed)
	}
}

func (c *Channel) updateTransportState() {
	c.setWritable(c.selected != nil && (c.selected.Writable() || c.presumedWritable(c.selected)))

	receiving := slices.ContainsFunc(c.controller.Connections(), (*Connection).Receiving)
	if receiving != c.receiving {
		c.receiving = receiving
		notify(c, c.onReceivingState, receiving)
	}

	if state := c.computeState(); state != c.state {
		c.log.Infof("Transport state %s -> %s", c.state, state)
		c.state = state
		notify(c, c.onStateChange, state)
	}

	if state := c.computeIceTransportState(); state != c.iceState {
		c.log.Infof("ICE transport state %s -> %s", c.iceState, state)
		c.iceState = state
		notify(c, c.onIceTransportStateChange, state)
	}
}

func (c *Channel) setWritable(writable bool) {
	if c.writable == writable {
		return
	}

	c.writable = writable
	if writable {
		c.hasBeenWritable = true
		c.signalReadyToSend()
	}
	notify(c, c.onWritableState, writable)
}

func (c *Channel) signalReadyToSend() {
	if handler := c.onReadyToSend; handler != nil {
		c.sched.Notify(handler)
	}
}

// computeState is CONNECTING while some network still has more than one
// active connection.
func (c *Channel) computeState() TransportState {
	if !c.hadConnection {
		return TransportStateInit
	}

	var active []*Connection
	for _, conn := range c.controller.Connections() {
		if conn.Active() {
			active = append(active, conn)
		}
	}
	if len(active) == 0 {
		return TransportStateFailed
	}

	networks := make(map[*Network]struct{}, len(active))
	for _, conn := range active {
		network := conn.Network()
		if _, ok := networks[network]; ok {
			return TransportStateConnecting
		}
		networks[network] = struct{}{}
	}

	return TransportStateCompleted
}

func (c *Channel) computeIceTransportState() IceTransportState {
	hasConnection := slices.ContainsFunc(c.controller.Connections(), (*Connection).Active)

	switch {
	case c.hadConnection && !hasConnection:
		return IceTransportStateFailed
	case !c.writable && c.hasBeenWritable:
		return IceTransportStateDisconnected
	case !c.hadConnection && !hasConnection:
		return IceTransportStateNew
	case hasConnection && !c.writable:
		return IceTransportStateChecking
	case c.gatheringState == GatheringStateComplete && c.state == TransportStateCompleted:
		return IceTransportStateCompleted
	default:
		return IceTransportStateConnected
	}
}

func (c *Channel) maybeStartPinging() {
	if c.startedPinging || !c.controller.HasPingableConnection() {
		return
	}

	c.log.Infof("Have a pingable connection for the first time, starting to ping")
	c.startedPinging = true
	c.sched.Post(c.checkAndPing)
}

// checkAndPing pings at most one connection and schedules itself again.
func (c *Channel) checkAndPing() {
	if c.closed.Load() {
		return
	}

	c.updateConnectionStates()

	result := c.controller.SelectConnectionToPing(c.lastPingSent)
	if conn := result.Connection; conn != nil {
		c.pingConnection(conn)
		c.controller.MarkConnectionPinged(conn)
	}

	delay := result.RecheckDelay
	if delay <= 0 {
		delay = minCheckReceivingInterval
	}
	c.stopPingLoop = c.sched.AfterFunc(delay, c.checkAndPing)
}

func (c *Channel) renominationSupported() bool {
	remote := c.remoteIce()

	return c.iceParameters.Renomination && remote != nil && remote.Renomination
}

func (c *Channel) pingConnection(conn *Connection) {
	var (
		nomination   uint32
		useCandidate bool
	)
	if c.role == IceRoleControlling {
		if c.renominationSupported() {
			if conn == c.selected {
				nomination = c.nomination
			}
		} else {
			useCandidate = c.controller.GetUseCandidateAttr(conn, c.config.nominationMode(), c.remoteIceMode)
		}
	}

	conn.setNomination(nomination)
	conn.setUseCandidateAttr(useCandidate)
	c.lastPingSent = c.sched.Now()
	conn.Ping(c.lastPingSent)
}

func (c *Channel) onConnectionStateChange(conn *Connection) {
	if c.closed.Load() {
		return
	}

	// Only a strong pair of the newest generation stops gathering, a weak
	// one may just have stopped receiving.
	if session := c.allocatorSession(); c.trials.StopGatherOnStronglyConnected && session != nil &&
		!conn.Weak() && conn.Generation() >= session.Generation() {
		c.maybeStopPortAllocatorSessions()
	}

	c.requestSortAndStateUpdate(IceSwitchReasonConnectStateChange)
}

func (c *Channel) onConnectionDestroyed(conn *Connection) {
	if c.closed.Load() {
		return
	}

	c.controller.OnConnectionDestroyed(conn)
	c.log.Infof("Removed %v, %d connections remain", conn, len(c.controller.Connections()))

	if conn == c.selected {
		c.switchSelectedConnection(nil, IceSwitchReasonSelectedConnectionDestroyed)
		c.requestSortAndStateUpdate(IceSwitchReasonSelectedConnectionDestroyed)

		return
	}

	c.updateTransportState()
}

func (c *Channel) onNominated(conn *Connection) {
	if c.closed.Load() || c.role != IceRoleControlled || conn == c.selected {
		return
	}

	if c.trials.SendPingOnNominationIceControlled {
		c.pingConnection(conn)
		c.controller.MarkConnectionPinged(conn)
	}

	if c.maybeSwitchSelectedConnectionTo(conn, IceSwitchReasonNominationOnControlledSide) {
		c.requestSortAndStateUpdate(IceSwitchReasonNominationOnControlledSide)
	} else {
		c.log.Infof("Not switching to nominated %v", conn)
	}
}

func (c *Channel) onConnectionReadPacket(conn *Connection, data []byte) {
	if c.closed.Load() {
		return
	}

	notify(c, c.onReadPacket, data)

	// The controlled side follows the path the peer sends on.
	if c.role == IceRoleControlled && conn != c.selected {
		c.maybeSwitchSelectedConnectionTo(conn, IceSwitchReasonDataReceived)
	}
}
