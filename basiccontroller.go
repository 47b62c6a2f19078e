// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"slices"
	"time"

	"github.com/pion/logging"
)

// BasicIceController is the default selection policy.
type BasicIceController struct {
	now                func() time.Time
	transportState     func() TransportState
	iceRole            func() IceRole
	isConnectionPruned func(*Connection) bool
	trials             FieldTrials
	log                logging.LeveledLogger

	config IceConfig

	// connections is kept sorted by the last SortAndSwitchConnection.
	connections []*Connection
	pinged      map[*Connection]struct{}
	selected    *Connection

	initialSelectStart time.Time
}

var _ IceController = (*BasicIceController)(nil)

// NewBasicIceController creates the default controller. It is an
// IceControllerFactory.
func NewBasicIceController(config IceControllerConfig) IceController {
	return newBasicIceController(config)
}

func newBasicIceController(config IceControllerConfig) *BasicIceController {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	c := &BasicIceController{
		now:                config.Now,
		transportState:     config.TransportState,
		iceRole:            config.IceRole,
		isConnectionPruned: config.IsConnectionPruned,
		trials:             config.FieldTrials,
		log:                loggerFactory.NewLogger("ice-controller"),
		pinged:             map[*Connection]struct{}{},
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.transportState == nil {
		c.transportState = func() TransportState { return TransportStateInit }
	}
	if c.iceRole == nil {
		c.iceRole = func() IceRole { return IceRoleUnknown }
	}
	if c.isConnectionPruned == nil {
		c.isConnectionPruned = (*Connection).Pruned
	}

	return c
}

func (c *BasicIceController) SetIceConfig(config IceConfig) { c.config = config }

func (c *BasicIceController) SetSelectedConnection(conn *Connection) { c.selected = conn }

func (c *BasicIceController) AddConnection(conn *Connection) {
	c.connections = append(c.connections, conn)
}

func (c *BasicIceController) OnConnectionDestroyed(conn *Connection) {
	delete(c.pinged, conn)
	c.connections = slices.DeleteFunc(c.connections, func(other *Connection) bool { return other == conn })
	if c.selected == conn {
		c.selected = nil
	}
}

// Connections returns the tracked connections in sort order.
func (c *BasicIceController) Connections() []*Connection {
	return slices.Clone(c.connections)
}

func (c *BasicIceController) HasPingableConnection() bool {
	now := c.now()

	return slices.ContainsFunc(c.connections, func(conn *Connection) bool { return c.isPingable(conn, now) })
}

func (c *BasicIceController) SelectConnectionToPing(lastPingSent time.Time) PingResult {
	// Weak channels and fresh connections are pinged at the fast rate.
	needMorePingsAtWeakInterval := slices.ContainsFunc(c.connections, func(conn *Connection) bool {
		return conn.Active() && conn.NumPingsSent() < minPingsAtWeakPingInterval
	})

	interval := c.strongPingInterval()
	if c.weak() || needMorePingsAtWeakInterval {
		interval = c.weakPingInterval()
	}

	var conn *Connection
	if !c.now().Before(lastPingSent.Add(interval)) {
		conn = c.FindNextPingableConnection()
	}

	return PingResult{Connection: conn, RecheckDelay: min(interval, c.checkReceivingInterval())}
}

func (c *BasicIceController) MarkConnectionPinged(conn *Connection) {
	if conn != nil {
		c.pinged[conn] = struct{}{}
	}
}

// FindNextPingableConnection picks, in order: the selected connection
// when its ping is due, the least recently pinged best writable
// connection of each network while weak, the oldest connection needing
// a triggered check, then the most pingable connection not yet pinged in
// this round.
func (c *BasicIceController) FindNextPingableConnection() *Connection { //nolint:cyclop
	now := c.now()

	if c.selected != nil && c.selected.Connected() && c.selected.Writable() &&
		c.writableConnectionPastPingInterval(c.selected, now) {
		return c.selected
	}

	if c.weak() {
		var best *Connection
		for _, conn := range c.bestWritableConnectionPerNetwork() {
			if !c.writableConnectionPastPingInterval(conn, now) {
				continue
			}
			if best == nil || conn.LastPingSent().Before(best.LastPingSent()) {
				best = conn
			}
		}
		if best != nil {
			return best
		}
	}

	if conn := c.findOldestConnectionNeedingTriggeredCheck(now); conn != nil {
		return conn
	}

	// Once every pingable connection was pinged, start a new round.
	unpinged := func(conn *Connection) bool {
		_, pinged := c.pinged[conn]

		return !pinged && c.isPingable(conn, now)
	}
	if !slices.ContainsFunc(c.connections, unpinged) {
		clear(c.pinged)
	}

	var next *Connection
	for _, conn := range c.connections {
		if !unpinged(conn) {
			continue
		}
		if next == nil || c.morePingable(next, conn) == conn {
			next = conn
		}
	}

	return next
}

// isPingable reports whether conn should be considered for a check at
// all.
func (c *BasicIceController) isPingable(conn *Connection, now time.Time) bool {
	remote := conn.Remote()
	if remote.Username == "" || remote.Password == "" {
		return false
	}
	if conn.State() == CandidatePairStateFailed {
		return false
	}
	if !conn.Connected() && !conn.Writable() {
		return false
	}
	if conn.TooManyOutstandingPings(c.trials.MaxOutstandingPings) {
		return false
	}

	if c.weak() {
		return true
	}

	// Backup connections are checked at a slower rate.
	if c.isBackupConnection(conn) {
		return conn.RTTSamples() == 0 ||
			!now.Before(conn.LastPingResponseReceived().Add(c.config.backupConnectionPingIntervalOrDefault()))
	}

	if !conn.Active() {
		return false
	}
	if !conn.Writable() {
		return true
	}

	return c.writableConnectionPastPingInterval(conn, now)
}

// isBackupConnection reports whether conn is an active spare of a
// completed channel.
func (c *BasicIceController) isBackupConnection(conn *Connection) bool {
	return c.transportState() == TransportStateCompleted && conn != c.selected && conn.Active()
}

func (c *BasicIceController) writableConnectionPastPingInterval(conn *Connection, now time.Time) bool {
	interval := c.activeWritablePingInterval(conn, now)

	return !conn.LastPingSent().Add(interval).After(now)
}

func (c *BasicIceController) activeWritablePingInterval(conn *Connection, now time.Time) time.Duration {
	if conn.NumPingsSent() < minPingsAtWeakPingInterval {
		return c.weakPingInterval()
	}

	stable := c.config.stableWritableConnectionPingIntervalOrDefault()
	if !c.weak() && conn.Stable(now) {
		return stable
	}

	return min(stable, weakOrStabilizingWritablePingInterval)
}

func (c *BasicIceController) findOldestConnectionNeedingTriggeredCheck(now time.Time) *Connection {
	var oldest *Connection
	for _, conn := range c.connections {
		if !c.isPingable(conn, now) {
			continue
		}
		needsTriggeredCheck := !conn.Writable() && conn.LastPingReceived().After(conn.LastPingSent())
		if needsTriggeredCheck && (oldest == nil || conn.LastPingReceived().Before(oldest.LastPingReceived())) {
			oldest = conn
		}
	}

	if oldest != nil {
		c.log.Infof("Selecting connection for triggered check: %v", oldest)
	}

	return oldest
}

// morePingable returns the one of a and b to check first.
func (c *BasicIceController) morePingable(a, b *Connection) *Connection {
	if c.config.PrioritizeMostLikelyCandidatePairs {
		if conn := mostLikelyToWork(a, b); conn != nil {
			return conn
		}
	}

	if a.LastPingSent().Before(b.LastPingSent()) {
		return a
	}
	if b.LastPingSent().Before(a.LastPingSent()) {
		return b
	}

	// Nothing pinged yet, keep the sort order.
	for _, conn := range c.connections {
		if conn == a || conn == b {
			return conn
		}
	}

	return a
}

func isRelayRelay(conn *Connection) bool {
	return conn.Local().Type == CandidateTypeRelay && conn.Remote().Type == CandidateTypeRelay
}

func isUDP(conn *Connection) bool {
	return conn.Local().RelayProtocol == udpProtocol
}

func mostLikelyToWork(a, b *Connection) *Connection {
	rrA, rrB := isRelayRelay(a), isRelayRelay(b)
	switch {
	case rrA && !rrB:
		return a
	case rrB && !rrA:
		return b
	case rrA && rrB:
		udpA, udpB := isUDP(a), isUDP(b)
		if udpA && !udpB {
			return a
		}
		if udpB && !udpA {
			return b
		}
	}

	return nil
}

func (c *BasicIceController) GetUseCandidateAttr(conn *Connection, mode NominationMode, remoteIceMode IceMode) bool {
	switch mode {
	case NominationModeAggressive:
		return remoteIceMode != IceModeLite
	case NominationModeSemiAggressive, NominationModeUnknown:
		// Nominate the selected connection and anything that would beat
		// it. A lite peer only gets the writable selected connection.
		selected := conn == c.selected
		if remoteIceMode == IceModeLite {
			return selected && conn.Writable()
		}
		betterThanSelected := c.selected == nil || !c.selected.Writable() ||
			c.compareConnectionCandidates(c.selected, conn) < 0

		return selected || betterThanSelected
	default:
		return false
	}
}

type networkConnection struct {
	network *Network
	conn    *Connection
}

// bestConnectionByNetwork returns, per network in first appearance
// order, the selected connection or else the first in sort order.
func (c *BasicIceController) bestConnectionByNetwork() []networkConnection {
	var best []networkConnection
	add := func(conn *Connection) {
		network := conn.Network()
		if !slices.ContainsFunc(best, func(nc networkConnection) bool { return nc.network == network }) {
			best = append(best, networkConnection{network: network, conn: conn})
		}
	}

	if c.selected != nil {
		add(c.selected)
	}
	for _, conn := range c.connections {
		add(conn)
	}

	return best
}

func (c *BasicIceController) bestConnectionOnNetwork(best []networkConnection, network *Network) *Connection {
	i := slices.IndexFunc(best, func(nc networkConnection) bool { return nc.network == network })
	if i < 0 {
		return nil
	}

	return best[i].conn
}

func (c *BasicIceController) bestWritableConnectionPerNetwork() []*Connection {
	var conns []*Connection
	for _, nc := range c.bestConnectionByNetwork() {
		if nc.conn.Writable() && nc.conn.Connected() {
			conns = append(conns, nc.conn)
		}
	}

	return conns
}

func (c *BasicIceController) handleInitialSelectDampening(reason IceControllerEvent, conn *Connection) SwitchResult {
	dampening := c.trials.InitialSelectDampening
	dampeningPingReceived := c.trials.InitialSelectDampeningPingReceived
	if dampening == nil && dampeningPingReceived == nil {
		return SwitchResult{Connection: conn}
	}

	now := c.now()
	var maxDelay time.Duration
	if !conn.LastPingReceived().IsZero() && dampeningPingReceived != nil {
		maxDelay = *dampeningPingReceived
	} else if dampening != nil {
		maxDelay = *dampening
	}

	start := c.initialSelectStart
	if start.IsZero() {
		start = now
	}
	if !now.Before(start.Add(maxDelay)) {
		c.log.Infof("Initial selection delayed by %v", now.Sub(start))
		c.initialSelectStart = time.Time{}

		return SwitchResult{Connection: conn}
	}

	// Not ready yet. The recheck is asked for every time so none is lost.
	if c.initialSelectStart.IsZero() {
		c.initialSelectStart = now
	}

	minDelay := maxDelay
	if dampening != nil {
		minDelay = min(minDelay, *dampening)
	}
	if dampeningPingReceived != nil {
		minDelay = min(minDelay, *dampeningPingReceived)
	}

	c.log.Infof("Delaying initial selection up to %v", minDelay)

	return SwitchResult{RecheckEvent: &IceControllerEvent{
		Reason:       IceSwitchReasonIceControllerRecheck,
		RecheckDelay: minDelay,
	}}
}

func (c *BasicIceController) ShouldSwitchConnection(reason IceControllerEvent, conn *Connection) SwitchResult {
	if !c.readyToSend(conn) || c.selected == conn {
		return SwitchResult{}
	}

	if c.selected == nil {
		return c.handleInitialSelectDampening(reason, conn)
	}

	// A non-receiving pair on a worse network may only look better.
	if c.compareCandidatePairNetworks(conn, c.selected) == bIsBetter && !conn.Receiving() {
		return SwitchResult{}
	}

	delay := c.config.receivingSwitchingDelayOrDefault()
	threshold := c.now().Add(-delay)
	missedThreshold := false
	cmp := c.compareConnections(c.selected, conn, &threshold, &missedThreshold)

	var recheck *IceControllerEvent
	if missedThreshold && delay > 0 {
		// conn receives better than the selected pair but not for long
		// enough yet.
		recheck = &IceControllerEvent{Reason: reason.Reason, RecheckDelay: delay}
	}

	switch {
	case cmp < 0:
		return SwitchResult{Connection: conn}
	case cmp > 0:
		return SwitchResult{RecheckEvent: recheck}
	}

	if conn.RTT() <= c.selected.RTT()-minRTTImprovement {
		return SwitchResult{Connection: conn}
	}

	return SwitchResult{RecheckEvent: recheck}
}

func (c *BasicIceController) SortAndSwitchConnection(reason IceControllerEvent) SwitchResult {
	slices.SortStableFunc(c.connections, func(a, b *Connection) int {
		if cmp := c.compareConnections(a, b, nil, nil); cmp != 0 {
			return -cmp
		}

		switch {
		case a.RTT() < b.RTT():
			return -1
		case a.RTT() > b.RTT():
			return 1
		default:
			return 0
		}
	})

	c.log.Tracef("Sorted %d connections", len(c.connections))
	for _, conn := range c.connections {
		c.log.Tracef("  %v", conn)
	}

	if len(c.connections) == 0 {
		return SwitchResult{}
	}

	return c.ShouldSwitchConnection(reason, c.connections[0])
}

func (c *BasicIceController) readyToSend(conn *Connection) bool {
	// Unreliable pairs may have lost a few checks by chance and are still
	// worth sending on.
	return conn != nil &&
		(conn.Writable() || conn.WriteState() == WriteStateUnreliable || c.presumedWritable(conn))
}

func (c *BasicIceController) presumedWritable(conn *Connection) bool {
	remote := conn.Remote().Type

	return conn.WriteState() == WriteStateInit &&
		c.config.PresumeWritableWhenFullyRelayed &&
		conn.Local().Type == CandidateTypeRelay &&
		(remote == CandidateTypeRelay || remote == CandidateTypePrflx)
}

// compareConnectionStates ranks by writability, write state, receiving
// and, among writable pairs, connectedness. A pair that only recently
// started receiving does not win on receiving before threshold, missed
// is set instead.
func (c *BasicIceController) compareConnectionStates(a, b *Connection, threshold *time.Time, missed *bool) int {
	aWritable := a.Writable() || c.presumedWritable(a)
	bWritable := b.Writable() || c.presumedWritable(b)
	switch {
	case aWritable && !bWritable:
		return aIsBetter
	case !aWritable && bWritable:
		return bIsBetter
	}

	switch {
	case a.WriteState() < b.WriteState():
		return aIsBetter
	case b.WriteState() < a.WriteState():
		return bIsBetter
	}

	if a.Receiving() && !b.Receiving() {
		return aIsBetter
	}
	if !a.Receiving() && b.Receiving() {
		if threshold == nil ||
			(!a.ReceivingUnchangedSince().After(*threshold) && !b.ReceivingUnchangedSince().After(*threshold)) {
			return bIsBetter
		}
		if missed != nil {
			*missed = true
		}
	}

	if a.WriteState() == WriteStateWritable && b.WriteState() == WriteStateWritable {
		switch {
		case a.Connected() && !b.Connected():
			return aIsBetter
		case !a.Connected() && b.Connected():
			return bIsBetter
		}
	}

	return aAndBEqual
}

// compareConnectionCandidates ranks by network, pair priority,
// generation and whether the pair was pruned.
func (c *BasicIceController) compareConnectionCandidates(a, b *Connection) int {
	if cmp := c.compareCandidatePairNetworks(a, b); cmp != aAndBEqual {
		return cmp
	}

	switch {
	case a.Priority() > b.Priority():
		return aIsBetter
	case a.Priority() < b.Priority():
		return bIsBetter
	}

	// Younger generations win.
	genA := int64(a.Remote().Generation) + int64(a.Generation())
	genB := int64(b.Remote().Generation) + int64(b.Generation())
	switch {
	case genA > genB:
		return aIsBetter
	case genA < genB:
		return bIsBetter
	}

	// Regathered candidates look the same, the old port is pruned.
	aPruned, bPruned := c.isConnectionPruned(a), c.isConnectionPruned(b)
	switch {
	case !aPruned && bPruned:
		return aIsBetter
	case aPruned && !bPruned:
		return bIsBetter
	}

	return aAndBEqual
}

func (c *BasicIceController) compareConnections(a, b *Connection, threshold *time.Time, missed *bool) int {
	// Writable and receiving beats nominated.
	if cmp := c.compareConnectionStates(a, b, threshold, missed); cmp != aAndBEqual {
		return cmp
	}

	if c.iceRole() == IceRoleControlled {
		switch {
		case a.RemoteNomination() > b.RemoteNomination():
			return aIsBetter
		case a.RemoteNomination() < b.RemoteNomination():
			return bIsBetter
		}

		switch {
		case a.LastDataReceived().After(b.LastDataReceived()):
			return aIsBetter
		case a.LastDataReceived().Before(b.LastDataReceived()):
			return bIsBetter
		}
	}

	return c.compareConnectionCandidates(a, b)
}

func (c *BasicIceController) compareCandidatePairNetworks(a, b *Connection) int {
	// Preference beats cost.
	if cmp := c.compareByNetworkPreference(a, b); cmp != aAndBEqual {
		return cmp
	}

	costA, costB := a.ComputeNetworkCost(), b.ComputeNetworkCost()
	switch {
	case costA < costB:
		return aIsBetter
	case costA > costB:
		return bIsBetter
	}

	return aAndBEqual
}

func (c *BasicIceController) compareByNetworkPreference(a, b *Connection) int {
	preference := c.config.NetworkPreference
	typeA, typeB := networkAdapterType(a), networkAdapterType(b)
	if preference == AdapterTypeUnknown || typeA == typeB {
		return aAndBEqual
	}

	switch {
	case typeA == preference && typeB != preference:
		return aIsBetter
	case typeA != preference && typeB == preference:
		return bIsBetter
	}

	return aAndBEqual
}

func networkAdapterType(conn *Connection) AdapterType {
	if network := conn.Network(); network != nil {
		return network.Type
	}

	return AdapterTypeUnknown
}

// PruneConnections returns the connections beaten by a strong
// connection on their network. Connections on any-address networks are
// compared against the selected connection.
func (c *BasicIceController) PruneConnections() []*Connection {
	best := c.bestConnectionByNetwork()

	var prune []*Connection
	for _, conn := range c.connections {
		bestConn := c.selected
		if !conn.Network().IsAny() {
			bestConn = c.bestConnectionOnNetwork(best, conn.Network())
		}

		// A weak best connection may still lose to the others.
		if bestConn != nil && conn != bestConn && !bestConn.Weak() &&
			c.compareConnectionCandidates(bestConn, conn) >= 0 {
			prune = append(prune, conn)
		}
	}

	return prune
}

func (c *BasicIceController) weak() bool {
	return c.selected == nil || c.selected.Weak()
}

func (c *BasicIceController) weakPingInterval() time.Duration {
	return max(c.config.iceCheckMinIntervalOrDefault(), c.config.iceCheckIntervalWeakConnectivityOrDefault())
}

func (c *BasicIceController) strongPingInterval() time.Duration {
	return max(c.config.iceCheckMinIntervalOrDefault(), c.config.iceCheckIntervalStrongConnectivityOrDefault())
}

func (c *BasicIceController) checkReceivingInterval() time.Duration {
	return max(minCheckReceivingInterval, c.config.receivingTimeoutOrDefault()/10)
}
