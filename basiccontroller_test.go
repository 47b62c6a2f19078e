// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/p2p/internal/taskloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ IceControllerFactory = NewBasicIceController

type controllerFixture struct {
	sched *taskloop.Manual
	port  *testPort
	state TransportState
	ctrl  *BasicIceController
}

func newControllerFixture(t *testing.T, trials FieldTrials) *controllerFixture {
	t.Helper()

	sched := taskloop.NewManual(time.Unix(1000, 0))
	f := &controllerFixture{
		sched: sched,
		port:  newTestPort(t, sched, "10.0.0.1:5000", "ufragA", "passwordAAAAAAAAAAAAAA", IceRoleControlling, 200),
		state: TransportStateConnecting,
	}
	f.ctrl = newBasicIceController(IceControllerConfig{
		Now:            sched.Now,
		TransportState: func() TransportState { return f.state },
		IceRole:        func() IceRole { return f.port.IceRole() },
		FieldTrials:    trials,
		LoggerFactory:  logging.NewDefaultLoggerFactory(),
	})
	f.ctrl.SetIceConfig(IceConfig{})

	return f
}

func remoteCandidate(addr string, priority uint32) Candidate {
	return Candidate{
		ID:        addr,
		Component: 1,
		Protocol:  udpProtocol,
		Address:   netip.MustParseAddrPort(addr),
		Priority:  priority,
		Username:  "ufragB",
		Password:  "passwordBBBBBBBBBBBBBB",
		Type:      CandidateTypeHost,
	}
}

func (f *controllerFixture) add(t *testing.T, port *testPort, addr string, priority uint32) *Connection {
	t.Helper()

	conn := port.CreateConnection(remoteCandidate(addr, priority))
	require.NotNil(t, conn)
	f.ctrl.AddConnection(conn)

	return conn
}

func makeStrong(conn *Connection) {
	conn.writeState = WriteStateWritable
	conn.receiving = true
	conn.connected = true
}

func TestControllerSortPrefersWritable(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	high := f.add(t, f.port, "10.0.0.2:6000", 2000)
	low := f.add(t, f.port, "10.0.0.3:6000", 1000)

	// Nothing is ready to send yet.
	result := f.ctrl.SortAndSwitchConnection(IceControllerEvent{Reason: IceSwitchReasonConnectStateChange})
	assert.Nil(t, result.Connection)
	assert.Equal(t, []*Connection{high, low}, f.ctrl.Connections())

	makeStrong(low)
	result = f.ctrl.SortAndSwitchConnection(IceControllerEvent{Reason: IceSwitchReasonConnectStateChange})
	assert.Equal(t, low, result.Connection)
	assert.Equal(t, []*Connection{low, high}, f.ctrl.Connections())
	f.ctrl.SetSelectedConnection(low)

	makeStrong(high)
	result = f.ctrl.SortAndSwitchConnection(IceControllerEvent{Reason: IceSwitchReasonConnectStateChange})
	assert.Equal(t, high, result.Connection)
	assert.Equal(t, []*Connection{high, low}, f.ctrl.Connections())
}

func TestControllerSwitchesOnRTTImprovement(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	selected := f.add(t, f.port, "10.0.0.2:6000", 1000)
	other := f.add(t, f.port, "10.0.0.3:6000", 1000)
	makeStrong(selected)
	makeStrong(other)
	f.ctrl.SetSelectedConnection(selected)

	selected.rtt = 100 * time.Millisecond
	other.rtt = 95 * time.Millisecond
	result := f.ctrl.ShouldSwitchConnection(IceControllerEvent{Reason: IceSwitchReasonDataReceived}, other)
	assert.Nil(t, result.Connection)
	assert.Nil(t, result.RecheckEvent)

	other.rtt = 90 * time.Millisecond
	result = f.ctrl.ShouldSwitchConnection(IceControllerEvent{Reason: IceSwitchReasonDataReceived}, other)
	assert.Equal(t, other, result.Connection)

	// The selected connection never switches to itself.
	result = f.ctrl.ShouldSwitchConnection(IceControllerEvent{Reason: IceSwitchReasonDataReceived}, selected)
	assert.Nil(t, result.Connection)
}

func TestControllerReceivingSwitchingDelay(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	selected := f.add(t, f.port, "10.0.0.2:6000", 2000)
	candidate := f.add(t, f.port, "10.0.0.3:6000", 1000)
	makeStrong(selected)
	makeStrong(candidate)
	f.ctrl.SetSelectedConnection(selected)

	f.sched.Advance(5 * time.Second)
	selected.receiving = false
	candidate.receivingUnchangedSince = f.sched.Now()

	reason := IceControllerEvent{Reason: IceSwitchReasonConnectStateChange}
	result := f.ctrl.ShouldSwitchConnection(reason, candidate)
	assert.Nil(t, result.Connection)
	require.NotNil(t, result.RecheckEvent)
	assert.Equal(t, IceSwitchReasonConnectStateChange, result.RecheckEvent.Reason)
	assert.Equal(t, defaultReceivingSwitchingDelay, result.RecheckEvent.RecheckDelay)

	f.sched.Advance(defaultReceivingSwitchingDelay)
	result = f.ctrl.ShouldSwitchConnection(reason, candidate)
	assert.Equal(t, candidate, result.Connection)
}

func TestControllerNonReceivingWorseNetwork(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	f.ctrl.SetIceConfig(IceConfig{NetworkPreference: AdapterTypeEthernet})

	wifi := newTestPort(t, f.sched, "10.0.1.1:5000", "ufragA", "passwordAAAAAAAAAAAAAA", IceRoleControlling, 200)
	wifi.network.Type = AdapterTypeWiFi

	selected := f.add(t, wifi, "10.0.0.2:6000", 1000)
	ethernet := f.add(t, f.port, "10.0.0.3:6000", 1000)
	makeStrong(selected)
	makeStrong(ethernet)
	f.ctrl.SetSelectedConnection(selected)

	result := f.ctrl.ShouldSwitchConnection(IceControllerEvent{Reason: IceSwitchReasonNetworkPreferenceChange}, ethernet)
	assert.Equal(t, ethernet, result.Connection)

	// The other way round a non-receiving pair on the worse network is
	// not even compared.
	f.ctrl.SetSelectedConnection(ethernet)
	selected.receiving = false
	result = f.ctrl.ShouldSwitchConnection(IceControllerEvent{Reason: IceSwitchReasonNetworkPreferenceChange}, selected)
	assert.Nil(t, result.Connection)
	assert.Nil(t, result.RecheckEvent)
}

func TestControllerInitialSelectDampening(t *testing.T) {
	trials := DefaultFieldTrials()
	trials.InitialSelectDampening = Duration(100 * time.Millisecond)
	trials.InitialSelectDampeningPingReceived = Duration(50 * time.Millisecond)
	f := newControllerFixture(t, trials)
	conn := f.add(t, f.port, "10.0.0.2:6000", 1000)
	makeStrong(conn)

	reason := IceControllerEvent{Reason: IceSwitchReasonConnectStateChange}
	result := f.ctrl.ShouldSwitchConnection(reason, conn)
	assert.Nil(t, result.Connection)
	require.NotNil(t, result.RecheckEvent)
	assert.Equal(t, IceSwitchReasonIceControllerRecheck, result.RecheckEvent.Reason)
	assert.Equal(t, 50*time.Millisecond, result.RecheckEvent.RecheckDelay)

	f.sched.Advance(50 * time.Millisecond)
	result = f.ctrl.ShouldSwitchConnection(reason, conn)
	assert.Nil(t, result.Connection)

	// A received ping shortens the wait.
	conn.lastPingReceived = f.sched.Now()
	result = f.ctrl.ShouldSwitchConnection(reason, conn)
	assert.Equal(t, conn, result.Connection)
	assert.True(t, f.ctrl.initialSelectStart.IsZero())
}

func TestControllerUseCandidateAttr(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	high := f.add(t, f.port, "10.0.0.2:6000", 2000)
	low := f.add(t, f.port, "10.0.0.3:6000", 1000)

	assert.False(t, f.ctrl.GetUseCandidateAttr(low, NominationModeRegular, IceModeFull))
	assert.True(t, f.ctrl.GetUseCandidateAttr(low, NominationModeAggressive, IceModeFull))
	assert.False(t, f.ctrl.GetUseCandidateAttr(low, NominationModeAggressive, IceModeLite))

	// Without a selected connection everything is nominated.
	assert.True(t, f.ctrl.GetUseCandidateAttr(low, NominationModeSemiAggressive, IceModeFull))

	makeStrong(high)
	f.ctrl.SetSelectedConnection(high)
	assert.False(t, f.ctrl.GetUseCandidateAttr(low, NominationModeSemiAggressive, IceModeFull))
	assert.True(t, f.ctrl.GetUseCandidateAttr(high, NominationModeSemiAggressive, IceModeFull))
	assert.True(t, f.ctrl.GetUseCandidateAttr(high, NominationModeSemiAggressive, IceModeLite))
	assert.False(t, f.ctrl.GetUseCandidateAttr(low, NominationModeSemiAggressive, IceModeLite))

	high.writeState = WriteStateUnreliable
	assert.True(t, f.ctrl.GetUseCandidateAttr(low, NominationModeSemiAggressive, IceModeFull))
	assert.False(t, f.ctrl.GetUseCandidateAttr(high, NominationModeSemiAggressive, IceModeLite))
}

func TestControllerFindNextPingableRoundRobin(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	first := f.add(t, f.port, "10.0.0.2:6000", 1000)
	second := f.add(t, f.port, "10.0.0.3:6000", 1000)

	assert.True(t, f.ctrl.HasPingableConnection())
	assert.Equal(t, first, f.ctrl.FindNextPingableConnection())
	f.ctrl.MarkConnectionPinged(first)
	assert.Equal(t, second, f.ctrl.FindNextPingableConnection())
	f.ctrl.MarkConnectionPinged(second)

	// A new round starts once everything was pinged.
	assert.Equal(t, first, f.ctrl.FindNextPingableConnection())
	assert.Empty(t, f.ctrl.pinged)
}

func TestControllerLeastRecentlyPinged(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	first := f.add(t, f.port, "10.0.0.2:6000", 1000)
	second := f.add(t, f.port, "10.0.0.3:6000", 1000)

	first.lastPingSent = f.sched.Now()
	f.sched.Advance(time.Second)
	second.lastPingSent = f.sched.Now()
	assert.Equal(t, first, f.ctrl.FindNextPingableConnection())

	first.lastPingSent = f.sched.Now().Add(time.Millisecond)
	assert.Equal(t, second, f.ctrl.FindNextPingableConnection())
}

func TestControllerTriggeredCheck(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	f.add(t, f.port, "10.0.0.2:6000", 2000)
	checked := f.add(t, f.port, "10.0.0.3:6000", 1000)

	f.sched.Advance(time.Second)
	checked.lastPingReceived = f.sched.Now()
	assert.Equal(t, checked, f.ctrl.FindNextPingableConnection())
}

func TestControllerPingsSelectedFirst(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	f.add(t, f.port, "10.0.0.2:6000", 2000)
	selected := f.add(t, f.port, "10.0.0.3:6000", 1000)
	makeStrong(selected)
	f.ctrl.SetSelectedConnection(selected)

	assert.Equal(t, selected, f.ctrl.FindNextPingableConnection())
}

func TestControllerNotPingable(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	conn := f.port.CreateConnection(Candidate{
		Component: 1,
		Protocol:  udpProtocol,
		Address:   netip.MustParseAddrPort("10.0.0.2:6000"),
		Priority:  1000,
		Type:      CandidateTypePrflx,
	})
	require.NotNil(t, conn)
	f.ctrl.AddConnection(conn)

	// No remote credentials yet.
	assert.False(t, f.ctrl.HasPingableConnection())
	assert.Nil(t, f.ctrl.FindNextPingableConnection())

	conn.remote.Username, conn.remote.Password = "ufragB", "passwordBBBBBBBBBBBBBB"
	assert.True(t, f.ctrl.HasPingableConnection())

	conn.state = CandidatePairStateFailed
	assert.False(t, f.ctrl.HasPingableConnection())
}

func TestControllerMaxOutstandingPings(t *testing.T) {
	trials := DefaultFieldTrials()
	trials.MaxOutstandingPings = 2
	f := newControllerFixture(t, trials)
	conn := f.add(t, f.port, "10.0.0.2:6000", 1000)

	conn.Ping(f.sched.Now())
	assert.True(t, f.ctrl.HasPingableConnection())
	conn.Ping(f.sched.Now())
	assert.False(t, f.ctrl.HasPingableConnection())
}

func TestControllerSelectConnectionToPingIntervals(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	selected := f.add(t, f.port, "10.0.0.2:6000", 1000)

	// Weak: no selected connection.
	result := f.ctrl.SelectConnectionToPing(f.sched.Now())
	assert.Nil(t, result.Connection)
	assert.Equal(t, weakPingInterval, result.RecheckDelay)

	result = f.ctrl.SelectConnectionToPing(f.sched.Now().Add(-weakPingInterval))
	assert.Equal(t, selected, result.Connection)

	// Strong once the selected connection is strong and every active
	// connection has had its initial checks.
	makeStrong(selected)
	selected.numPingsSent = minPingsAtWeakPingInterval
	f.ctrl.SetSelectedConnection(selected)

	result = f.ctrl.SelectConnectionToPing(f.sched.Now().Add(-weakPingInterval))
	assert.Nil(t, result.Connection)
	assert.Equal(t, defaultReceivingTimeout/10, result.RecheckDelay)
}

func TestControllerBackupPinging(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	selected := f.add(t, f.port, "10.0.0.2:6000", 2000)
	backup := f.add(t, f.port, "10.0.0.3:6000", 1000)
	makeStrong(selected)
	makeStrong(backup)
	f.ctrl.SetSelectedConnection(selected)
	f.state = TransportStateCompleted

	// Never measured, so it is due.
	assert.True(t, f.ctrl.isPingable(backup, f.sched.Now()))

	backup.rttSamples = 1
	backup.lastPingResponseReceived = f.sched.Now()
	assert.False(t, f.ctrl.isPingable(backup, f.sched.Now()))

	f.sched.Advance(backupConnectionPingInterval)
	assert.True(t, f.ctrl.isPingable(backup, f.sched.Now()))
}

func TestControllerPruneConnections(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	selected := f.add(t, f.port, "10.0.0.2:6000", 2000)
	low := f.add(t, f.port, "10.0.0.3:6000", 1000)
	f.ctrl.SetSelectedConnection(selected)

	// A weak selected connection prunes nothing.
	assert.Empty(t, f.ctrl.PruneConnections())

	makeStrong(selected)
	assert.Equal(t, []*Connection{low}, f.ctrl.PruneConnections())

	// A better pair is kept.
	low.remote.Priority = 3000
	assert.Empty(t, f.ctrl.PruneConnections())
}

func TestControllerPrunedLosesTies(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	a := f.add(t, f.port, "10.0.0.2:6000", 1000)
	b := f.add(t, f.port, "10.0.0.3:6000", 1000)

	assert.Equal(t, aAndBEqual, f.ctrl.compareConnectionCandidates(a, b))
	a.pruned = true
	assert.Equal(t, bIsBetter, f.ctrl.compareConnectionCandidates(a, b))

	// Younger generations win before pruning is looked at.
	a.remote.Generation = 1
	assert.Equal(t, aIsBetter, f.ctrl.compareConnectionCandidates(a, b))
}

func TestControllerControlledPrefersNominated(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	f.port.SetIceRole(IceRoleControlled)
	high := f.add(t, f.port, "10.0.0.2:6000", 2000)
	nominated := f.add(t, f.port, "10.0.0.3:6000", 1000)
	makeStrong(high)
	makeStrong(nominated)

	assert.Equal(t, aIsBetter, f.ctrl.compareConnections(high, nominated, nil, nil))
	nominated.remoteNomination = 1
	assert.Equal(t, bIsBetter, f.ctrl.compareConnections(high, nominated, nil, nil))
}

func TestControllerPresumedWritable(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	conn := f.add(t, f.port, "10.0.0.2:6000", 1000)
	assert.False(t, f.ctrl.readyToSend(conn))

	f.ctrl.SetIceConfig(IceConfig{PresumeWritableWhenFullyRelayed: true})
	assert.False(t, f.ctrl.readyToSend(conn))

	f.port.candidates[0].Type = CandidateTypeRelay
	conn.remote.Type = CandidateTypeRelay
	assert.True(t, f.ctrl.readyToSend(conn))

	conn.writeState = WriteStateTimeout
	assert.False(t, f.ctrl.readyToSend(conn))
}

func TestControllerConnectionDestroyed(t *testing.T) {
	f := newControllerFixture(t, DefaultFieldTrials())
	conn := f.add(t, f.port, "10.0.0.2:6000", 1000)
	f.ctrl.SetSelectedConnection(conn)
	f.ctrl.MarkConnectionPinged(conn)

	f.ctrl.OnConnectionDestroyed(conn)
	assert.Empty(t, f.ctrl.Connections())
	assert.Nil(t, f.ctrl.selected)
	assert.Empty(t, f.ctrl.pinged)
}
