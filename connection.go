// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/p2p/internal/ema"
	"github.com/pion/p2p/internal/stunattr"
	"github.com/pion/stun/v3"
)

//nolint:gochecknoglobals
var connectionIDs atomic.Uint64

// SentPing is a connectivity check still waiting for its response.
type SentPing struct {
	ID         [stun.TransactionIDSize]byte
	SentAt     time.Time
	Nomination uint32
}

type googPingSupport int

const (
	googPingUnknown googPingSupport = iota
	googPingSupported
	googPingUnsupported
)

// Connection is one candidate pair: a local candidate of a port and a
// remote candidate. It runs the STUN checks of the pair and tracks its
// writability, receiving state and RTT. All methods must be called from
// the scheduler's context.
type Connection struct {
	id         uint64
	port       Port
	localIndex int
	remote     Candidate
	sched      Scheduler
	log        logging.LeveledLogger
	requests   *StunRequestManager

	writeState       WriteState
	receiving        bool
	connected        bool
	pruned           bool
	selected         bool
	useCandidateAttr bool
	remoteIceMode    IceMode
	state            CandidatePairState

	nomination       uint32
	ackedNomination  uint32
	remoteNomination uint32

	rtt          time.Duration
	rttSamples   int
	rttEstimate  *ema.Average
	totalRTT     time.Duration
	currentRTT   time.Duration
	pings        []SentPing
	numPingsSent int

	created                  time.Time
	lastPingSent             time.Time
	lastPingReceived         time.Time
	lastDataReceived         time.Time
	lastPingResponseReceived time.Time
	receivingUnchangedSince  time.Time
	lastPingIDReceived       *[stun.TransactionIDSize]byte

	unwritableTimeout   time.Duration
	unwritableMinChecks int
	inactiveTimeout     time.Duration
	receivingTimeout    time.Duration
	trials              FieldTrials

	googPing      googPingSupport
	cachedBinding *stun.Message

	stats          ConnectionInfo
	reported       bool
	destroyPending bool
	destroyed      bool

	onStateChange func(*Connection)
	onReadPacket  func(*Connection, []byte)
	onNominated   func(*Connection)
	onDestroyed   func(*Connection)
}

func newConnection(port Port, localIndex int, remote Candidate) *Connection {
	base := port.base()
	now := base.sched.Now()

	conn := &Connection{
		id:                      connectionIDs.Add(1),
		port:                    port,
		localIndex:              localIndex,
		remote:                  remote,
		sched:                   base.sched,
		log:                     base.loggerFactory.NewLogger("ice-conn"),
		writeState:              WriteStateInit,
		connected:               true,
		state:                   CandidatePairStateWaiting,
		rtt:                     defaultRTT,
		created:                 now,
		receivingUnchangedSince: now,
		unwritableTimeout:       defaultUnwritableTimeout,
		unwritableMinChecks:     defaultUnwritableMinChecks,
		inactiveTimeout:         defaultInactiveTimeout,
		receivingTimeout:        defaultReceivingTimeout,
	}
	conn.setFieldTrials(DefaultFieldTrials())
	conn.requests = NewStunRequestManager(base.sched, conn.sendStunRequest, base.loggerFactory.NewLogger("stun-requests"))

	return conn
}

// setIceConfig applies the liveness timeouts of config.
func (c *Connection) setIceConfig(config *IceConfig) {
	c.receivingTimeout = config.receivingTimeoutOrDefault()
	c.unwritableTimeout = config.iceUnwritableTimeoutOrDefault()
	c.unwritableMinChecks = config.iceUnwritableMinChecksOrDefault()
	c.inactiveTimeout = config.iceInactiveTimeoutOrDefault()
}

func (c *Connection) setFieldTrials(trials FieldTrials) {
	c.trials = trials
	if c.rttEstimate == nil {
		c.rttEstimate = ema.New(trials.RTTEstimateHalfTime)
	} else {
		c.rttEstimate.SetHalfTime(trials.RTTEstimateHalfTime)
	}
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Port() Port { return c.port }

// Local returns the local candidate of the pair.
func (c *Connection) Local() Candidate {
	candidates := c.port.Candidates()
	if c.localIndex < 0 || c.localIndex >= len(candidates) {
		return Candidate{}
	}

	return candidates[c.localIndex]
}

func (c *Connection) Remote() Candidate { return c.remote }

func (c *Connection) Network() *Network { return c.port.Network() }

func (c *Connection) Generation() uint32 { return c.port.Generation() }

func (c *Connection) WriteState() WriteState { return c.writeState }

func (c *Connection) Writable() bool { return c.writeState == WriteStateWritable }

func (c *Connection) Receiving() bool { return c.receiving }

func (c *Connection) Connected() bool { return c.connected }

// Weak reports whether the pair is not usable in both directions.
func (c *Connection) Weak() bool { return !(c.Writable() && c.receiving && c.connected) }

// Active reports whether the pair is still trying to become writable.
func (c *Connection) Active() bool { return c.writeState != WriteStateTimeout }

func (c *Connection) Pruned() bool { return c.pruned }

func (c *Connection) State() CandidatePairState { return c.state }

// Nominated reports whether either side nominated the pair.
func (c *Connection) Nominated() bool { return c.ackedNomination != 0 || c.remoteNomination != 0 }

func (c *Connection) Nomination() uint32 { return c.nomination }

func (c *Connection) AckedNomination() uint32 { return c.ackedNomination }

func (c *Connection) RemoteNomination() uint32 { return c.remoteNomination }

func (c *Connection) RTT() time.Duration { return c.rtt }

func (c *Connection) RTTSamples() int { return c.rttSamples }

func (c *Connection) NumPingsSent() int { return c.numPingsSent }

func (c *Connection) UseCandidateAttr() bool { return c.useCandidateAttr }

func (c *Connection) RemoteIceMode() IceMode { return c.remoteIceMode }

func (c *Connection) Created() time.Time { return c.created }

func (c *Connection) LastPingSent() time.Time { return c.lastPingSent }

func (c *Connection) LastPingReceived() time.Time { return c.lastPingReceived }

func (c *Connection) LastDataReceived() time.Time { return c.lastDataReceived }

func (c *Connection) LastPingResponseReceived() time.Time { return c.lastPingResponseReceived }

func (c *Connection) ReceivingUnchangedSince() time.Time { return c.receivingUnchangedSince }

// LastReceived returns when anything arrived on the pair last.
func (c *Connection) LastReceived() time.Time {
	last := c.lastPingReceived
	for _, t := range []time.Time{c.lastDataReceived, c.lastPingResponseReceived} {
		if t.After(last) {
			last = t
		}
	}

	return last
}

// PingsSinceLastResponse returns the outstanding checks, oldest first.
func (c *Connection) PingsSinceLastResponse() []SentPing {
	return slices.Clone(c.pings)
}

// EstimatedRTT returns the time weighted RTT average, if any.
func (c *Connection) EstimatedRTT() (time.Duration, bool) {
	if !c.rttEstimate.HasSample() {
		return 0, false
	}

	return time.Duration(c.rttEstimate.Value() * float64(time.Millisecond)), true
}

// ComputeNetworkCost returns the combined cost of both networks.
func (c *Connection) ComputeNetworkCost() uint32 {
	return uint32(c.Local().NetworkCost) + uint32(c.remote.NetworkCost)
}

func (c *Connection) setWriteState(state WriteState) {
	old := c.writeState
	c.writeState = state
	if state != old {
		c.log.Debugf("%v: write state %s -> %s", c, old, state)
		c.signalStateChange()
	}
}

func (c *Connection) setState(state CandidatePairState) {
	if state != c.state {
		c.log.Debugf("%v: pair state %s -> %s", c, c.state, state)
		c.state = state
	}
}

func (c *Connection) signalStateChange() {
	if c.onStateChange != nil {
		c.onStateChange(c)
	}
}

func (c *Connection) setNomination(nomination uint32) { c.nomination = nomination }

func (c *Connection) setUseCandidateAttr(enable bool) { c.useCandidateAttr = enable }

func (c *Connection) setRemoteIceMode(mode IceMode) { c.remoteIceMode = mode }

func (c *Connection) setSelected(selected bool) { c.selected = selected }

// conservativeRTT widens the RTT estimate so a response counts as late
// only well after it was expected.
func conservativeRTT(rtt time.Duration) time.Duration {
	return min(max(2*rtt, minimumRTT), maximumRTT)
}

func tooManyFailures(pings []SentPing, maxFailures int, rtt time.Duration, now time.Time) bool {
	if maxFailures <= 0 {
		return len(pings) > 0
	}
	if len(pings) < maxFailures {
		return false
	}

	return now.After(pings[maxFailures-1].SentAt.Add(rtt))
}

func tooLongWithoutResponse(pings []SentPing, maxTime time.Duration, now time.Time) bool {
	if len(pings) == 0 {
		return false
	}

	return now.After(pings[0].SentAt.Add(maxTime))
}

// UpdateState degrades writability of pairs whose checks go
// unanswered, refreshes the receiving state and destroys dead pairs.
func (c *Connection) UpdateState(now time.Time) {
	rtt := conservativeRTT(c.rtt)

	if c.writeState == WriteStateWritable &&
		tooManyFailures(c.pings, c.unwritableMinChecks, rtt, now) &&
		tooLongWithoutResponse(c.pings, c.unwritableTimeout, now) {
		c.log.Infof("%v: unwritable after %d unanswered pings, rtt %v", c, len(c.pings), rtt)
		c.setWriteState(WriteStateUnreliable)
	}

	if (c.writeState == WriteStateUnreliable || c.writeState == WriteStateInit) &&
		tooLongWithoutResponse(c.pings, c.inactiveTimeout, now) {
		c.log.Infof("%v: timed out after %v without response", c, now.Sub(c.pings[0].SentAt))
		// Late answers must not make a timed out pair writable again.
		c.requests.Clear()
		c.setWriteState(WriteStateTimeout)
	}

	c.UpdateReceiving(now)

	if c.Dead(now) {
		c.Destroy()
	}
}

// UpdateReceiving recomputes whether traffic arrived recently enough.
func (c *Connection) UpdateReceiving(now time.Time) {
	var receiving bool
	if c.lastPingSent.Before(c.lastPingResponseReceived) {
		// The last check was answered, which covers slowly pinged backup
		// pairs.
		receiving = true
	} else {
		last := c.LastReceived()
		receiving = !last.IsZero() && !now.After(last.Add(c.receivingTimeout))
	}

	if receiving == c.receiving {
		return
	}
	c.log.Debugf("%v: receiving %t", c, receiving)
	c.receiving = receiving
	c.receivingUnchangedSince = now
	c.signalStateChange()
}

// Dead reports whether the pair can be garbage collected.
func (c *Connection) Dead(now time.Time) bool {
	if last := c.LastReceived(); !last.IsZero() {
		if !now.After(last.Add(deadConnectionReceiveTimeout)) {
			return false
		}
		if len(c.pings) != 0 && now.Before(c.pings[0].SentAt.Add(deadConnectionReceiveTimeout)) {
			return false
		}

		return now.After(last.Add(c.trials.DeadConnectionTimeout))
	}

	if c.Active() {
		return false
	}

	return now.After(c.created.Add(minConnectionLifetime))
}

// Stable reports whether the RTT converged and no response is overdue.
func (c *Connection) Stable(now time.Time) bool {
	return c.rttSamples > rttRatio+1 && !c.missingResponses(now)
}

func (c *Connection) missingResponses(now time.Time) bool {
	if len(c.pings) == 0 {
		return false
	}

	return now.Sub(c.pings[0].SentAt) > 2*c.rtt
}

// TooManyOutstandingPings reports whether max checks are unanswered. A
// zero max disables the limit.
func (c *Connection) TooManyOutstandingPings(maxPings int) bool {
	if maxPings == 0 {
		return false
	}

	return len(c.pings) >= maxPings
}

// PairPriority is the RFC 5245 5.7.2 priority of a pair whose
// controlling side has priority g and controlled side d.
func PairPriority(g, d uint32) uint64 {
	priority := uint64(min(g, d))<<32 + 2*uint64(max(g, d))
	if g > d {
		priority++
	}

	return priority
}

// Priority returns the pair priority oriented by the current role.
func (c *Connection) Priority() uint64 {
	local, remote := c.Local().Priority, c.remote.Priority
	switch c.port.IceRole() {
	case IceRoleControlling:
		return PairPriority(local, remote)
	case IceRoleControlled:
		return PairPriority(remote, local)
	default:
		return 0
	}
}

func (c *Connection) prflxPriority() uint32 {
	typePreference := typePreferencePrflx
	if c.Local().Protocol == tcpProtocol {
		typePreference = typePreferencePrflxTCP
	}

	return typePreference<<24 | c.Local().Priority&0x00FFFFFF
}

// Prune stops checks on the pair. The remote side may still use it.
func (c *Connection) Prune() {
	if c.pruned && !c.Active() {
		return
	}
	c.log.Infof("%v: pruned", c)
	c.pruned = true
	c.requests.Clear()
	c.setWriteState(WriteStateTimeout)
}

// ForgetLearnedState resets the pair as if no check ever completed.
func (c *Connection) ForgetLearnedState() {
	c.log.Infof("%v: forgetting learned state", c)
	c.requests.Clear()
	c.receiving = false
	c.writeState = WriteStateInit
	c.rttEstimate.Reset()
	c.pings = nil
}

// Destroy releases the pair after the current task.
func (c *Connection) Destroy() {
	if c.destroyPending || c.destroyed {
		return
	}
	c.destroyPending = true
	c.sched.Post(c.shutdown)
}

// FailAndDestroy marks the pair failed before destroying it.
func (c *Connection) FailAndDestroy() {
	c.setState(CandidatePairStateFailed)
	c.Destroy()
}

func (c *Connection) shutdown() {
	c.destroyed = true
	c.requests.Clear()
	c.log.Infof("%v: destroyed", c)

	if c.onDestroyed != nil {
		c.onDestroyed(c)
	}
	c.port.base().onConnectionDestroyed(c)
}

func (c *Connection) Destroyed() bool { return c.destroyed }

// Send writes payload to the remote candidate.
func (c *Connection) Send(data []byte) (int, error) {
	c.stats.SentTotalPackets++
	n, err := c.port.base().sendTo(data, c.remote.Address)
	if err != nil {
		c.stats.SentDiscardedPackets++
		c.stats.SentDiscardedBytes += uint64(len(data))

		return n, err
	}
	c.stats.SentTotalBytes += uint64(n) //nolint:gosec

	return n, nil
}

// MaybeSetRemoteIceParametersAndGeneration fills in the password and
// generation of a remote candidate learned before its parameters.
func (c *Connection) MaybeSetRemoteIceParametersAndGeneration(ufrag, pwd string, generation uint32) {
	if c.remote.Username == ufrag && c.remote.Password == "" {
		c.remote.Password = pwd
	}
	if c.remote.Username == ufrag && c.remote.Password == pwd && c.remote.Generation == 0 {
		c.remote.Generation = generation
	}
}

// MaybeUpdatePeerReflexiveCandidate replaces a learned remote candidate
// with the signaled one it turned out to be.
func (c *Connection) MaybeUpdatePeerReflexiveCandidate(cand Candidate) {
	if c.remote.Type == CandidateTypePrflx && cand.Type != CandidateTypePrflx &&
		c.remote.Protocol == cand.Protocol &&
		c.remote.Address == cand.Address &&
		c.remote.Username == cand.Username &&
		c.remote.Password == cand.Password &&
		c.remote.Generation == cand.Generation {
		c.remote = cand
	}
}

// Ping sends a connectivity check.
func (c *Connection) Ping(now time.Time) {
	if c.pruned {
		c.log.Debugf("%v: not pinging pruned connection", c)

		return
	}

	c.lastPingSent = now

	var nomination uint32
	if c.useCandidateAttr {
		nomination = 1
	}
	if c.nomination > 0 {
		nomination = c.nomination
	}

	req := &connectionRequest{conn: c}
	msg, err := c.requests.Send(req)
	if err != nil {
		c.log.Errorf("%v: failed to build ping: %v", c, err)

		return
	}

	c.pings = append(c.pings, SentPing{ID: msg.TransactionID, SentAt: now, Nomination: nomination})
	c.log.Tracef("%v: sent %s id=%x nomination=%d", c, msg.Type, msg.TransactionID, c.nomination)
	c.setState(CandidatePairStateInProgress)
	c.numPingsSent++
}

func (c *Connection) buildPingRequest(m *stun.Message) error {
	base := c.port.base()
	setters := []stun.Setter{
		stun.BindingRequest,
		stun.NewUsername(c.remote.Username + ufragCredentialSeparator + c.port.UsernameFragment()),
		stunattr.NetworkInfo{ID: base.networkID(), Cost: base.networkCost()},
	}
	if c.trials.PiggybackIceCheckAcknowledgement && c.lastPingIDReceived != nil {
		setters = append(setters, stunattr.LastIceCheckReceived(c.lastPingIDReceived[:]))
	}

	if c.port.IceRole() == IceRoleControlling {
		setters = append(setters, ice.AttrControlling(c.port.IceTiebreaker()))
		if c.useCandidateAttr {
			setters = append(setters, ice.UseCandidate())
		}
		if c.nomination != 0 && c.nomination != c.ackedNomination {
			setters = append(setters, stunattr.Nomination(c.nomination))
		}
	} else {
		setters = append(setters, ice.AttrControlled(c.port.IceTiebreaker()))
	}

	setters = append(setters, ice.PriorityAttr(c.prflxPriority()))
	if base.sendRetransmitCount {
		setters = append(setters, stunattr.RetransmitCount(0))
	}
	if c.trials.EnableGoogPing && c.googPing == googPingUnknown {
		setters = append(setters, stunattr.MiscInfo{stunattr.GoogPingVersion})
	}
	setters = append(setters, stun.NewShortTermIntegrity(c.remote.Password), stun.Fingerprint)

	return m.Build(setters...)
}

// shouldSendGoogPing reports whether m only repeats the last binding
// request the peer answered.
func (c *Connection) shouldSendGoogPing(m *stun.Message) bool {
	return c.googPing == googPingSupported && c.cachedBinding != nil &&
		stunattr.EqualAttributes(c.cachedBinding, m,
			stun.AttrFingerprint, stun.AttrMessageIntegrity,
			stunattr.AttrRetransmitCount, stunattr.AttrGoogMiscInfo)
}

func (c *Connection) sendStunRequest(m *stun.Message) error {
	if _, err := c.port.base().sendTo(m.Raw, c.remote.Address); err != nil {
		return err
	}

	c.stats.SentPingRequestsTotal++
	if c.stats.RecvPingResponses == 0 {
		c.stats.SentPingRequestsBeforeFirstResponse++
	}

	return nil
}

// OnReadPacket handles a packet the port received from the remote
// address of the pair.
func (c *Connection) OnReadPacket(data []byte) {
	if c.destroyed {
		return
	}

	msg, remoteUfrag, isStun := c.port.base().getStunMessage(data, c.remote.Address)
	if !isStun {
		c.onData(data)

		return
	}
	if msg == nil {
		return
	}

	switch msg.Type {
	case stun.BindingRequest:
		if remoteUfrag != c.remote.Username {
			c.log.Errorf("%v: binding request with bad remote username %q", c, remoteUfrag)
			c.port.base().sendBindingErrorResponse(msg, c.remote.Address, codeUnauthorized, reasonUnauthorized)

			return
		}
		c.handleBindingOrGoogPingRequest(msg)
	case stun.BindingSuccess, stun.BindingError:
		if err := stun.NewShortTermIntegrity(c.remote.Password).Check(msg); err != nil {
			c.log.Debugf("%v: discarding %s with bad integrity", c, msg.Type)

			return
		}
		c.requests.CheckResponse(msg)
	case stun.NewType(stun.MethodBinding, stun.ClassIndication):
		c.receivedPing(msg.TransactionID)
	case stunattr.GoogPingRequest:
		c.handleBindingOrGoogPingRequest(msg)
	case stunattr.GoogPingResponse:
		if err := stunattr.NewMessageIntegrity32(c.remote.Password).Check(msg); err != nil {
			c.log.Debugf("%v: discarding %s with bad integrity", c, msg.Type)

			return
		}
		c.requests.CheckResponse(msg)
	case stunattr.GoogPingError:
		// Error responses to GOOG_PING carry no integrity. Matching the
		// transaction id only drops the cached request.
		c.requests.CheckResponse(msg)
	}
}

func (c *Connection) onData(data []byte) {
	now := c.sched.Now()
	c.lastDataReceived = now
	c.UpdateReceiving(now)
	c.stats.PacketsReceived++
	c.stats.RecvTotalBytes += uint64(len(data))

	if c.onReadPacket != nil {
		c.onReadPacket(c, data)
	}

	if !c.pruned && c.writeState == WriteStateTimeout {
		c.log.Warnf("%v: data on a timed out connection, restarting checks", c)
		c.restartChecks()
	}
}

// restartChecks moves a timed out pair back to init. Pings sent before
// the timeout no longer count against it.
func (c *Connection) restartChecks() {
	c.pings = nil
	c.requests.Clear()
	c.setWriteState(WriteStateInit)
}

func (c *Connection) receivedPing(id [stun.TransactionIDSize]byte) {
	now := c.sched.Now()
	c.lastPingReceived = now
	c.lastPingIDReceived = &id
	c.UpdateReceiving(now)
}

func (c *Connection) handleBindingOrGoogPingRequest(msg *stun.Message) { //nolint:cyclop
	if msg.Type == stun.BindingRequest &&
		!c.port.base().maybeIceRoleConflict(c.remote.Address, msg, c.remote.Username) {
		c.log.Infof("%v: peer request lost the role conflict", c)

		return
	}

	c.receivedPing(msg.TransactionID)
	c.stats.RecvPingRequests++

	now := c.sched.Now()
	if c.trials.ExtraIcePing && c.lastPingResponseReceived.IsZero() && c.relayedOrReflexive() {
		if !c.lastPingSent.Add(extraPingGap).After(now) {
			c.log.Infof("%v: sending extra ping, last one %v ago", c, now.Sub(c.lastPingSent))
			c.Ping(now)
		}
	}

	if msg.Type == stun.BindingRequest {
		c.sendBindingResponse(msg)
	} else {
		c.sendResponse(stun.NewTransactionIDSetter(msg.TransactionID), stunattr.GoogPingResponse,
			stunattr.NewMessageIntegrity32(c.port.Password()))
	}

	if !c.pruned && c.writeState == WriteStateTimeout {
		c.restartChecks()
	}

	if c.port.IceRole() == IceRoleControlled {
		var nomination stunattr.Nomination
		value := uint32(0)
		switch {
		case nomination.GetFrom(msg) == nil:
			value = uint32(nomination)
			if value == 0 {
				c.log.Errorf("%v: invalid nomination 0", c)
			}
		case ice.UseCandidateAttr{}.IsSet(msg):
			value = 1
		}

		// Pairs are never un-nominated.
		if value > c.remoteNomination {
			c.remoteNomination = value
			if c.onNominated != nil {
				c.onNominated(c)
			}
		}
	}

	var info stunattr.NetworkInfo
	if info.GetFrom(msg) == nil && info.Cost != c.remote.NetworkCost {
		c.remote.NetworkCost = info.Cost
		c.signalStateChange()
	}

	if c.trials.PiggybackIceCheckAcknowledgement {
		c.handlePiggybackAcknowledgement(msg)
	}
}

func (c *Connection) relayedOrReflexive() bool {
	local := c.Local().Type

	return local == CandidateTypeRelay || local == CandidateTypePrflx ||
		c.remote.Type == CandidateTypeRelay || c.remote.Type == CandidateTypePrflx
}

func (c *Connection) sendBindingResponse(req *stun.Message) {
	setters := []stun.Setter{stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess}

	var retransmit stunattr.RetransmitCount
	if retransmit.GetFrom(req) == nil {
		setters = append(setters, retransmit)
	}

	setters = append(setters, &stun.XORMappedAddress{
		IP:   c.remote.Address.Addr().AsSlice(),
		Port: int(c.remote.Address.Port()),
	})

	if c.trials.AnnounceGoogPing {
		var info stunattr.MiscInfo
		if info.GetFrom(req) == nil && info.At(stunattr.MiscInfoGoogPingVersion) >= stunattr.GoogPingVersion {
			setters = append(setters, stunattr.MiscInfo{stunattr.GoogPingVersion})
		}
	}

	setters = append(setters, stun.NewShortTermIntegrity(c.port.Password()), stun.Fingerprint)
	c.sendResponse(setters...)
}

func (c *Connection) sendResponse(setters ...stun.Setter) {
	msg, err := stun.Build(setters...)
	if err != nil {
		c.log.Errorf("%v: failed to build response: %v", c, err)

		return
	}
	if _, err = c.port.base().sendTo(msg.Raw, c.remote.Address); err != nil {
		c.log.Debugf("%v: failed to send %s: %v", c, msg.Type, err)

		return
	}
	c.stats.SentPingResponses++
}

func (c *Connection) handlePiggybackAcknowledgement(msg *stun.Message) {
	var id stunattr.LastIceCheckReceived
	if id.GetFrom(msg) != nil {
		return
	}

	i := slices.IndexFunc(c.pings, func(p SentPing) bool { return bytes.Equal(p.ID[:], id) })
	if i < 0 {
		return
	}
	ping := c.pings[i]
	rtt := c.sched.Now().Sub(ping.SentAt)
	c.log.Tracef("%v: piggybacked acknowledgement of %x, rtt %v", c, ping.ID, rtt)
	c.receivedPingResponse(rtt, ping.Nomination, true)
}

// receivedPingResponse records a verified answer to one of our checks.
func (c *Connection) receivedPingResponse(rtt time.Duration, nomination uint32, hasNomination bool) {
	if hasNomination && nomination > c.ackedNomination {
		c.ackedNomination = nomination
	}

	now := c.sched.Now()
	c.totalRTT += rtt
	c.currentRTT = rtt
	c.rttEstimate.AddSample(now, float64(rtt.Milliseconds()))
	c.pings = nil
	c.lastPingResponseReceived = now
	c.UpdateReceiving(now)
	if c.writeState == WriteStateTimeout {
		// A timed out pair passes through init before it is writable.
		c.log.Infof("%v: answered after timing out, restarting checks", c)
		c.restartChecks()
	} else {
		c.setWriteState(WriteStateWritable)
	}
	c.setState(CandidatePairStateSucceeded)

	if c.rttSamples > 0 {
		c.rtt = time.Duration((rttRatio*c.rtt.Milliseconds()+rtt.Milliseconds())/(rttRatio+1)) * time.Millisecond
	} else {
		c.rtt = rtt.Truncate(time.Millisecond)
	}
	c.rttSamples++
}

func (c *Connection) onRequestResponse(req *connectionRequest, response *stun.Message, rtt time.Duration) {
	var (
		nomination    uint32
		hasNomination bool
	)
	id := response.TransactionID
	if i := slices.IndexFunc(c.pings, func(p SentPing) bool { return p.ID == id }); i >= 0 {
		nomination, hasNomination = c.pings[i].Nomination, true
	}

	if !c.Writable() {
		c.log.Infof("%v: received %s id=%x rtt=%v", c, response.Type, id, rtt)
	} else {
		c.log.Tracef("%v: received %s id=%x rtt=%v", c, response.Type, id, rtt)
	}

	c.receivedPingResponse(rtt, nomination, hasNomination)
	c.stats.RecvPingResponses++

	if req.msg.Type != stun.BindingRequest {
		return
	}

	if c.googPing == googPingUnknown {
		var info stunattr.MiscInfo
		if info.GetFrom(response) == nil && info.At(stunattr.MiscInfoGoogPingVersion) >= stunattr.GoogPingVersion {
			c.googPing = googPingSupported
		} else {
			c.googPing = googPingUnsupported
		}
	}

	c.maybeUpdateLocalCandidate(req.msg, response)

	if c.trials.EnableGoogPing && c.googPing == googPingSupported {
		c.cachedBinding = req.msg
	}
}

func (c *Connection) onRequestErrorResponse(req *connectionRequest, response *stun.Message, rtt time.Duration) {
	var code stun.ErrorCodeAttribute
	_ = code.GetFrom(response)
	c.log.Warnf("%v: received %s code=%d rtt=%v", c, response.Type, code.Code, rtt)

	c.cachedBinding = nil

	switch {
	case code.Code == codeUnknownAttribute, code.Code == codeServerError,
		code.Code == codeUnauthorized, code.Code == codeStaleCredentials:
		// Retried by the next scheduled check.
	case code.Code == codeRoleConflict:
		c.port.base().signalRoleConflict()
	case req.msg.Type == stunattr.GoogPingRequest:
		// Races with a credential change, the next check is a binding
		// request again.
	default:
		c.log.Errorf("%v: STUN error %d, destroying connection", c, code.Code)
		c.FailAndDestroy()
	}
}

// maybeUpdateLocalCandidate learns the local candidate the peer sees
// from XOR-MAPPED-ADDRESS.
func (c *Connection) maybeUpdateLocalCandidate(req, response *stun.Message) {
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(response); err != nil {
		c.log.Warnf("%v: binding response without XOR-MAPPED-ADDRESS", c)

		return
	}
	addr, ok := addrPortFromUDP(&net.UDPAddr{IP: mapped.IP, Port: mapped.Port})
	if !ok {
		return
	}

	base := c.port.base()
	if i := base.candidateIndex(addr); i >= 0 {
		if i != c.localIndex {
			c.log.Infof("%v: local candidate is now %s", c, base.candidates[i].Type)
			c.localIndex = i
			c.signalStateChange()
		}

		return
	}

	var priority ice.PriorityAttr
	if err := priority.GetFrom(req); err != nil {
		c.log.Warnf("%v: binding request without PRIORITY", c)

		return
	}

	local := c.Local()
	local.ID = newCandidateID()
	local.Type = CandidateTypePrflx
	local.RelatedAddress = local.Address
	local.Foundation = ComputeFoundation(CandidateTypePrflx, local.Protocol, local.RelayProtocol, local.Address.Addr())
	local.Priority = uint32(priority)
	local.Address = addr

	c.log.Infof("%v: learned local prflx candidate %s", c, addr)
	c.localIndex = base.AddPrflxCandidate(local)
	c.signalStateChange()
}

func addrPortFromUDP(addr *net.UDPAddr) (netip.AddrPort, bool) {
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}

	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), true //nolint:gosec
}

func (c *Connection) onRequestTimeout(req *connectionRequest) {
	c.log.Debugf("%v: %s timed out", c, req.msg.Type)
}

// Stats returns a snapshot of the pair.
func (c *Connection) Stats() ConnectionInfo {
	info := c.stats
	info.ID = c.id
	info.Local = c.Local()
	info.Remote = c.remote
	info.Writable = c.Writable()
	info.Receiving = c.receiving
	info.Timeout = c.writeState == WriteStateTimeout
	info.New = !c.reported
	info.Selected = c.selected
	info.Nominated = c.Nominated()
	info.State = c.state
	info.Priority = c.Priority()
	info.RTT = c.rtt
	info.TotalRoundTripTime = c.totalRTT
	info.CurrentRoundTripTime = c.currentRTT
	info.LastDataReceived = c.lastDataReceived

	return info
}

func (c *Connection) String() string {
	w := map[WriteState]string{
		WriteStateWritable:   "W",
		WriteStateUnreliable: "w",
		WriteStateInit:       "-",
		WriteStateTimeout:    "x",
	}[c.writeState]
	r := "-"
	if c.receiving {
		r = "R"
	}

	return fmt.Sprintf("Conn[%d:%s->%s|%s%s|%s|%d|%v]",
		c.id, c.Local().Address, c.remote.Address, w, r, c.state, c.remoteNomination, c.rtt)
}

// connectionRequest is a connectivity check of a Connection.
type connectionRequest struct {
	conn *Connection
	msg  *stun.Message
}

func (r *connectionRequest) Prepare(m *stun.Message) error {
	r.msg = m
	if err := r.conn.buildPingRequest(m); err != nil {
		return err
	}
	if r.conn.shouldSendGoogPing(m) {
		return m.Build(stunattr.GoogPingRequest, stunattr.NewMessageIntegrity32(r.conn.remote.Password))
	}

	return nil
}

func (r *connectionRequest) OnResponse(m *stun.Message, elapsed time.Duration) {
	r.conn.onRequestResponse(r, m, elapsed)
}

func (r *connectionRequest) OnErrorResponse(m *stun.Message, elapsed time.Duration) {
	r.conn.onRequestErrorResponse(r, m, elapsed)
}

func (r *connectionRequest) OnTimeout() {
	r.conn.onRequestTimeout(r)
}

func (r *connectionRequest) Timeout() time.Duration {
	return connectionResponseTimeout
}
