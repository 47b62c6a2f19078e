// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/p2p/internal/stunattr"
	"github.com/pion/p2p/internal/taskloop"
	"github.com/pion/p2p/internal/util"
	"github.com/pion/stun/v3"
	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"
)

// IceParameters are the ICE credentials of one side for one generation.
type IceParameters struct {
	Ufrag string
	Pwd   string
	// Renomination is set when the side supports the NOMINATION
	// attribute.
	Renomination bool
}

// iceCredentialsChanged reports whether an ICE restart happened.
func iceCredentialsChanged(oldUfrag, oldPwd, newUfrag, newPwd string) bool {
	return oldUfrag != newUfrag || oldPwd != newPwd
}

// CandidatePair is a local and a remote candidate.
type CandidatePair struct {
	Local  Candidate
	Remote Candidate
}

func (p CandidatePair) String() string {
	return fmt.Sprintf("%s <-> %s", p.Local, p.Remote)
}

// CandidatePairChangeEvent describes a change of the selected pair.
type CandidatePairChangeEvent struct {
	Reason           string
	SelectedPair     CandidatePair
	LastDataReceived time.Time
	// EstimatedDisconnectedTime is how long the previous pair had been
	// silent. Zero for the first selection.
	EstimatedDisconnectedTime time.Duration
}

// RouteEndpoint is one side of a network route.
type RouteEndpoint struct {
	AdapterType AdapterType
	AdapterID   uint16
	NetworkID   uint16
	Relay       bool
}

// NetworkRoute describes the path packets take over the selected pair.
type NetworkRoute struct {
	Connected      bool
	Local          RouteEndpoint
	Remote         RouteEndpoint
	PacketOverhead int
}

// ChannelConfig collects the inputs of a Channel.
type ChannelConfig struct {
	// Allocator gathers the local ports. Required.
	Allocator PortAllocator

	// Scheduler is the network context. The channel creates and owns
	// one when nil.
	Scheduler     Scheduler
	LoggerFactory logging.LoggerFactory

	IceConfig IceConfig
	// FieldTrials is "key:value,key2:value2", parsed once.
	FieldTrials string

	Component     int
	TransportName string

	// IceControllerFactory defaults to NewBasicIceController.
	IceControllerFactory IceControllerFactory

	// Net resolves hostname candidates. Defaults to the allocator's
	// network when it has one.
	Net transport.Net
}

type hostnameResolver struct {
	candidate Candidate
}

// Channel runs ICE for one component: it gathers local ports, pairs
// them with remote candidates, checks the pairs and selects the one to
// send on. Methods may be called from any Goroutine, handlers are
// called in order from the scheduler's notification context.
type Channel struct {
	sched         Scheduler
	ownsScheduler bool
	log           logging.LeveledLogger
	allocator     PortAllocator
	net           transport.Net
	controller    IceController

	transportName string
	component     int
	config        IceConfig
	trials        FieldTrials

	role          IceRole
	roleSwitched  bool
	tiebreaker    uint64
	iceParameters IceParameters
	// remoteIceParameters holds every remote generation, the last one
	// is current.
	remoteIceParameters []IceParameters
	remoteIceMode       IceMode

	sessions         []PortAllocatorSession
	ports            []Port
	prunedPorts      []Port
	remoteCandidates []Candidate
	resolvers        []*hostnameResolver
	resolving        sync.WaitGroup

	selected            *Connection
	nomination          uint32
	selectedPairChanges int
	lastPingSent        time.Time
	networkRoute        *NetworkRoute

	hadConnection   bool
	hasBeenWritable bool
	writable        bool
	receiving       bool
	state           TransportState
	iceState        IceTransportState
	gatheringState  GatheringState
	sortDirty       bool
	startedPinging  bool
	stopPingLoop    func() bool
	closed          atomic.Bool

	onCandidateGathered       func(Candidate)
	onGatheringStateChange    func(GatheringState)
	onStateChange             func(TransportState)
	onIceTransportStateChange func(IceTransportState)
	onWritableState           func(bool)
	onReceivingState          func(bool)
	onReadyToSend             func()
	onReadPacket              func([]byte)
	onRouteChange             func(Candidate)
	onNetworkRouteChanged     func(*NetworkRoute)
	onCandidatePairChanged    func(CandidatePairChangeEvent)
	onRoleConflict            func(IceRole)
}

// NewChannel creates a channel. Gathering starts with MaybeStartGathering
// once the local ICE parameters are set.
func NewChannel(config ChannelConfig) (*Channel, error) {
	if config.Allocator == nil {
		return nil, &InvalidAccessError{Err: ErrNoPortAllocator}
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.Component == 0 {
		config.Component = defaultComponent
	}
	if err := config.IceConfig.Validate(); err != nil {
		return nil, &InvalidAccessError{Err: err}
	}

	trials, err := ParseFieldTrials(config.FieldTrials)
	if err != nil {
		return nil, &InvalidAccessError{Err: err}
	}

	tiebreaker, err := util.GenerateTiebreaker()
	if err != nil {
		return nil, err
	}

	n := config.Net
	if n == nil {
		if withNet, ok := config.Allocator.(interface{ Net() transport.Net }); ok {
			n = withNet.Net()
		} else if n, err = stdnet.NewNet(); err != nil {
			return nil, err
		}
	}

	c := &Channel{
		sched:          config.Scheduler,
		log:            config.LoggerFactory.NewLogger("ice-channel"),
		allocator:      config.Allocator,
		net:            n,
		transportName:  config.TransportName,
		component:      config.Component,
		config:         config.IceConfig,
		trials:         trials,
		tiebreaker:     tiebreaker,
		state:          TransportStateInit,
		iceState:       IceTransportStateNew,
		gatheringState: GatheringStateNew,
	}
	if c.sched == nil {
		c.sched = NewScheduler()
		c.ownsScheduler = true
	}

	for _, key := range trials.UnknownKeys() {
		c.log.Warnf("Ignoring unknown field trial %q", key)
	}

	factory := config.IceControllerFactory
	if factory == nil {
		factory = NewBasicIceController
	}
	c.controller = factory(IceControllerConfig{
		Now:                c.sched.Now,
		TransportState:     func() TransportState { return c.state },
		IceRole:            func() IceRole { return c.role },
		IsConnectionPruned: c.isConnectionPruned,
		FieldTrials:        trials,
		LoggerFactory:      config.LoggerFactory,
	})
	c.controller.SetIceConfig(c.config)

	return c, nil
}

// run executes fn on the network context.
func (c *Channel) run(fn func()) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}

	err := c.sched.Run(context.Background(), func() {
		if c.closed.Load() {
			return
		}
		fn()
	})
	if errors.Is(err, taskloop.ErrClosed) {
		return ErrChannelClosed
	}

	return err
}

// notify delivers a handler call off the network context.
func notify[T any](c *Channel, handler func(T), value T) {
	if handler != nil {
		c.sched.Notify(func() { handler(value) })
	}
}

// SetIceRole changes the role on every port, pruned ones included, so
// their surviving connections ping with the right role.
func (c *Channel) SetIceRole(role IceRole) error {
	return c.run(func() { c.setIceRole(role) })
}

func (c *Channel) setIceRole(role IceRole) {
	if c.role == role {
		return
	}

	c.log.Infof("ICE role %s -> %s", c.role, role)
	c.role = role
	for _, port := range c.ports {
		port.SetIceRole(role)
	}
	for _, port := range c.prunedPorts {
		port.SetIceRole(role)
	}
}

// IceRole returns the current role.
func (c *Channel) IceRole() IceRole {
	var role IceRole
	_ = c.run(func() { role = c.role })

	return role
}

// SetIceTiebreaker sets the role conflict tiebreaker. It cannot change
// once ports exist.
func (c *Channel) SetIceTiebreaker(tiebreaker uint64) error {
	var err error
	if runErr := c.run(func() {
		if len(c.ports) != 0 || len(c.prunedPorts) != 0 {
			err = &InvalidStateError{Err: ErrTiebreakerWithPorts}

			return
		}
		c.tiebreaker = tiebreaker
	}); runErr != nil {
		return runErr
	}

	return err
}

// SetIceParameters sets the local credentials. New credentials restart
// gathering on the next MaybeStartGathering.
func (c *Channel) SetIceParameters(params IceParameters) error {
	return c.run(func() {
		c.log.Infof("Local ICE ufrag %s", params.Ufrag)
		c.iceParameters = params
	})
}

// SetRemoteIceParameters adds a remote generation, or updates the
// current one when the credentials did not change.
func (c *Channel) SetRemoteIceParameters(params IceParameters) error {
	return c.run(func() { c.setRemoteIceParameters(params) })
}

func (c *Channel) setRemoteIceParameters(params IceParameters) {
	if current := c.remoteIce(); current == nil || *current != params {
		c.log.Infof("Remote ICE ufrag %s", params.Ufrag)
		c.remoteIceParameters = append(c.remoteIceParameters, params)
	}

	for i := range c.remoteCandidates {
		cand := &c.remoteCandidates[i]
		if cand.Username == params.Ufrag && cand.Password == "" {
			cand.Password = params.Pwd
		}
	}

	generation := c.remoteIceGeneration()
	for _, conn := range c.controller.Connections() {
		conn.MaybeSetRemoteIceParametersAndGeneration(params.Ufrag, params.Pwd, generation)
	}

	c.requestSortAndStateUpdate(IceSwitchReasonRemoteCandidateGenerationChange)
}

func (c *Channel) remoteIce() *IceParameters {
	if len(c.remoteIceParameters) == 0 {
		return nil
	}

	return &c.remoteIceParameters[len(c.remoteIceParameters)-1]
}

func (c *Channel) remoteIceGeneration() uint32 {
	if len(c.remoteIceParameters) == 0 {
		return 0
	}

	return uint32(len(c.remoteIceParameters) - 1) //nolint:gosec
}

// findRemoteIceFromUfrag returns the newest remote generation with
// ufrag.
func (c *Channel) findRemoteIceFromUfrag(ufrag string) (*IceParameters, uint32, bool) {
	for i := len(c.remoteIceParameters) - 1; i >= 0; i-- {
		if c.remoteIceParameters[i].Ufrag == ufrag {
			return &c.remoteIceParameters[i], uint32(i), true //nolint:gosec
		}
	}

	return nil, 0, false
}

// SetRemoteIceMode tells whether the remote side is a full or lite
// agent.
func (c *Channel) SetRemoteIceMode(mode IceMode) error {
	return c.run(func() {
		c.remoteIceMode = mode
		for _, conn := range c.controller.Connections() {
			conn.setRemoteIceMode(mode)
		}
	})
}

// SetIceConfig replaces the timing knobs. The gathering policy cannot
// change once gathering started.
func (c *Channel) SetIceConfig(config IceConfig) error {
	if err := config.Validate(); err != nil {
		return &InvalidAccessError{Err: err}
	}

	return c.run(func() { c.setIceConfig(config) })
}

func (c *Channel) setIceConfig(config IceConfig) {
	if config.ContinualGatheringPolicy != c.config.ContinualGatheringPolicy && len(c.sessions) != 0 {
		c.log.Errorf("Cannot change the continual gathering policy once gathering started")
		config.ContinualGatheringPolicy = c.config.ContinualGatheringPolicy
	}

	networkPreferenceChanged := config.NetworkPreference != c.config.NetworkPreference
	c.config = config
	c.controller.SetIceConfig(c.config)
	for _, conn := range c.controller.Connections() {
		conn.setIceConfig(&c.config)
	}

	if networkPreferenceChanged {
		c.requestSortAndStateUpdate(IceSwitchReasonNetworkPreferenceChange)
	}
}

// MaybeStartGathering starts a new allocator session on the first call
// and after every ICE restart. It does nothing without local
// credentials.
func (c *Channel) MaybeStartGathering() error {
	return c.run(c.maybeStartGathering)
}

func (c *Channel) maybeStartGathering() {
	if c.iceParameters.Ufrag == "" || c.iceParameters.Pwd == "" {
		c.log.Errorf("Cannot gather candidates without ICE credentials")

		return
	}

	if len(c.sessions) != 0 {
		last := c.sessions[len(c.sessions)-1]
		if !iceCredentialsChanged(last.IceUfrag(), last.IcePwd(), c.iceParameters.Ufrag, c.iceParameters.Pwd) {
			return
		}
		c.log.Infof("ICE restart, ufrag %s -> %s", last.IceUfrag(), c.iceParameters.Ufrag)
	}

	c.setGatheringState(GatheringStateGathering)

	for _, session := range c.sessions {
		if !session.IsStopped() {
			session.StopGettingPorts()
		}
	}

	params := SessionParams{
		ContentName: c.transportName,
		Component:   c.component,
		Ufrag:       c.iceParameters.Ufrag,
		Pwd:         c.iceParameters.Pwd,
	}

	if pooled := c.allocator.TakePooledSession(params); pooled != nil {
		c.log.Infof("Using a pooled allocator session")
		c.addAllocatorSession(pooled)
		c.onCandidatesReady(pooled, pooled.ReadyCandidates())
		for _, port := range pooled.ReadyPorts() {
			c.onPortReady(pooled, port)
		}
		if pooled.CandidatesAllocationDone() {
			c.onCandidatesAllocationDone(pooled)
		}

		return
	}

	session := c.allocator.CreateSession(params)
	c.addAllocatorSession(session)
	session.StartGettingPorts()
}

func (c *Channel) addAllocatorSession(session PortAllocatorSession) {
	session.SetGeneration(uint32(len(c.sessions))) //nolint:gosec
	session.OnPortReady(c.onPortReady)
	session.OnCandidatesReady(c.onCandidatesReady)
	session.OnCandidatesAllocationDone(c.onCandidatesAllocationDone)

	if len(c.sessions) != 0 {
		c.sessions[len(c.sessions)-1].PruneAllPorts()
	}
	c.sessions = append(c.sessions, session)

	// Remote candidates now only go to the ports of the new session.
	c.prunedPorts = append(c.prunedPorts, c.ports...)
	c.ports = nil
}

func (c *Channel) allocatorSession() PortAllocatorSession {
	if len(c.sessions) == 0 {
		return nil
	}

	return c.sessions[len(c.sessions)-1]
}

func (c *Channel) isGettingPorts() bool {
	session := c.allocatorSession()

	return session != nil && session.IsGettingPorts()
}

// maybeStopPortAllocatorSessions stops gathering once a pair is strongly
// connected. With continual gathering the newest session keeps running
// so it can react to network changes.
func (c *Channel) maybeStopPortAllocatorSessions() {
	if !c.isGettingPorts() {
		return
	}

	for _, session := range c.sessions {
		switch {
		case session.IsStopped():
		case c.config.continualGathering() && session == c.allocatorSession():
			session.ClearGettingPorts()
		default:
			session.StopGettingPorts()
		}
	}
}

func (c *Channel) setGatheringState(state GatheringState) {
	if c.gatheringState == state {
		return
	}
	c.log.Infof("Gathering state %s -> %s", c.gatheringState, state)
	c.gatheringState = state
	notify(c, c.onGatheringStateChange, state)
}

func (c *Channel) onPortReady(session PortAllocatorSession, port Port) {
	if c.closed.Load() {
		return
	}

	port.SetIceRole(c.role)
	port.SetIceTiebreaker(c.tiebreaker)
	port.OnUnknownAddress(c.onUnknownAddress)
	port.OnRoleConflict(c.onPortRoleConflict)
	port.OnDestroyed(c.onPortDestroyed)

	if session != c.allocatorSession() {
		c.log.Debugf("%v is from a replaced session", port)
		c.prunedPorts = append(c.prunedPorts, port)
		port.Prune()

		return
	}

	c.log.Infof("Port ready: %v", port)
	c.ports = append(c.ports, port)

	for _, cand := range c.remoteCandidates {
		c.createConnection(port, cand)
	}

	c.sortConnectionsAndUpdateState(IceSwitchReasonNewConnectionFromLocalCandidate)
}

func (c *Channel) onCandidatesReady(_ PortAllocatorSession, candidates []Candidate) {
	if c.closed.Load() {
		return
	}
	for _, cand := range candidates {
		c.log.Debugf("Gathered %v", cand)
		notify(c, c.onCandidateGathered, cand)
	}
}

func (c *Channel) onCandidatesAllocationDone(session PortAllocatorSession) {
	if c.closed.Load() || session != c.allocatorSession() {
		return
	}
	if c.config.continualGathering() {
		c.log.Infof("Gathering continues for network changes")

		return
	}

	c.setGatheringState(GatheringStateComplete)
	c.updateTransportState()
}

func (c *Channel) onPortDestroyed(port Port) {
	c.ports = slices.DeleteFunc(c.ports, func(p Port) bool { return p == port })
	c.prunedPorts = slices.DeleteFunc(c.prunedPorts, func(p Port) bool { return p == port })
	c.log.Infof("Removed %v, %d ports remain", port, len(c.ports))
}

// onPortRoleConflict yields the role to the peer and reorders the
// connections for it.
func (c *Channel) onPortRoleConflict(Port) {
	// Late answers to checks sent with the old role report the same
	// conflict again.
	if c.roleSwitched {
		c.log.Warnf("Repeated role conflict, staying %s", c.role)

		return
	}
	c.roleSwitched = true

	role := c.role.Reverse()
	c.log.Infof("Role conflict, switching to %s", role)
	c.setIceRole(role)
	notify(c, c.onRoleConflict, role)
	c.requestSortAndStateUpdate(IceSwitchReasonConnectStateChange)
}

// AddRemoteCandidate pairs a signaled candidate with every port.
// Hostname candidates are resolved first.
func (c *Channel) AddRemoteCandidate(cand Candidate) error {
	if !cand.Address.Addr().IsValid() && cand.Hostname == "" {
		return &InvalidAccessError{Err: ErrCandidateNoAddress}
	}

	return c.run(func() { c.addRemoteCandidate(cand) })
}

func (c *Channel) addRemoteCandidate(cand Candidate) {
	generation := c.remoteCandidateGeneration(cand)
	if generation < c.remoteIceGeneration() {
		c.log.Warnf("Dropping %v of old generation %d", cand, generation)

		return
	}

	cand.Generation = generation
	if remote := c.remoteIce(); remote != nil {
		if cand.Username == "" {
			cand.Username = remote.Ufrag
		}
		if cand.Username == remote.Ufrag {
			if cand.Password == "" {
				cand.Password = remote.Pwd
			}
		} else {
			// The password arrives with the next remote generation.
			c.log.Warnf("%v belongs to a future generation", cand)
		}
	}

	if cand.IsUnresolved() {
		c.resolveHostnameCandidate(cand)

		return
	}

	c.finishAddingRemoteCandidate(cand)
}

func (c *Channel) remoteCandidateGeneration(cand Candidate) uint32 {
	if cand.Username != "" {
		if _, generation, ok := c.findRemoteIceFromUfrag(cand.Username); ok {
			return generation
		}

		// Unknown ufrags belong to the next generation.
		return uint32(len(c.remoteIceParameters)) //nolint:gosec
	}
	if cand.Generation > 0 {
		return cand.Generation
	}

	return c.remoteIceGeneration()
}

func (c *Channel) resolveHostnameCandidate(cand Candidate) {
	resolver := &hostnameResolver{candidate: cand}
	c.resolvers = append(c.resolvers, resolver)
	c.log.Debugf("Resolving %s", cand.Hostname)

	c.resolving.Add(1)
	go func() {
		defer c.resolving.Done()

		addr, err := c.net.ResolveUDPAddr(udpProtocol, hostPort(cand.Hostname, cand.Address.Port()))
		c.sched.Post(func() { c.onHostnameResolved(resolver, addr, err) })
	}()
}

func (c *Channel) onHostnameResolved(resolver *hostnameResolver, addr *net.UDPAddr, err error) {
	i := slices.Index(c.resolvers, resolver)
	if c.closed.Load() || i < 0 {
		return
	}
	c.resolvers = slices.Delete(c.resolvers, i, i+1)

	cand := resolver.candidate
	if err != nil {
		c.log.Warnf("Failed to resolve %s: %v", cand.Hostname, err)

		return
	}
	resolved, ok := addrPortFromUDP(addr)
	if !ok {
		c.log.Warnf("Resolved %s to unusable address %v", cand.Hostname, addr)

		return
	}

	cand.Address = netip.AddrPortFrom(resolved.Addr(), cand.Address.Port())
	c.log.Debugf("Resolved %s to %s", cand.Hostname, cand.Address)
	c.finishAddingRemoteCandidate(cand)
}

func (c *Channel) finishAddingRemoteCandidate(cand Candidate) {
	// cand may be what was taken for a peer reflexive candidate.
	for _, conn := range c.controller.Connections() {
		conn.MaybeUpdatePeerReflexiveCandidate(cand)
	}

	c.createConnections(cand)
	c.sortConnectionsAndUpdateState(IceSwitchReasonNewConnectionFromRemoteCandidate)
}

// RemoveRemoteCandidate forgets a remote candidate, cancels its pending
// resolution and destroys its connections.
func (c *Channel) RemoveRemoteCandidate(cand Candidate) error {
	return c.run(func() {
		c.resolvers = slices.DeleteFunc(c.resolvers, func(r *hostnameResolver) bool {
			return matchesForRemoval(cand, r.candidate)
		})
		c.remoteCandidates = slices.DeleteFunc(c.remoteCandidates, func(r Candidate) bool {
			return matchesForRemoval(cand, r)
		})
		for _, conn := range c.controller.Connections() {
			if matchesForRemoval(cand, conn.Remote()) {
				c.log.Infof("Destroying %v of removed candidate", conn)
				conn.Destroy()
			}
		}
	})
}

// matchesForRemoval also matches the resolved form of a hostname
// candidate removed by name.
func matchesForRemoval(removed, cand Candidate) bool {
	if removed.IsUnresolved() && cand.Hostname == removed.Hostname {
		cand.Address = netip.AddrPortFrom(netip.Addr{}, cand.Address.Port())
	}

	return removed.MatchesForRemoval(cand)
}

// createConnections pairs remote with every port. Candidates seen
// before are skipped so pruned connections stay pruned.
func (c *Channel) createConnections(remote Candidate) {
	if c.isDuplicateRemoteCandidate(remote) {
		c.log.Debugf("Ignoring duplicate %v", remote)

		return
	}

	for i := len(c.ports) - 1; i >= 0; i-- {
		c.createConnection(c.ports[i], remote)
	}

	c.rememberRemoteCandidate(remote)
}

func (c *Channel) createConnection(port Port, remote Candidate) bool {
	if !port.SupportsProtocol(remote.Protocol) {
		return false
	}
	if c.trials.SkipRelayToNonRelayConnections && port.Type() != remote.Type &&
		(port.Type() == CandidateTypeRelay || remote.Type == CandidateTypeRelay) {
		c.log.Debugf("Not pairing %v with %v", port, remote)

		return false
	}

	existing := port.GetConnection(remote.Address)
	if existing == nil || existing.Remote().Generation < remote.Generation {
		conn := port.CreateConnection(remote)
		if conn == nil {
			return false
		}
		c.addConnection(conn)

		return true
	}

	if !remote.IsEquivalent(existing.Remote()) {
		c.log.Infof("Not replacing remote candidate %v of %v", remote, existing)
	}

	return false
}

func (c *Channel) isDuplicateRemoteCandidate(cand Candidate) bool {
	return slices.ContainsFunc(c.remoteCandidates, func(r Candidate) bool {
		return r.IsEquivalent(cand)
	})
}

// rememberRemoteCandidate keeps cand for future ports and drops
// candidates of older generations.
func (c *Channel) rememberRemoteCandidate(cand Candidate) {
	c.remoteCandidates = slices.DeleteFunc(c.remoteCandidates, func(r Candidate) bool {
		if r.Generation < cand.Generation {
			c.log.Debugf("Pruning %v of older generation", r)

			return true
		}

		return false
	})

	if c.isDuplicateRemoteCandidate(cand) {
		return
	}
	c.remoteCandidates = append(c.remoteCandidates, cand)
}

func (c *Channel) addConnection(conn *Connection) {
	conn.setIceConfig(&c.config)
	conn.setFieldTrials(c.trials)
	conn.setRemoteIceMode(c.remoteIceMode)
	conn.onReadPacket = c.onConnectionReadPacket
	conn.onStateChange = c.onConnectionStateChange
	conn.onDestroyed = c.onConnectionDestroyed
	conn.onNominated = c.onNominated

	c.hadConnection = true
	c.log.Infof("Created %v", conn)
	c.controller.AddConnection(conn)
}

// onUnknownAddress pairs the port with the sender of a valid check no
// connection exists for, learning a peer reflexive candidate if the
// address was never signaled.
func (c *Channel) onUnknownAddress(port Port, addr netip.AddrPort, protocol string, req *stun.Message, remoteUfrag string) {
	if c.closed.Load() {
		return
	}

	var known *Candidate
	for i := range c.remoteCandidates {
		r := &c.remoteCandidates[i]
		if r.Username == remoteUfrag && r.Address == addr && r.Protocol == protocol {
			known = r

			break
		}
	}

	// The check may come before the remote candidates.
	var remotePwd string
	params, generation, ok := c.findRemoteIceFromUfrag(remoteUfrag)
	if ok {
		remotePwd = params.Pwd
	}

	var remote Candidate
	if known != nil {
		remote = *known
	} else {
		var priority ice.PriorityAttr
		if err := priority.GetFrom(req); err != nil {
			c.log.Warnf("Check from %s without PRIORITY", addr)
			port.base().sendBindingErrorResponse(req, addr, codeBadRequest, reasonBadRequest)

			return
		}

		var info stunattr.NetworkInfo
		_ = info.GetFrom(req)

		remote = Candidate{
			ID:          newCandidateID(),
			Component:   c.component,
			Protocol:    protocol,
			Address:     addr,
			Priority:    uint32(priority),
			Username:    remoteUfrag,
			Password:    remotePwd,
			Type:        CandidateTypePrflx,
			Generation:  generation,
			NetworkID:   info.ID,
			NetworkCost: info.Cost,
		}
		if protocol == tcpProtocol {
			remote.TCPType = ice.TCPTypeActive
		}
		// Any value unlike the other remote foundations.
		remote.Foundation = strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(remote.ID))), 10)
	}

	if port.GetConnection(remote.Address) != nil {
		c.log.Errorf("%v already has a connection to %s", port, addr)

		return
	}

	conn := port.CreateConnection(remote)
	if conn == nil {
		port.base().sendBindingErrorResponse(req, addr, codeServerError, reasonServerError)

		return
	}

	if known == nil {
		c.log.Infof("Adding connection from peer reflexive candidate %v", remote)
	} else {
		c.log.Infof("Adding connection from resurrected candidate %v", remote)
	}
	c.addConnection(conn)
	conn.handleBindingOrGoogPingRequest(req)

	// After the response, which might have destroyed conn.
	c.sortConnectionsAndUpdateState(IceSwitchReasonNewConnectionFromUnknownRemoteAddress)
}

// SendPacket writes data on the selected connection.
func (c *Channel) SendPacket(data []byte) (n int, err error) {
	runErr := c.run(func() { n, err = c.sendPacket(data) })
	if runErr != nil {
		return 0, runErr
	}

	return n, err
}

func (c *Channel) sendPacket(data []byte) (int, error) {
	if !c.readyToSend(c.selected) {
		return 0, &InvalidStateError{Err: ErrNotReadyToSend}
	}

	return c.selected.Send(data)
}

// Writable reports whether the selected connection can carry payload.
func (c *Channel) Writable() bool {
	var writable bool
	_ = c.run(func() { writable = c.writable })

	return writable
}

// Receiving reports whether any connection is receiving.
func (c *Channel) Receiving() bool {
	var receiving bool
	_ = c.run(func() { receiving = c.receiving })

	return receiving
}

// State returns the aggregate transport state.
func (c *Channel) State() TransportState {
	var state TransportState
	_ = c.run(func() { state = c.state })

	return state
}

// IceTransportState returns the standardized transport state.
func (c *Channel) IceTransportState() IceTransportState {
	state := IceTransportStateClosed
	_ = c.run(func() { state = c.iceState })

	return state
}

// GatheringState returns the local gathering state.
func (c *Channel) GatheringState() GatheringState {
	var state GatheringState
	_ = c.run(func() { state = c.gatheringState })

	return state
}

// SelectedCandidatePair returns the pair payload is sent on, or nil.
func (c *Channel) SelectedCandidatePair() *CandidatePair {
	var pair *CandidatePair
	_ = c.run(func() { pair = c.selectedCandidatePair() })

	return pair
}

func (c *Channel) selectedCandidatePair() *CandidatePair {
	if c.selected == nil {
		return nil
	}

	return &CandidatePair{Local: c.selected.Local(), Remote: c.selected.Remote()}
}

// Stats returns a snapshot of every connection and local candidate.
// Connections are reported as new only in the first snapshot.
func (c *Channel) Stats() (TransportChannelStats, error) {
	var stats TransportChannelStats
	err := c.run(func() {
		stats = TransportChannelStats{
			SelectedPairChanges: c.selectedPairChanges,
			IceRole:             c.role,
			IceTransportState:   c.iceState,
			State:               c.state,
		}
		for _, port := range c.ports {
			stats.LocalCandidates = append(stats.LocalCandidates, port.Candidates()...)
		}
		for _, conn := range c.controller.Connections() {
			stats.Connections = append(stats.Connections, conn.Stats())
			conn.reported = true
		}
	})

	return stats, err
}

// Close stops gathering and checks and closes every port.
func (c *Channel) Close() error {
	var errs []error
	err := c.run(func() {
		c.closed.Store(true)
		c.log.Infof("Closing")

		if c.stopPingLoop != nil {
			c.stopPingLoop()
		}
		for _, session := range c.sessions {
			session.StopGettingPorts()
		}
		c.resolvers = nil

		ports := append(slices.Clone(c.ports), c.prunedPorts...)
		for _, port := range ports {
			errs = append(errs, port.Close())
		}
		c.ports, c.prunedPorts = nil, nil

		c.iceState = IceTransportStateClosed
		notify(c, c.onIceTransportStateChange, c.iceState)
	})
	if err != nil {
		return err
	}

	c.resolving.Wait()
	if c.ownsScheduler {
		c.sched.Close()
	}

	return util.FlattenErrs(errs)
}

// OnCandidateGathered sets a handler for new local candidates.
func (c *Channel) OnCandidateGathered(f func(Candidate)) error {
	return c.run(func() { c.onCandidateGathered = f })
}

// OnGatheringStateChange sets a handler for gathering state changes.
func (c *Channel) OnGatheringStateChange(f func(GatheringState)) error {
	return c.run(func() { c.onGatheringStateChange = f })
}

// OnStateChange sets a handler for aggregate state changes.
func (c *Channel) OnStateChange(f func(TransportState)) error {
	return c.run(func() { c.onStateChange = f })
}

// OnIceTransportStateChange sets a handler for standardized state
// changes.
func (c *Channel) OnIceTransportStateChange(f func(IceTransportState)) error {
	return c.run(func() { c.onIceTransportStateChange = f })
}

// OnWritableState sets a handler for writability changes.
func (c *Channel) OnWritableState(f func(bool)) error {
	return c.run(func() { c.onWritableState = f })
}

// OnReceivingState sets a handler for receiving changes.
func (c *Channel) OnReceivingState(f func(bool)) error {
	return c.run(func() { c.onReceivingState = f })
}

// OnReadyToSend sets a handler fired when payload can be sent again.
func (c *Channel) OnReadyToSend(f func()) error {
	return c.run(func() { c.onReadyToSend = f })
}

// OnReadPacket sets a handler for received payload.
func (c *Channel) OnReadPacket(f func([]byte)) error {
	return c.run(func() { c.onReadPacket = f })
}

// OnRouteChange sets a handler given the remote candidate of every new
// selected pair.
func (c *Channel) OnRouteChange(f func(Candidate)) error {
	return c.run(func() { c.onRouteChange = f })
}

// OnNetworkRouteChanged sets a handler for route changes. The route is
// nil when nothing is selected.
func (c *Channel) OnNetworkRouteChanged(f func(*NetworkRoute)) error {
	return c.run(func() { c.onNetworkRouteChanged = f })
}

// OnCandidatePairChanged sets a handler for selected pair changes.
func (c *Channel) OnCandidatePairChanged(f func(CandidatePairChangeEvent)) error {
	return c.run(func() { c.onCandidatePairChanged = f })
}

// OnRoleConflict sets a handler given the role taken after a conflict.
func (c *Channel) OnRoleConflict(f func(IceRole)) error {
	return c.run(func() { c.onRoleConflict = f })
}
