// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/pion/logging"
	"github.com/pion/p2p/internal/util"
	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"
)

// SessionParams identify the transport a session gathers for.
type SessionParams struct {
	ContentName string
	Component   int
	Ufrag       string
	Pwd         string
}

// PortAllocator hands out sessions that gather local ports.
type PortAllocator interface {
	CreateSession(params SessionParams) PortAllocatorSession
	// TakePooledSession returns a pre-gathered session rewritten to
	// params, or nil when the pool is empty.
	TakePooledSession(params SessionParams) PortAllocatorSession
}

// PortAllocatorSession gathers the ports of one ICE generation. All
// methods must be called from the scheduler's context.
type PortAllocatorSession interface {
	StartGettingPorts()
	StopGettingPorts()
	ClearGettingPorts()
	IsGettingPorts() bool
	IsStopped() bool
	ReadyPorts() []Port
	ReadyCandidates() []Candidate
	CandidatesAllocationDone() bool
	PruneAllPorts()

	Generation() uint32
	SetGeneration(generation uint32)
	Component() int
	IceUfrag() string
	IcePwd() string

	OnPortReady(f func(PortAllocatorSession, Port))
	OnCandidatesReady(f func(PortAllocatorSession, []Candidate))
	OnCandidatesAllocationDone(f func(PortAllocatorSession))
}

// BasicPortAllocatorConfig collects the inputs of the basic allocator.
type BasicPortAllocatorConfig struct {
	Scheduler     Scheduler
	LoggerFactory logging.LoggerFactory

	// Net defaults to the real network stack.
	Net transport.Net

	// NetworkTypes defaults to UDP over IPv4 and IPv6.
	NetworkTypes    []NetworkType
	IncludeLoopback bool
	InterfaceFilter func(name string) bool
	IPFilter        func(ip net.IP) bool

	PortMin uint16
	PortMax uint16
	DSCP    int

	SendRetransmitCount bool
}

// BasicPortAllocator opens one UDP host port per usable interface
// address.
type BasicPortAllocator struct {
	config BasicPortAllocatorConfig
	net    transport.Net
	log    logging.LeveledLogger

	// networks keep their identity across sessions.
	networks      map[string]*Network
	nextNetworkID uint16

	pool []*basicPortAllocatorSession
}

var _ PortAllocator = (*BasicPortAllocator)(nil)

// NewBasicPortAllocator creates an allocator. It uses stdnet when config
// carries no Net.
func NewBasicPortAllocator(config BasicPortAllocatorConfig) (*BasicPortAllocator, error) {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if len(config.NetworkTypes) == 0 {
		config.NetworkTypes = supportedNetworkTypes
	}

	n := config.Net
	if n == nil {
		var err error
		if n, err = stdnet.NewNet(); err != nil {
			return nil, err
		}
	}

	return &BasicPortAllocator{
		config:        config,
		net:           n,
		log:           config.LoggerFactory.NewLogger("ice-allocator"),
		networks:      map[string]*Network{},
		nextNetworkID: 1,
	}, nil
}

// Net returns the network stack ports are opened on.
func (a *BasicPortAllocator) Net() transport.Net {
	return a.net
}

func (a *BasicPortAllocator) CreateSession(params SessionParams) PortAllocatorSession {
	return a.newSession(params)
}

func (a *BasicPortAllocator) newSession(params SessionParams) *basicPortAllocatorSession {
	if params.Component == 0 {
		params.Component = defaultComponent
	}

	return &basicPortAllocatorSession{
		allocator: a,
		sched:     a.config.Scheduler,
		log:       a.log,
		params:    params,
	}
}

// SetPoolSize pre-gathers n sessions with random credentials. Must be
// called from the scheduler's context.
func (a *BasicPortAllocator) SetPoolSize(n int) error {
	for len(a.pool) > n {
		last := a.pool[len(a.pool)-1]
		a.pool = a.pool[:len(a.pool)-1]
		last.ClearGettingPorts()
		last.closePorts()
	}

	for len(a.pool) < n {
		ufrag, err := util.GenerateUfrag()
		if err != nil {
			return err
		}
		pwd, err := util.GeneratePwd()
		if err != nil {
			return err
		}
		session := a.newSession(SessionParams{Ufrag: ufrag, Pwd: pwd})
		a.pool = append(a.pool, session)
		session.StartGettingPorts()
	}

	return nil
}

func (a *BasicPortAllocator) PoolSize() int { return len(a.pool) }

func (a *BasicPortAllocator) TakePooledSession(params SessionParams) PortAllocatorSession {
	if len(a.pool) == 0 {
		return nil
	}

	session := a.pool[0]
	a.pool = a.pool[1:]
	if params.Component == 0 {
		params.Component = defaultComponent
	}
	session.params = params
	for _, port := range session.ports {
		port.SetIceParameters(params.Component, params.Ufrag, params.Pwd)
	}

	return session
}

// gatherNetworks lists the interface addresses ports are opened on, in
// interface order.
func (a *BasicPortAllocator) gatherNetworks() ([]*Network, error) {
	ifaces, err := a.net.Interfaces()
	if err != nil {
		return nil, err
	}

	var networks []*Network
	for i, iface := range ifaces {
		loopback := iface.Flags&net.FlagLoopback != 0
		if iface.Flags&net.FlagUp == 0 || (loopback && !a.config.IncludeLoopback) {
			continue
		}
		if a.config.InterfaceFilter != nil && !a.config.InterfaceFilter(iface.Name) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			a.log.Warnf("Failed to get addresses of %s: %v", iface.Name, err)

			continue
		}

		for _, addr := range addrs {
			ip, prefix, ok := interfaceIP(addr)
			if !ok || !a.usable(ip) {
				continue
			}

			networks = append(networks, a.network(iface, ip, prefix, loopback, i))
		}
	}

	if len(networks) == 0 {
		return nil, ErrNoUsableNetworks
	}

	return networks, nil
}

func (a *BasicPortAllocator) usable(ip netip.Addr) bool {
	if ip.Is6() && ip.IsLinkLocalUnicast() {
		return false
	}
	if !slices.Contains(a.config.NetworkTypes, networkTypeOf(udpProtocol, ip)) {
		return false
	}
	if a.config.IPFilter != nil && !a.config.IPFilter(net.IP(ip.AsSlice())) {
		return false
	}

	return true
}

func (a *BasicPortAllocator) network(iface *transport.Interface, ip netip.Addr, prefix int, loopback bool, index int) *Network {
	key := iface.Name + "/" + netip.PrefixFrom(ip, prefix).String()
	if network, ok := a.networks[key]; ok {
		return network
	}

	typ := adapterTypeOf(iface.Name, loopback)
	network := &Network{
		Name:       iface.Name,
		ID:         a.nextNetworkID,
		Type:       typ,
		Cost:       typ.Cost(),
		IP:         ip,
		Preference: max(127-index, 0),
	}
	a.nextNetworkID++
	a.networks[key] = network

	return network
}

func interfaceIP(addr net.Addr) (netip.Addr, int, bool) {
	var (
		raw  net.IP
		bits int
	)
	switch a := addr.(type) {
	case *net.IPNet:
		raw = a.IP
		bits, _ = a.Mask.Size()
	case *net.IPAddr:
		raw = a.IP
		bits = len(a.IP) * 8
	default:
		return netip.Addr{}, 0, false
	}

	ip, ok := netip.AddrFromSlice(raw)
	if !ok {
		return netip.Addr{}, 0, false
	}
	ip = ip.Unmap()
	if ip.Is4() && bits > 32 {
		bits -= 96
	}

	return ip, bits, true
}

func adapterTypeOf(name string, loopback bool) AdapterType {
	switch {
	case loopback:
		return AdapterTypeLoopback
	case hasAnyPrefix(name, "wl", "wlan", "wifi"):
		return AdapterTypeWiFi
	case hasAnyPrefix(name, "rmnet", "wwan", "pdp_ip", "ccmni"):
		return AdapterTypeCellular
	case hasAnyPrefix(name, "tun", "utun", "tap", "ppp", "ipsec", "wg"):
		return AdapterTypeVPN
	case hasAnyPrefix(name, "eth", "en"):
		return AdapterTypeEthernet
	default:
		return AdapterTypeUnknown
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	return slices.ContainsFunc(prefixes, func(p string) bool { return strings.HasPrefix(s, p) })
}

type basicPortAllocatorSession struct {
	allocator *BasicPortAllocator
	sched     Scheduler
	log       logging.LeveledLogger
	params    SessionParams

	generation uint32
	ports      []Port

	started        bool
	gettingPorts   bool
	stopped        bool
	allocationDone bool

	onPortReady                func(PortAllocatorSession, Port)
	onCandidatesReady          func(PortAllocatorSession, []Candidate)
	onCandidatesAllocationDone func(PortAllocatorSession)
}

func (s *basicPortAllocatorSession) StartGettingPorts() {
	if s.started {
		// Pooled; the new owner reads ReadyPorts itself.
		s.gettingPorts = !s.allocationDone
		s.stopped = false

		return
	}

	s.started = true
	s.gettingPorts = true
	s.sched.Post(s.allocate)
}

func (s *basicPortAllocatorSession) allocate() {
	if !s.gettingPorts {
		return
	}

	networks, err := s.allocator.gatherNetworks()
	if err != nil {
		s.log.Warnf("Failed to gather networks: %v", err)
	}

	for _, network := range networks {
		port, err := NewUDPPort(&UDPPortConfig{
			Scheduler:           s.sched,
			LoggerFactory:       s.allocator.config.LoggerFactory,
			Net:                 s.allocator.net,
			Network:             network,
			PortMin:             s.allocator.config.PortMin,
			PortMax:             s.allocator.config.PortMax,
			Component:           s.params.Component,
			Ufrag:               s.params.Ufrag,
			Pwd:                 s.params.Pwd,
			DSCP:                s.allocator.config.DSCP,
			SendRetransmitCount: s.allocator.config.SendRetransmitCount,
		})
		if err != nil {
			s.log.Warnf("Failed to open UDP port on %v: %v", network, err)

			continue
		}
		port.SetGeneration(s.generation)
		// Ports of a live session wait for the channel to prune them.
		port.KeepAliveUntilPruned()
		s.ports = append(s.ports, port)
		s.signalPort(port)
	}

	s.allocationDone = true
	s.gettingPorts = false
	if s.onCandidatesAllocationDone != nil {
		s.onCandidatesAllocationDone(s)
	}
}

func (s *basicPortAllocatorSession) signalPort(port Port) {
	if s.onPortReady != nil {
		s.onPortReady(s, port)
	}
	if s.onCandidatesReady != nil {
		s.onCandidatesReady(s, port.Candidates())
	}
}

func (s *basicPortAllocatorSession) StopGettingPorts() {
	s.gettingPorts = false
	s.stopped = true
}

func (s *basicPortAllocatorSession) ClearGettingPorts() {
	s.gettingPorts = false
}

func (s *basicPortAllocatorSession) IsGettingPorts() bool { return s.gettingPorts }

func (s *basicPortAllocatorSession) IsStopped() bool { return s.stopped }

func (s *basicPortAllocatorSession) CandidatesAllocationDone() bool { return s.allocationDone }

func (s *basicPortAllocatorSession) ReadyPorts() []Port {
	return slices.DeleteFunc(slices.Clone(s.ports), func(p Port) bool { return p.base().destroyed })
}

func (s *basicPortAllocatorSession) ReadyCandidates() []Candidate {
	var candidates []Candidate
	for _, port := range s.ReadyPorts() {
		candidates = append(candidates, port.Candidates()...)
	}

	return candidates
}

// PruneAllPorts lets every port go once its connections are gone.
func (s *basicPortAllocatorSession) PruneAllPorts() {
	for _, port := range s.ReadyPorts() {
		port.Prune()
	}
}

func (s *basicPortAllocatorSession) closePorts() {
	for _, port := range s.ports {
		_ = port.Close()
	}
	s.ports = nil
}

func (s *basicPortAllocatorSession) Generation() uint32 { return s.generation }

func (s *basicPortAllocatorSession) SetGeneration(generation uint32) {
	s.generation = generation
	for _, port := range s.ports {
		port.SetGeneration(generation)
	}
}

func (s *basicPortAllocatorSession) Component() int { return s.params.Component }

func (s *basicPortAllocatorSession) IceUfrag() string { return s.params.Ufrag }

func (s *basicPortAllocatorSession) IcePwd() string { return s.params.Pwd }

func (s *basicPortAllocatorSession) OnPortReady(f func(PortAllocatorSession, Port)) {
	s.onPortReady = f
}

func (s *basicPortAllocatorSession) OnCandidatesReady(f func(PortAllocatorSession, []Candidate)) {
	s.onCandidatesReady = f
}

func (s *basicPortAllocatorSession) OnCandidatesAllocationDone(f func(PortAllocatorSession)) {
	s.onCandidatesAllocationDone = f
}
