// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"cmp"
	"errors"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/p2p/internal/stunattr"
	"github.com/pion/stun/v3"
)

// STUN error codes the connectivity checks answer with or react to.
const (
	codeBadRequest         = stun.CodeBadRequest
	codeUnauthorized       = stun.CodeUnauthorized
	codeUnknownAttribute   = stun.CodeUnknownAttribute
	codeStaleCredentials   = stun.ErrorCode(430)
	codeRoleConflict       = stun.CodeRoleConflict
	codeServerError        = stun.CodeServerError
	reasonBadRequest       = "Bad Request"
	reasonUnauthorized     = "Unauthorized"
	reasonUnknownAttribute = "Unknown Attribute"
	reasonRoleConflict     = "Role Conflict"
	reasonServerError      = "Server Error"
)

// UnknownAddressHandler is called for a valid binding request from an
// address no connection exists for.
type UnknownAddressHandler func(port Port, addr netip.AddrPort, protocol string, req *stun.Message, remoteUfrag string)

// Port owns the local candidates of one transport endpoint and the
// connections formed from them. All methods must be called from the
// scheduler's context.
type Port interface {
	// Type is the type of the candidates the port was created for.
	Type() CandidateType
	Network() *Network
	Protocol() string
	Generation() uint32
	SetGeneration(generation uint32)
	Candidates() []Candidate
	SupportsProtocol(protocol string) bool

	// CreateConnection pairs the first local candidate with remote.
	// It returns nil if the remote candidate cannot be reached.
	CreateConnection(remote Candidate) *Connection
	GetConnection(addr netip.AddrPort) *Connection
	Connections() []*Connection

	SetIceRole(role IceRole)
	IceRole() IceRole
	SetIceTiebreaker(tiebreaker uint64)
	IceTiebreaker() uint64
	SetIceParameters(component int, ufrag, pwd string)
	UsernameFragment() string
	Password() string

	State() PortState
	KeepAliveUntilPruned()
	Prune()
	Close() error

	OnUnknownAddress(f UnknownAddressHandler)
	OnRoleConflict(f func(Port))
	OnDestroyed(f func(Port))

	base() *portBase
}

// packetWriter is the socket a port sends through.
type packetWriter interface {
	WriteTo(data []byte, addr netip.AddrPort) (int, error)
}

type portConfig struct {
	sched         Scheduler
	loggerFactory logging.LoggerFactory
	network       *Network
	typ           CandidateType
	protocol      string
	component     int
	ufrag         string
	pwd           string
	writer        packetWriter

	// sendRetransmitCount adds RETRANSMIT_COUNT to outgoing checks.
	sendRetransmitCount bool
}

// portBase implements the transport independent part of Port.
type portBase struct {
	sched         Scheduler
	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory
	self          Port

	network    *Network
	typ        CandidateType
	protocol   string
	component  int
	generation uint32
	ufrag      string
	pwd        string
	role       IceRole
	tiebreaker uint64

	candidates  []Candidate
	connections map[netip.AddrPort]*Connection

	state                     PortState
	destroyed                 bool
	lastAllConnectionsRemoved time.Time

	writer              packetWriter
	closeTransport      func() error
	sendRetransmitCount bool

	onUnknownAddress UnknownAddressHandler
	onRoleConflict   func(Port)
	onDestroyed      func(Port)
}

func newPortBase(self Port, config portConfig) *portBase {
	loggerFactory := config.loggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	component := config.component
	if component == 0 {
		component = defaultComponent
	}

	port := &portBase{
		sched:               config.sched,
		log:                 loggerFactory.NewLogger("ice-port"),
		loggerFactory:       loggerFactory,
		self:                self,
		network:             config.network,
		typ:                 config.typ,
		protocol:            config.protocol,
		component:           component,
		ufrag:               config.ufrag,
		pwd:                 config.pwd,
		connections:         map[netip.AddrPort]*Connection{},
		writer:              config.writer,
		sendRetransmitCount: config.sendRetransmitCount,
	}
	port.postDestroyIfDead(true)

	return port
}

func (p *portBase) base() *portBase { return p }

func (p *portBase) Type() CandidateType { return p.typ }

func (p *portBase) Network() *Network { return p.network }

func (p *portBase) Protocol() string { return p.protocol }

func (p *portBase) Generation() uint32 { return p.generation }

func (p *portBase) SetGeneration(generation uint32) {
	p.generation = generation
	for i := range p.candidates {
		p.candidates[i].Generation = generation
	}
}

func (p *portBase) Candidates() []Candidate { return p.candidates }

func (p *portBase) SupportsProtocol(protocol string) bool {
	return strings.EqualFold(protocol, p.protocol)
}

func (p *portBase) SetIceRole(role IceRole) { p.role = role }

func (p *portBase) IceRole() IceRole { return p.role }

func (p *portBase) SetIceTiebreaker(tiebreaker uint64) { p.tiebreaker = tiebreaker }

func (p *portBase) IceTiebreaker() uint64 { return p.tiebreaker }

func (p *portBase) UsernameFragment() string { return p.ufrag }

func (p *portBase) Password() string { return p.pwd }

// SetIceParameters rewrites the credentials of the port and of every
// candidate it gathered.
func (p *portBase) SetIceParameters(component int, ufrag, pwd string) {
	p.component = component
	p.ufrag = ufrag
	p.pwd = pwd
	for i := range p.candidates {
		p.candidates[i].Component = component
		p.candidates[i].Username = ufrag
		p.candidates[i].Password = pwd
	}
}

func (p *portBase) State() PortState { return p.state }

func (p *portBase) OnUnknownAddress(f UnknownAddressHandler) { p.onUnknownAddress = f }

func (p *portBase) OnRoleConflict(f func(Port)) { p.onRoleConflict = f }

func (p *portBase) OnDestroyed(f func(Port)) { p.onDestroyed = f }

func (p *portBase) networkCost() uint16 {
	if p.network == nil {
		return NetworkCostUnknown
	}

	return p.network.Cost
}

func (p *portBase) networkID() uint16 {
	if p.network == nil {
		return 0
	}

	return p.network.ID
}

// addAddress adds a local candidate of the port's network.
func (p *portBase) addAddress(address, base, related netip.AddrPort, typ CandidateType, relayProtocol string, relayPreference int) Candidate {
	preference := 0
	networkName := ""
	if p.network != nil {
		preference = p.network.Preference
		networkName = p.network.Name
	}

	cand := Candidate{
		ID:             newCandidateID(),
		Component:      p.component,
		Protocol:       p.protocol,
		Address:        address,
		Username:       p.ufrag,
		Password:       p.pwd,
		Type:           typ,
		NetworkName:    networkName,
		NetworkID:      p.networkID(),
		NetworkCost:    p.networkCost(),
		Generation:     p.generation,
		Foundation:     ComputeFoundation(typ, p.protocol, relayProtocol, base.Addr()),
		RelatedAddress: related,
		RelayProtocol:  relayProtocol,
	}
	cand.Priority = CandidatePriority(typ.typePreference(p.protocol, relayProtocol),
		preference, address.Addr(), relayPreference, p.component)
	p.candidates = append(p.candidates, cand)

	return cand
}

// AddPrflxCandidate appends a learned local candidate and returns its
// index.
func (p *portBase) AddPrflxCandidate(cand Candidate) int {
	p.candidates = append(p.candidates, cand)

	return len(p.candidates) - 1
}

func (p *portBase) candidateIndex(addr netip.AddrPort) int {
	return slices.IndexFunc(p.candidates, func(c Candidate) bool { return c.Address == addr })
}

// isCompatibleAddress reports whether the single stack socket of the
// port can reach addr.
func (p *portBase) isCompatibleAddress(addr netip.Addr) bool {
	if p.network == nil || !p.network.IP.IsValid() {
		return true
	}
	ip := p.network.IP.Unmap()
	addr = addr.Unmap()
	if ip.Is4() != addr.Is4() {
		return false
	}
	if ip.Is6() && ip.IsLinkLocalUnicast() != addr.IsLinkLocalUnicast() {
		return false
	}

	return true
}

func (p *portBase) CreateConnection(remote Candidate) *Connection {
	switch {
	case p.destroyed:
		return nil
	case !p.SupportsProtocol(remote.Protocol):
		return nil
	case !remote.Address.Addr().IsValid() || !p.isCompatibleAddress(remote.Address.Addr()):
		return nil
	case len(p.candidates) == 0:
		p.log.Warnf("%v: %v", p, errPortNoCandidates)

		return nil
	}

	conn := newConnection(p.self, 0, remote)
	p.addOrReplaceConnection(conn)

	return conn
}

// addOrReplaceConnection keeps at most one connection per remote
// address, destroying the one it replaces.
func (p *portBase) addOrReplaceConnection(conn *Connection) {
	addr := conn.remote.Address
	if old, ok := p.connections[addr]; ok && old != conn {
		p.log.Warnf("%v: replacing %v", p, old)
		old.Destroy()
	}
	p.connections[addr] = conn
}

func (p *portBase) GetConnection(addr netip.AddrPort) *Connection {
	return p.connections[addr]
}

// Connections returns the connections ordered by creation.
func (p *portBase) Connections() []*Connection {
	conns := make([]*Connection, 0, len(p.connections))
	for _, conn := range p.connections {
		conns = append(conns, conn)
	}
	slices.SortFunc(conns, func(a, b *Connection) int { return cmp.Compare(a.id, b.id) })

	return conns
}

func (p *portBase) onConnectionDestroyed(conn *Connection) {
	if p.connections[conn.remote.Address] != conn {
		return
	}
	delete(p.connections, conn.remote.Address)

	if len(p.connections) == 0 {
		p.lastAllConnectionsRemoved = p.sched.Now()
		p.postDestroyIfDead(true)
	}
}

func (p *portBase) KeepAliveUntilPruned() {
	if p.state == PortStateInit {
		p.state = PortStateKeepAliveUntilPruned
	}
}

func (p *portBase) Prune() {
	p.state = PortStatePruned
	p.postDestroyIfDead(false)
}

func (p *portBase) postDestroyIfDead(delayed bool) {
	if delayed {
		p.sched.AfterFunc(portTimeoutDelay, p.destroyIfDead)
	} else {
		p.sched.Post(p.destroyIfDead)
	}
}

func (p *portBase) destroyIfDead() {
	dead := (p.state == PortStateInit || p.state == PortStatePruned) &&
		len(p.connections) == 0 &&
		p.sched.Now().Sub(p.lastAllConnectionsRemoved) >= portTimeoutDelay
	if dead {
		p.log.Infof("%v: destroyed after all connections were removed", p)
		_ = p.destroy()
	}
}

// destroy closes the transport, destroys the connections and signals the
// owner once.
func (p *portBase) destroy() error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true

	for _, conn := range p.Connections() {
		conn.Destroy()
	}

	var err error
	if p.closeTransport != nil {
		err = p.closeTransport()
	}

	if p.onDestroyed != nil {
		p.onDestroyed(p.self)
	}

	return err
}

func (p *portBase) Close() error {
	return p.destroy()
}

func (p *portBase) sendTo(data []byte, addr netip.AddrPort) (int, error) {
	if p.destroyed {
		return 0, ErrPortClosed
	}

	return p.writer.WriteTo(data, addr)
}

// handlePacket routes a packet to the connection for addr, or handles it
// as a message from an unknown address.
func (p *portBase) handlePacket(data []byte, addr netip.AddrPort) {
	if p.destroyed {
		return
	}
	if conn := p.connections[addr]; conn != nil {
		conn.OnReadPacket(data)

		return
	}

	msg, remoteUfrag, isStun := p.getStunMessage(data, addr)
	switch {
	case !isStun:
		p.log.Debugf("%v: dropping non-STUN packet from unknown address %s", p, addr)
	case msg == nil:
	case msg.Type == stun.BindingRequest:
		if !p.maybeIceRoleConflict(addr, msg, remoteUfrag) {
			p.log.Infof("%v: binding request from %s dropped on role conflict", p, addr)

			return
		}
		if p.onUnknownAddress != nil {
			p.onUnknownAddress(p.self, addr, p.protocol, msg, remoteUfrag)
		}
	case msg.Type == stunattr.GoogPingRequest:
		// The peer falls back to a full binding request.
		p.sendBindingErrorResponse(msg, addr, codeBadRequest, reasonBadRequest)
	case msg.Type == stun.BindingSuccess,
		msg.Type == stunattr.GoogPingResponse,
		msg.Type == stunattr.GoogPingError:
	default:
		p.log.Warnf("%v: unexpected %s from unknown address %s", p, msg.Type, addr)
	}
}

// getStunMessage parses data. isStun is false for payload. A nil message
// with isStun set means the packet was STUN but already handled,
// possibly with an error response.
func (p *portBase) getStunMessage(data []byte, addr netip.AddrPort) (msg *stun.Message, remoteUfrag string, isStun bool) { //nolint:cyclop
	if !stun.IsMessage(data) {
		return nil, "", false
	}

	msg = &stun.Message{Raw: append([]byte{}, data...)}
	if err := msg.Decode(); err != nil {
		return nil, "", false
	}
	if !isGoogPing(msg.Type) && stun.Fingerprint.Check(msg) != nil {
		return nil, "", false
	}

	unknown := stunattr.UnknownRequired(msg)

	switch msg.Type {
	case stun.BindingRequest:
		if !msg.Contains(stun.AttrUsername) || !msg.Contains(stun.AttrMessageIntegrity) {
			p.sendBindingErrorResponse(msg, addr, codeBadRequest, reasonBadRequest)

			return nil, "", true
		}

		localUfrag, remote, err := parseStunUsername(msg)
		if err != nil || localUfrag != p.ufrag {
			p.log.Debugf("%v: binding request from %s with bad username", p, addr)
			p.sendBindingErrorResponse(msg, addr, codeUnauthorized, reasonUnauthorized)

			return nil, "", true
		}

		if err = stun.NewShortTermIntegrity(p.pwd).Check(msg); err != nil {
			p.log.Debugf("%v: binding request from %s failed integrity check", p, addr)
			p.sendBindingErrorResponse(msg, addr, codeUnauthorized, reasonUnauthorized)

			return nil, "", true
		}

		if len(unknown) != 0 {
			p.sendUnknownAttributesErrorResponse(msg, addr, unknown)

			return nil, "", true
		}

		return msg, remote, true
	case stun.BindingSuccess, stun.BindingError:
		if msg.Type == stun.BindingError {
			var code stun.ErrorCodeAttribute
			if err := code.GetFrom(msg); err != nil {
				p.log.Warnf("%v: binding error response from %s without ERROR-CODE", p, addr)

				return nil, "", true
			}
		}
		if len(unknown) != 0 {
			return nil, "", true
		}
	case stun.NewType(stun.MethodBinding, stun.ClassIndication):
		if len(unknown) != 0 {
			return nil, "", true
		}
	case stunattr.GoogPingRequest:
		if err := stunattr.NewMessageIntegrity32(p.pwd).Check(msg); err != nil {
			p.sendBindingErrorResponse(msg, addr, codeUnauthorized, reasonUnauthorized)

			return nil, "", true
		}
	case stunattr.GoogPingResponse, stunattr.GoogPingError:
		// Integrity is checked by the connection with the remote password.
	default:
		p.log.Warnf("%v: unexpected %s from %s", p, msg.Type, addr)

		return nil, "", true
	}

	return msg, "", true
}

func isGoogPing(t stun.MessageType) bool {
	return t.Method == stunattr.MethodGoogPing
}

// parseStunUsername splits USERNAME into the receiver's and the
// sender's ufrag.
func parseStunUsername(msg *stun.Message) (local, remote string, err error) {
	var username stun.Username
	if err = username.GetFrom(msg); err != nil {
		return "", "", errNoStunUsername
	}

	local, remote, ok := strings.Cut(username.String(), ufragCredentialSeparator)
	if !ok || local == "" || remote == "" {
		return "", "", errBadStunUsername
	}

	return local, remote, nil
}

// maybeIceRoleConflict applies RFC 8445 7.3.1.1 to a request. It returns
// false when the request lost the conflict and must not be processed.
func (p *portBase) maybeIceRoleConflict(addr netip.AddrPort, msg *stun.Message, remoteUfrag string) bool {
	remoteRole := IceRoleUnknown
	var remoteTiebreaker uint64

	var controlling ice.AttrControlling
	if err := controlling.GetFrom(msg); err == nil {
		remoteRole = IceRoleControlling
		remoteTiebreaker = uint64(controlling)
	}

	// A request from ourselves over a loopback path.
	if remoteRole == IceRoleControlling && remoteUfrag == p.ufrag && remoteTiebreaker == p.tiebreaker {
		return true
	}

	var controlled ice.AttrControlled
	if err := controlled.GetFrom(msg); err == nil {
		remoteRole = IceRoleControlled
		remoteTiebreaker = uint64(controlled)
	}

	switch {
	case p.role == IceRoleControlling && remoteRole == IceRoleControlling:
		if remoteTiebreaker >= p.tiebreaker {
			p.signalRoleConflict()
		} else {
			p.sendBindingErrorResponse(msg, addr, codeRoleConflict, reasonRoleConflict)

			return false
		}
	case p.role == IceRoleControlled && remoteRole == IceRoleControlled:
		if remoteTiebreaker < p.tiebreaker {
			p.signalRoleConflict()
		} else {
			p.sendBindingErrorResponse(msg, addr, codeRoleConflict, reasonRoleConflict)

			return false
		}
	}

	return true
}

func (p *portBase) signalRoleConflict() {
	p.log.Infof("%v: role conflict, %s side yields", p, p.role)
	if p.onRoleConflict != nil {
		p.onRoleConflict(p.self)
	}
}

func (p *portBase) sendBindingErrorResponse(req *stun.Message, addr netip.AddrPort, code stun.ErrorCode, reason string) {
	typ := stun.BindingError
	if isGoogPing(req.Type) {
		typ = stunattr.GoogPingError
	}

	setters := []stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		typ,
		stun.ErrorCodeAttribute{Code: code, Reason: []byte(reason)},
	}
	if code != codeBadRequest && code != codeUnauthorized && !isGoogPing(req.Type) {
		setters = append(setters, stun.NewShortTermIntegrity(p.pwd))
	}
	if req.Type == stun.BindingRequest {
		setters = append(setters, stun.Fingerprint)
	}

	p.send(addr, setters...)
}

func (p *portBase) sendUnknownAttributesErrorResponse(req *stun.Message, addr netip.AddrPort, unknown []stun.AttrType) {
	p.send(addr,
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingError,
		stun.ErrorCodeAttribute{Code: codeUnknownAttribute, Reason: []byte(reasonUnknownAttribute)},
		stun.UnknownAttributes(unknown),
		stun.NewShortTermIntegrity(p.pwd),
		stun.Fingerprint,
	)
}

func (p *portBase) send(addr netip.AddrPort, setters ...stun.Setter) {
	msg, err := stun.Build(setters...)
	if err != nil {
		p.log.Errorf("%v: failed to build STUN message: %v", p, err)

		return
	}
	if _, err = p.sendTo(msg.Raw, addr); err != nil && !errors.Is(err, ErrPortClosed) {
		p.log.Debugf("%v: failed to send %s to %s: %v", p, msg.Type, addr, err)
	}
}

func (p *portBase) String() string {
	address := ""
	if len(p.candidates) != 0 {
		address = p.candidates[0].Address.String()
	}

	return "Port[" + p.network.String() + ":" + p.protocol + ":" + p.typ.String() + ":" + address + "]"
}
