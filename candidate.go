// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"fmt"
	"hash/crc32"
	"net/netip"
	"strconv"

	"github.com/pion/ice/v4"
	"github.com/pion/p2p/internal/util"
	"github.com/spf13/cast"
)

// SDP candidate extension keys carrying the fields ice.Candidate has no
// accessor for.
const (
	extensionGeneration  = "generation"
	extensionUfrag       = "ufrag"
	extensionNetworkID   = "network-id"
	extensionNetworkCost = "network-cost"
)

// Candidate describes one local or remote transport address. Candidates
// are values and are copied freely.
type Candidate struct {
	ID        string
	Component int
	Protocol  string
	// Address is the transport address. For hostname candidates that
	// are not resolved yet only the port is set.
	Address  netip.AddrPort
	Hostname string
	Priority uint32
	Username string
	Password string
	Type     CandidateType

	NetworkName string
	NetworkID   uint16
	NetworkCost uint16
	Generation  uint32
	Foundation  string

	RelatedAddress netip.AddrPort
	TCPType        ice.TCPType
	RelayProtocol  string
}

// IsUnresolved reports whether the candidate only carries a hostname.
func (c Candidate) IsUnresolved() bool {
	return c.Hostname != "" && !c.Address.Addr().IsValid()
}

// IsEquivalent reports whether two candidates describe the same remote
// endpoint for pairing purposes.
func (c Candidate) IsEquivalent(o Candidate) bool {
	return c.Component == o.Component &&
		c.Protocol == o.Protocol &&
		c.Address == o.Address &&
		c.Hostname == o.Hostname &&
		c.Username == o.Username &&
		c.Password == o.Password &&
		c.Type == o.Type &&
		c.Generation == o.Generation &&
		c.Foundation == o.Foundation &&
		c.RelatedAddress == o.RelatedAddress &&
		c.NetworkID == o.NetworkID
}

// MatchesForRemoval reports whether o is the candidate a removal request
// c refers to. An empty username in c matches any username.
func (c Candidate) MatchesForRemoval(o Candidate) bool {
	return c.Component == o.Component &&
		c.Protocol == o.Protocol &&
		c.Address == o.Address &&
		c.Hostname == o.Hostname &&
		(c.Username == "" || c.Username == o.Username)
}

func (c Candidate) String() string {
	addr := c.Address.String()
	if c.IsUnresolved() {
		addr = hostPort(c.Hostname, c.Address.Port())
	}

	return fmt.Sprintf("Cand[%s:%s:%d:%s:%s:%s:%d:%s:%d:%d:%s]",
		c.ID, c.Foundation, c.Component, c.Protocol, c.Type, addr,
		c.Priority, c.Username, c.NetworkID, c.Generation, c.RelatedAddress)
}

func hostPort(host string, port uint16) string {
	return host + ":" + strconv.Itoa(int(port))
}

// CandidatePriority computes the RFC 5245 4.1.2.1 priority of a
// candidate:
//
//	(2^24)*typePreference + (2^8)*localPreference + (256 - component)
//
// with localPreference = (adapterPreference<<8 | addressPrecedence) +
// relayPreference.
func CandidatePriority(typePreference uint32, adapterPreference int, addr netip.Addr, relayPreference int, component int) uint32 {
	localPreference := ((adapterPreference << 8) | addressPrecedence(addr)) + relayPreference

	return typePreference<<24 | uint32(localPreference&0xFFFF)<<8 | uint32(256-component) //nolint:gosec
}

// addressPrecedence implements the RFC 3484 precedence table.
func addressPrecedence(addr netip.Addr) int {
	if addr.Unmap().Is4() {
		return 30
	}

	switch {
	case addr == netip.IPv6Loopback():
		return 60
	case netip.MustParsePrefix("2002::/16").Contains(addr):
		return 20
	case netip.MustParsePrefix("2001::/32").Contains(addr):
		return 5
	case netip.MustParsePrefix("fc00::/7").Contains(addr):
		return 3
	case netip.MustParsePrefix("fec0::/10").Contains(addr),
		netip.MustParsePrefix("3ffe::/16").Contains(addr),
		netip.MustParsePrefix("::/96").Contains(addr):
		return 1
	default:
		return 40
	}
}

// ComputeFoundation returns the foundation shared by candidates of the
// same type, base address and protocol.
func ComputeFoundation(candidateType CandidateType, protocol, relayProtocol string, base netip.Addr) string {
	key := candidateType.String() + base.String() + protocol + relayProtocol

	return strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(key))), 10)
}

func newCandidateID() string {
	return util.RandSeq(prflxCandidateIDLength)
}

// Marshal returns the SDP attribute value (without the "candidate:"
// prefix) of the candidate.
func (c Candidate) Marshal() (string, error) {
	iceCandidate, err := c.toICE()
	if err != nil {
		return "", err
	}

	return iceCandidate.Marshal(), nil
}

func (c Candidate) toICE() (ice.Candidate, error) { //nolint:cyclop
	address := c.Address.Addr().String()
	switch {
	case c.IsUnresolved():
		address = c.Hostname
	case !c.Address.Addr().IsValid():
		return nil, ErrCandidateNoAddress
	}
	port := int(c.Address.Port())
	component := uint16(c.Component) //nolint:gosec
	relAddr, relPort := "", 0
	if c.RelatedAddress.IsValid() {
		relAddr, relPort = c.RelatedAddress.Addr().String(), int(c.RelatedAddress.Port())
	}

	var (
		iceCandidate ice.Candidate
		err          error
	)
	switch c.Type {
	case CandidateTypeHost:
		iceCandidate, err = ice.NewCandidateHost(&ice.CandidateHostConfig{
			CandidateID: c.ID,
			Network:     c.Protocol,
			Address:     address,
			Port:        port,
			Component:   component,
			Priority:    c.Priority,
			Foundation:  c.Foundation,
			TCPType:     c.TCPType,
		})
	case CandidateTypeSrflx:
		iceCandidate, err = ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
			CandidateID: c.ID,
			Network:     c.Protocol,
			Address:     address,
			Port:        port,
			Component:   component,
			Priority:    c.Priority,
			Foundation:  c.Foundation,
			RelAddr:     relAddr,
			RelPort:     relPort,
		})
	case CandidateTypePrflx:
		iceCandidate, err = ice.NewCandidatePeerReflexive(&ice.CandidatePeerReflexiveConfig{
			CandidateID: c.ID,
			Network:     c.Protocol,
			Address:     address,
			Port:        port,
			Component:   component,
			Priority:    c.Priority,
			Foundation:  c.Foundation,
			RelAddr:     relAddr,
			RelPort:     relPort,
		})
	case CandidateTypeRelay:
		iceCandidate, err = ice.NewCandidateRelay(&ice.CandidateRelayConfig{
			CandidateID:   c.ID,
			Network:       c.Protocol,
			Address:       address,
			Port:          port,
			Component:     component,
			Priority:      c.Priority,
			Foundation:    c.Foundation,
			RelAddr:       relAddr,
			RelPort:       relPort,
			RelayProtocol: c.RelayProtocol,
		})
	default:
		return nil, fmt.Errorf("%w: candidate type %s", ErrUnknownType, c.Type)
	}
	if err != nil {
		return nil, err
	}

	extensions := []ice.CandidateExtension{
		{Key: extensionGeneration, Value: strconv.FormatUint(uint64(c.Generation), 10)},
	}
	if c.Username != "" {
		extensions = append(extensions, ice.CandidateExtension{Key: extensionUfrag, Value: c.Username})
	}
	if c.NetworkID != 0 {
		extensions = append(extensions, ice.CandidateExtension{Key: extensionNetworkID, Value: strconv.Itoa(int(c.NetworkID))})
	}
	if c.NetworkCost != 0 {
		extensions = append(extensions, ice.CandidateExtension{Key: extensionNetworkCost, Value: strconv.Itoa(int(c.NetworkCost))})
	}
	for _, ext := range extensions {
		if err = iceCandidate.AddExtension(ext); err != nil {
			return nil, err
		}
	}

	return iceCandidate, nil
}

// UnmarshalCandidate parses an SDP candidate attribute value. The
// password is never carried in SDP and stays empty.
func UnmarshalCandidate(raw string) (Candidate, error) {
	iceCandidate, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return Candidate{}, err
	}

	cand := Candidate{
		ID:         iceCandidate.ID(),
		Component:  int(iceCandidate.Component()),
		Protocol:   iceCandidate.NetworkType().NetworkShort(),
		Priority:   iceCandidate.Priority(),
		Type:       newCandidateTypeFromICE(iceCandidate.Type()),
		Foundation: iceCandidate.Foundation(),
		TCPType:    iceCandidate.TCPType(),
	}
	if cand.Foundation == " " {
		cand.Foundation = ""
	}

	port := uint16(iceCandidate.Port()) //nolint:gosec
	if ip, parseErr := netip.ParseAddr(iceCandidate.Address()); parseErr == nil {
		cand.Address = netip.AddrPortFrom(ip.Unmap(), port)
	} else {
		cand.Hostname = iceCandidate.Address()
		cand.Address = netip.AddrPortFrom(netip.Addr{}, port)
	}

	if rel := iceCandidate.RelatedAddress(); rel != nil && rel.Address != "" {
		if ip, parseErr := netip.ParseAddr(rel.Address); parseErr == nil {
			cand.RelatedAddress = netip.AddrPortFrom(ip.Unmap(), uint16(rel.Port)) //nolint:gosec
		}
	}
	if relay, ok := iceCandidate.(interface{ RelayProtocol() string }); ok {
		cand.RelayProtocol = relay.RelayProtocol()
	}

	if ext, ok := iceCandidate.GetExtension(extensionGeneration); ok {
		if cand.Generation, err = cast.ToUint32E(ext.Value); err != nil {
			return Candidate{}, fmt.Errorf("%w: generation %q", ErrUnknownType, ext.Value)
		}
	}
	if ext, ok := iceCandidate.GetExtension(extensionUfrag); ok {
		cand.Username = ext.Value
	}
	if ext, ok := iceCandidate.GetExtension(extensionNetworkID); ok {
		cand.NetworkID = cast.ToUint16(ext.Value)
	}
	if ext, ok := iceCandidate.GetExtension(extensionNetworkCost); ok {
		cand.NetworkCost = cast.ToUint16(ext.Value)
	}

	return cand, nil
}
