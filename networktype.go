// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"fmt"
	"net/netip"
)

var supportedNetworkTypes = []NetworkType{ //nolint:gochecknoglobals
	NetworkTypeUDP4,
	NetworkTypeUDP6,
	// NetworkTypeTCP4, // Not supported yet
	// NetworkTypeTCP6, // Not supported yet
}

// NetworkType represents the type of network
type NetworkType int

const (
	// NetworkTypeUDP4 indicates UDP over IPv4.
	NetworkTypeUDP4 NetworkType = iota + 1

	// NetworkTypeUDP6 indicates UDP over IPv6.
	NetworkTypeUDP6

	// NetworkTypeTCP4 indicates TCP over IPv4.
	NetworkTypeTCP4

	// NetworkTypeTCP6 indicates TCP over IPv6.
	NetworkTypeTCP6
)

// This is done this way because of a linter.
const (
	networkTypeUDP4Str = "udp4"
	networkTypeUDP6Str = "udp6"
	networkTypeTCP4Str = "tcp4"
	networkTypeTCP6Str = "tcp6"
)

func (t NetworkType) String() string {
	switch t {
	case NetworkTypeUDP4:
		return networkTypeUDP4Str
	case NetworkTypeUDP6:
		return networkTypeUDP6Str
	case NetworkTypeTCP4:
		return networkTypeTCP4Str
	case NetworkTypeTCP6:
		return networkTypeTCP6Str
	default:
		return ErrUnknownType.Error()
	}
}

func newNetworkType(raw string) (NetworkType, error) {
	switch raw {
	case networkTypeUDP4Str:
		return NetworkTypeUDP4, nil
	case networkTypeUDP6Str:
		return NetworkTypeUDP6, nil
	case networkTypeTCP4Str:
		return NetworkTypeTCP4, nil
	case networkTypeTCP6Str:
		return NetworkTypeTCP6, nil
	default:
		return NetworkType(Unknown), fmt.Errorf("unknown network type: %s", raw)
	}
}

// networkTypeOf returns the network type for a protocol and address.
func networkTypeOf(protocol string, addr netip.Addr) NetworkType {
	v4 := addr.Unmap().Is4()
	switch {
	case protocol == tcpProtocol && v4:
		return NetworkTypeTCP4
	case protocol == tcpProtocol:
		return NetworkTypeTCP6
	case v4:
		return NetworkTypeUDP4
	default:
		return NetworkTypeUDP6
	}
}

// AdapterType is the kind of interface a network is bound to.
type AdapterType int

const (
	// AdapterTypeUnknown is an interface of unknown kind.
	AdapterTypeUnknown AdapterType = iota
	// AdapterTypeEthernet is a wired interface.
	AdapterTypeEthernet
	// AdapterTypeWiFi is a wireless LAN interface.
	AdapterTypeWiFi
	// AdapterTypeCellular is a mobile data interface.
	AdapterTypeCellular
	// AdapterTypeVPN is a tunnel interface.
	AdapterTypeVPN
	// AdapterTypeLoopback is the loopback interface.
	AdapterTypeLoopback
)

func (a AdapterType) String() string {
	switch a {
	case AdapterTypeEthernet:
		return "ethernet"
	case AdapterTypeWiFi:
		return "wifi"
	case AdapterTypeCellular:
		return "cellular"
	case AdapterTypeVPN:
		return "vpn"
	case AdapterTypeLoopback:
		return "loopback"
	default:
		return unknownStr
	}
}

// Network costs advertised in GOOG_NETWORK_INFO.
const (
	NetworkCostMin     uint16 = 0
	NetworkCostLow     uint16 = 10
	NetworkCostUnknown uint16 = 50
	NetworkCostHigh    uint16 = 900
)

// Cost returns the default network cost of the adapter type.
func (a AdapterType) Cost() uint16 {
	switch a {
	case AdapterTypeEthernet, AdapterTypeLoopback:
		return NetworkCostMin
	case AdapterTypeWiFi:
		return NetworkCostLow
	case AdapterTypeCellular:
		return NetworkCostHigh
	default:
		return NetworkCostUnknown
	}
}

// Network is one local interface address candidates are gathered on.
// Networks are compared by identity.
type Network struct {
	Name       string
	ID         uint16
	Type       AdapterType
	Cost       uint16
	IP         netip.Addr
	Preference int
}

// IsAny reports whether the network is not bound to a specific
// interface.
func (n *Network) IsAny() bool {
	return n == nil || !n.IP.IsValid() || n.IP.IsUnspecified()
}

func (n *Network) String() string {
	if n == nil {
		return "net[nil]"
	}

	return fmt.Sprintf("net[%s:%s/%s id=%d cost=%d]", n.Name, n.IP, n.Type, n.ID, n.Cost)
}
