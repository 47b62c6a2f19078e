// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// UDPPortConfig collects the inputs of NewUDPPort.
type UDPPortConfig struct {
	Scheduler     Scheduler
	LoggerFactory logging.LoggerFactory
	Net           transport.Net
	Network       *Network

	// PortMin and PortMax bound the local port. Zero lets the system
	// pick one.
	PortMin uint16
	PortMax uint16

	Component int
	Ufrag     string
	Pwd       string

	// DSCP marks outgoing packets when the socket is a real one.
	DSCP int

	SendRetransmitCount bool
}

// UDPPort is a host port over one UDP socket.
type UDPPort struct {
	*portBase

	conn     transport.UDPConn
	readDone chan struct{}
}

var _ Port = (*UDPPort)(nil)

// NewUDPPort binds a UDP socket on the network's address and starts
// reading from it. The host candidate is added once bound.
func NewUDPPort(config *UDPPortConfig) (*UDPPort, error) {
	if config.Network == nil || !config.Network.IP.IsValid() {
		return nil, ErrNoNetworkAddress
	}

	ip := config.Network.IP.Unmap()
	network := "udp4"
	if ip.Is6() {
		network = "udp6"
	}

	conn, err := listenUDPInPortRange(config.Net, network, ip, config.PortMin, config.PortMax)
	if err != nil {
		return nil, err
	}

	port := &UDPPort{conn: conn, readDone: make(chan struct{})}
	port.portBase = newPortBase(port, portConfig{
		sched:               config.Scheduler,
		loggerFactory:       config.LoggerFactory,
		network:             config.Network,
		typ:                 CandidateTypeHost,
		protocol:            udpProtocol,
		component:           config.Component,
		ufrag:               config.Ufrag,
		pwd:                 config.Pwd,
		writer:              port,
		sendRetransmitCount: config.SendRetransmitCount,
	})
	port.closeTransport = port.closeConn

	if config.DSCP != 0 {
		if err := setDSCP(conn, ip.Is6(), config.DSCP); err != nil {
			port.log.Warnf("Failed to set DSCP %d: %v", config.DSCP, err)
		}
	}

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		_ = conn.Close()

		return nil, fmt.Errorf("%w: %v", ErrUnsupportedProtocol, conn.LocalAddr())
	}
	address := netip.AddrPortFrom(ip, uint16(local.Port)) //nolint:gosec
	port.addAddress(address, address, netip.AddrPort{}, CandidateTypeHost, "", 0)

	go port.readLoop()

	return port, nil
}

func listenUDPInPortRange(n transport.Net, network string, ip netip.Addr, portMin, portMax uint16) (transport.UDPConn, error) {
	if portMin == 0 && portMax == 0 {
		return n.ListenUDP(network, &net.UDPAddr{IP: ip.AsSlice(), Zone: ip.Zone()})
	}
	if portMax == 0 {
		portMax = 0xFFFF
	}
	if portMin == 0 {
		portMin = 1024
	}
	if portMin > portMax {
		return nil, ErrPortRange
	}

	for p := int(portMin); p <= int(portMax); p++ {
		conn, err := n.ListenUDP(network, &net.UDPAddr{IP: ip.AsSlice(), Port: p, Zone: ip.Zone()})
		if err == nil {
			return conn, nil
		}
	}

	return nil, ErrPortRange
}

// setDSCP only applies to sockets of the real network stack.
func setDSCP(conn transport.UDPConn, is6 bool, dscp int) error {
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return nil
	}
	if is6 {
		return ipv6.NewPacketConn(udp).SetTrafficClass(dscp << 2)
	}

	return ipv4.NewPacketConn(udp).SetTOS(dscp << 2)
}

// WriteTo sends data to addr through the socket.
func (u *UDPPort) WriteTo(data []byte, addr netip.AddrPort) (int, error) {
	return u.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr))
}

// LocalAddr returns the bound address of the socket.
func (u *UDPPort) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDPPort) readLoop() {
	defer close(u.readDone)

	buf := make([]byte, receiveMTU)
	for {
		n, srcAddr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				u.log.Debugf("%v: read loop stopped: %v", u, err)
			}

			return
		}

		udpAddr, ok := srcAddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr, ok := addrPortFromUDP(udpAddr)
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		u.sched.Post(func() { u.handlePacket(data, addr) })
	}
}

func (u *UDPPort) closeConn() error {
	err := u.conn.Close()
	<-u.readDone

	return err
}
