// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/p2p/internal/taskloop"
	"github.com/pion/stun/v3"
	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	data []byte
	addr netip.AddrPort
}

type recordingWriter struct {
	sent []sentPacket
	err  error
}

func (w *recordingWriter) WriteTo(data []byte, addr netip.AddrPort) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.sent = append(w.sent, sentPacket{data: append([]byte{}, data...), addr: addr})

	return len(data), nil
}

func (w *recordingWriter) take() []sentPacket {
	sent := w.sent
	w.sent = nil

	return sent
}

// testPort is a Port whose socket only records what it sends.
type testPort struct {
	*portBase
	writer *recordingWriter
	addr   netip.AddrPort
}

func newTestPort(t *testing.T, sched Scheduler, addr, ufrag, pwd string, role IceRole, tiebreaker uint64) *testPort {
	t.Helper()

	address := netip.MustParseAddrPort(addr)
	port := &testPort{writer: &recordingWriter{}, addr: address}
	port.portBase = newPortBase(port, portConfig{
		sched:         sched,
		loggerFactory: logging.NewDefaultLoggerFactory(),
		network: &Network{
			Name:       "eth0",
			ID:         1,
			Type:       AdapterTypeEthernet,
			Cost:       NetworkCostMin,
			IP:         address.Addr(),
			Preference: 127,
		},
		typ:      CandidateTypeHost,
		protocol: udpProtocol,
		ufrag:    ufrag,
		pwd:      pwd,
		writer:   port.writer,
	})
	port.addAddress(address, address, netip.AddrPort{}, CandidateTypeHost, "", 0)
	port.SetIceRole(role)
	port.SetIceTiebreaker(tiebreaker)
	require.Len(t, port.Candidates(), 1)

	return port
}

// candidate returns the host candidate of the port as signaled to the
// peer.
func (p *testPort) candidate() Candidate {
	return p.Candidates()[0]
}

// deliver hands every packet from sent to the port it was addressed to.
func deliver(from, to *testPort) int {
	return deliverAs(from, to, from.addr)
}

// deliverAs hands every packet from sent to to, as if it came from src.
func deliverAs(from, to *testPort, src netip.AddrPort) int {
	packets := from.writer.take()
	for _, pkt := range packets {
		to.handlePacket(pkt.data, src)
	}

	return len(packets)
}

func decodeSent(t *testing.T, pkt sentPacket) *stun.Message {
	t.Helper()

	msg := &stun.Message{Raw: pkt.data}
	require.NoError(t, msg.Decode())

	return msg
}

// testPair is a controlling port a and a controlled port b, each with a
// connection to the other.
type testPair struct {
	sched        *taskloop.Manual
	a, b         *testPort
	connA, connB *Connection
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()

	sched := taskloop.NewManual(time.Unix(1000, 0))
	a := newTestPort(t, sched, "10.0.0.1:5000", "ufragA", "passwordAAAAAAAAAAAAAA", IceRoleControlling, 200)
	b := newTestPort(t, sched, "10.0.0.2:6000", "ufragB", "passwordBBBBBBBBBBBBBB", IceRoleControlled, 100)

	pair := &testPair{sched: sched, a: a, b: b}
	pair.connA = a.CreateConnection(b.candidate())
	pair.connB = b.CreateConnection(a.candidate())
	require.NotNil(t, pair.connA)
	require.NotNil(t, pair.connB)

	return pair
}

// exchange runs one check from a to b and answers it after rtt.
func (p *testPair) exchange(rtt time.Duration) {
	p.connA.Ping(p.sched.Now())
	p.sched.Advance(rtt)
	deliver(p.a, p.b)
	deliver(p.b, p.a)
}

// newTestVNet starts a router on 10.0.0.0/24 with one Net per address
// list. The caller stops the router.
func newTestVNet(t *testing.T, ips ...[]string) (*vnet.Router, []*vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	nets := make([]*vnet.Net, 0, len(ips))
	for _, staticIPs := range ips {
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: staticIPs})
		require.NoError(t, err)
		require.NoError(t, router.AddNet(nw))
		nets = append(nets, nw)
	}
	require.NoError(t, router.Start())

	return router, nets
}

// flushUntil runs sched until cond holds, giving socket Goroutines time
// to post what they read.
func flushUntil(t *testing.T, sched *taskloop.Manual, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for sched.Flush(); !cond(); sched.Flush() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		time.Sleep(time.Millisecond)
	}
}
