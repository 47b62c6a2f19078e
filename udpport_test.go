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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVNetUDPPort(t *testing.T, sched Scheduler, nw *vnet.Net, ip, ufrag, pwd string, portMin, portMax uint16) (*UDPPort, error) {
	t.Helper()

	return NewUDPPort(&UDPPortConfig{
		Scheduler:     sched,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
		Net:           nw,
		Network: &Network{
			Name:       "eth0",
			ID:         1,
			Type:       AdapterTypeEthernet,
			Cost:       NetworkCostMin,
			IP:         netip.MustParseAddr(ip),
			Preference: 127,
		},
		PortMin:   portMin,
		PortMax:   portMax,
		Component: 1,
		Ufrag:     ufrag,
		Pwd:       pwd,
	})
}

func TestUDPPortHostCandidate(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"})
	defer func() { assert.NoError(t, router.Stop()) }()

	sched := taskloop.NewManual(time.Unix(1000, 0))
	port, err := newVNetUDPPort(t, sched, nets[0], "10.0.0.1", "ufragA", "passwordAAAAAAAAAAAAAA", 0, 0)
	require.NoError(t, err)
	defer func() { assert.NoError(t, port.Close()) }()

	candidates := port.Candidates()
	require.Len(t, candidates, 1)
	cand := candidates[0]
	assert.Equal(t, CandidateTypeHost, cand.Type)
	assert.Equal(t, udpProtocol, cand.Protocol)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), cand.Address.Addr())
	assert.Equal(t, port.LocalAddr().String(), cand.Address.String())
	assert.Equal(t, "ufragA", cand.Username)
	assert.Equal(t, 1, cand.Component)
	assert.NotEmpty(t, cand.Foundation)
	assert.NotZero(t, cand.Priority)
}

func TestUDPPortRequiresAddress(t *testing.T) {
	_, err := NewUDPPort(&UDPPortConfig{})
	assert.ErrorIs(t, err, ErrNoNetworkAddress)
}

func TestUDPPortRange(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"})
	defer func() { assert.NoError(t, router.Stop()) }()

	sched := taskloop.NewManual(time.Unix(1000, 0))
	port, err := newVNetUDPPort(t, sched, nets[0], "10.0.0.1", "ufragA", "passwordAAAAAAAAAAAAAA", 5000, 5000)
	require.NoError(t, err)
	defer func() { assert.NoError(t, port.Close()) }()
	assert.Equal(t, uint16(5000), port.Candidates()[0].Address.Port())

	_, err = newVNetUDPPort(t, sched, nets[0], "10.0.0.1", "ufragA", "passwordAAAAAAAAAAAAAA", 5000, 5000)
	assert.ErrorIs(t, err, ErrPortRange)

	_, err = newVNetUDPPort(t, sched, nets[0], "10.0.0.1", "ufragA", "passwordAAAAAAAAAAAAAA", 6000, 5000)
	assert.ErrorIs(t, err, ErrPortRange)
}

func TestUDPPortUnknownAddress(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"}, []string{"10.0.0.2"})
	defer func() { assert.NoError(t, router.Stop()) }()

	sched := taskloop.NewManual(time.Unix(1000, 0))
	portA, err := newVNetUDPPort(t, sched, nets[0], "10.0.0.1", "ufragA", "passwordAAAAAAAAAAAAAA", 0, 0)
	require.NoError(t, err)
	defer func() { assert.NoError(t, portA.Close()) }()
	portB, err := newVNetUDPPort(t, sched, nets[1], "10.0.0.2", "ufragB", "passwordBBBBBBBBBBBBBB", 0, 0)
	require.NoError(t, err)
	defer func() { assert.NoError(t, portB.Close()) }()

	portA.SetIceRole(IceRoleControlling)
	portA.SetIceTiebreaker(200)
	portB.SetIceRole(IceRoleControlled)
	portB.SetIceTiebreaker(100)

	var (
		from        netip.AddrPort
		remoteUfrag string
		request     *stun.Message
	)
	portB.OnUnknownAddress(func(_ Port, addr netip.AddrPort, _ string, req *stun.Message, ufrag string) {
		from, remoteUfrag, request = addr, ufrag, req
	})

	conn := portA.CreateConnection(portB.Candidates()[0])
	require.NotNil(t, conn)
	conn.Ping(sched.Now())

	flushUntil(t, sched, func() bool { return request != nil })
	assert.Equal(t, portA.Candidates()[0].Address, from)
	assert.Equal(t, "ufragA", remoteUfrag)
	assert.Equal(t, stun.BindingRequest, request.Type)
}
