// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/test"
	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vnetPeer struct {
	sched   Scheduler
	channel *Channel

	connected chan struct{}
	received  chan []byte
}

func newVNetPeer(t *testing.T, nw *vnet.Net, role IceRole, params IceParameters) *vnetPeer {
	t.Helper()

	loggerFactory := logging.NewDefaultLoggerFactory()
	sched := NewScheduler()
	allocator, err := NewBasicPortAllocator(BasicPortAllocatorConfig{
		Scheduler:     sched,
		LoggerFactory: loggerFactory,
		Net:           nw,
	})
	require.NoError(t, err)

	channel, err := NewChannel(ChannelConfig{
		Allocator:     allocator,
		Scheduler:     sched,
		LoggerFactory: loggerFactory,
		TransportName: "data",
	})
	require.NoError(t, err)
	require.NoError(t, channel.SetIceRole(role))
	require.NoError(t, channel.SetIceParameters(params))

	peer := &vnetPeer{
		sched:     sched,
		channel:   channel,
		connected: make(chan struct{}),
		received:  make(chan []byte, 16),
	}

	var once sync.Once
	require.NoError(t, channel.OnIceTransportStateChange(func(state IceTransportState) {
		if state == IceTransportStateConnected || state == IceTransportStateCompleted {
			once.Do(func() { close(peer.connected) })
		}
	}))
	require.NoError(t, channel.OnReadPacket(func(data []byte) {
		select {
		case peer.received <- data:
		default:
		}
	}))

	return peer
}

// exchangeCandidates trickles every candidate the peer gathers to other.
func (p *vnetPeer) exchangeCandidates(t *testing.T, other *vnetPeer) {
	t.Helper()

	require.NoError(t, p.channel.OnCandidateGathered(func(cand Candidate) {
		// The other side may already be closing.
		_ = other.channel.AddRemoteCandidate(cand)
	}))
}

func (p *vnetPeer) close(t *testing.T) {
	t.Helper()

	assert.NoError(t, p.channel.Close())
	p.sched.Close()
}

func TestChannelOverVNet(t *testing.T) {
	defer test.CheckRoutines(t)()
	defer test.TimeOut(20 * time.Second).Stop()

	router, nets := newTestVNet(t, []string{"10.0.0.1"}, []string{"10.0.0.2"})

	paramsA := IceParameters{Ufrag: "ufragA", Pwd: "passwordAAAAAAAAAAAAAA", Renomination: true}
	paramsB := IceParameters{Ufrag: "ufragB", Pwd: "passwordBBBBBBBBBBBBBB", Renomination: true}
	a := newVNetPeer(t, nets[0], IceRoleControlling, paramsA)
	b := newVNetPeer(t, nets[1], IceRoleControlled, paramsB)

	require.NoError(t, a.channel.SetRemoteIceParameters(paramsB))
	require.NoError(t, b.channel.SetRemoteIceParameters(paramsA))
	a.exchangeCandidates(t, b)
	b.exchangeCandidates(t, a)

	require.NoError(t, a.channel.MaybeStartGathering())
	require.NoError(t, b.channel.MaybeStartGathering())

	<-a.connected
	<-b.connected

	pair := a.channel.SelectedCandidatePair()
	require.NotNil(t, pair)
	assert.Equal(t, "10.0.0.1", pair.Local.Address.Addr().String())
	assert.Equal(t, "10.0.0.2", pair.Remote.Address.Addr().String())

	// The controlled side adopts the nominated pair once it arrives.
	require.Eventually(t, func() bool { return b.channel.SelectedCandidatePair() != nil }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := a.channel.SendPacket([]byte("ping"))

		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("ping"), <-b.received)

	_, err := b.channel.SendPacket([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), <-a.received)

	stats, err := a.channel.Stats()
	require.NoError(t, err)
	assert.Equal(t, IceRoleControlling, stats.IceRole)
	assert.NotEmpty(t, stats.Connections)
	assert.GreaterOrEqual(t, stats.SelectedPairChanges, 1)

	a.close(t)
	b.close(t)
	assert.NoError(t, router.Stop())
}
