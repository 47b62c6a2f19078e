// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// p2pcheck connects two ICE channels in one process and sends a payload
// over the selected candidate pair.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pion/logging"
	"github.com/pion/p2p"
	"github.com/pion/p2p/internal/util"
	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/vnet"
)

type peer struct {
	name    string
	sched   p2p.Scheduler
	channel *p2p.Channel

	connected chan struct{}
	received  chan []byte
}

func main() {
	useReal := flag.Bool("real", false, "use the host network stack instead of a virtual one")
	loopback := flag.Bool("loopback", true, "gather on loopback interfaces with -real")
	message := flag.String("message", "hello from p2pcheck", "payload to send")
	timeout := flag.Duration("timeout", 10*time.Second, "time allowed to connect")
	trials := flag.String("field-trials", "", "field trials, e.g. \"enable_goog_ping,skip_relay_to_non_relay_connections\"")
	flag.Parse()

	loggerFactory := logging.NewDefaultLoggerFactory()

	var (
		netA, netB transport.Net
		router     *vnet.Router
	)
	if !*useReal {
		var err error
		router, netA, netB, err = newVirtualNetwork(loggerFactory)
		exitIfError(err)
	}

	a, err := newPeer("A", netA, *loopback, *trials, p2p.IceRoleControlling, loggerFactory)
	exitIfError(err)
	b, err := newPeer("B", netB, *loopback, *trials, p2p.IceRoleControlled, loggerFactory)
	exitIfError(err)

	exitIfError(run(a, b, *message, *timeout))

	exitIfError(a.close())
	exitIfError(b.close())
	if router != nil {
		exitIfError(router.Stop())
	}
}

func newVirtualNetwork(loggerFactory logging.LoggerFactory) (*vnet.Router, transport.Net, transport.Net, error) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		return nil, nil, nil, err
	}
	if err = router.AddNet(netA); err != nil {
		return nil, nil, nil, err
	}

	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		return nil, nil, nil, err
	}
	if err = router.AddNet(netB); err != nil {
		return nil, nil, nil, err
	}

	return router, netA, netB, router.Start()
}

func newPeer(name string, nw transport.Net, loopback bool, trials string, role p2p.IceRole, loggerFactory logging.LoggerFactory) (*peer, error) {
	sched := p2p.NewScheduler()
	allocator, err := p2p.NewBasicPortAllocator(p2p.BasicPortAllocatorConfig{
		Scheduler:       sched,
		LoggerFactory:   loggerFactory,
		Net:             nw,
		IncludeLoopback: loopback && nw == nil,
	})
	if err != nil {
		return nil, err
	}

	channel, err := p2p.NewChannel(p2p.ChannelConfig{
		Allocator:     allocator,
		Scheduler:     sched,
		LoggerFactory: loggerFactory,
		FieldTrials:   trials,
		TransportName: "p2pcheck",
	})
	if err != nil {
		return nil, err
	}
	if err = channel.SetIceRole(role); err != nil {
		return nil, err
	}

	p := &peer{
		name:      name,
		sched:     sched,
		channel:   channel,
		connected: make(chan struct{}),
		received:  make(chan []byte, 1),
	}

	connected := false
	if err = channel.OnIceTransportStateChange(func(state p2p.IceTransportState) {
		fmt.Printf("%s: ICE transport state %s\n", name, state)
		if !connected && (state == p2p.IceTransportStateConnected || state == p2p.IceTransportStateCompleted) {
			connected = true
			close(p.connected)
		}
	}); err != nil {
		return nil, err
	}

	if err = channel.OnReadPacket(func(data []byte) {
		select {
		case p.received <- data:
		default:
		}
	}); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *peer) localParameters() (p2p.IceParameters, error) {
	ufrag, err := util.GenerateUfrag()
	if err != nil {
		return p2p.IceParameters{}, err
	}
	pwd, err := util.GeneratePwd()
	if err != nil {
		return p2p.IceParameters{}, err
	}

	return p2p.IceParameters{Ufrag: ufrag, Pwd: pwd, Renomination: true}, nil
}

func (p *peer) close() error {
	err := p.channel.Close()
	p.sched.Close()

	return err
}

func run(a, b *peer, message string, timeout time.Duration) error {
	paramsA, err := a.localParameters()
	if err != nil {
		return err
	}
	paramsB, err := b.localParameters()
	if err != nil {
		return err
	}

	for _, step := range []func() error{
		func() error { return a.channel.SetIceParameters(paramsA) },
		func() error { return b.channel.SetIceParameters(paramsB) },
		func() error { return a.channel.SetRemoteIceParameters(paramsB) },
		func() error { return b.channel.SetRemoteIceParameters(paramsA) },
		func() error { return trickle(a, b) },
		func() error { return trickle(b, a) },
		a.channel.MaybeStartGathering,
		b.channel.MaybeStartGathering,
	} {
		if err = step(); err != nil {
			return err
		}
	}

	deadline := time.After(timeout)
	for _, p := range []*peer{a, b} {
		select {
		case <-p.connected:
		case <-deadline:
			return fmt.Errorf("%s did not connect within %v", p.name, timeout)
		}
	}

	if _, err = a.channel.SendPacket([]byte(message)); err != nil {
		return err
	}
	select {
	case data := <-b.received:
		fmt.Printf("B received %q\n", data)
	case <-deadline:
		return fmt.Errorf("B received nothing within %v", timeout)
	}

	return report(a)
}

func trickle(from, to *peer) error {
	return from.channel.OnCandidateGathered(func(cand p2p.Candidate) {
		fmt.Printf("%s: gathered %s\n", from.name, cand)
		if err := to.channel.AddRemoteCandidate(cand); err != nil {
			fmt.Printf("%s: failed to add remote candidate: %v\n", to.name, err)
		}
	})
}

func report(p *peer) error {
	if pair := p.channel.SelectedCandidatePair(); pair != nil {
		fmt.Printf("%s: selected pair %s\n", p.name, pair)
	}

	stats, err := p.channel.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d connections, %d selected pair changes\n", p.name, len(stats.Connections), stats.SelectedPairChanges)
	for _, info := range stats.Connections {
		fmt.Printf("  %s -> %s state=%s writable=%t receiving=%t rtt=%v sent=%d recv=%d\n",
			info.Local.Address, info.Remote.Address, info.State, info.Writable, info.Receiving,
			info.RTT, info.SentTotalBytes, info.RecvTotalBytes)
	}

	return nil
}

func exitIfError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
