// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/p2p/internal/taskloop"
	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatherResult struct {
	ports      []Port
	candidates []Candidate
	done       bool
}

func watchSession(session PortAllocatorSession) *gatherResult {
	result := &gatherResult{}
	session.OnPortReady(func(_ PortAllocatorSession, port Port) { result.ports = append(result.ports, port) })
	session.OnCandidatesReady(func(_ PortAllocatorSession, candidates []Candidate) {
		result.candidates = append(result.candidates, candidates...)
	})
	session.OnCandidatesAllocationDone(func(PortAllocatorSession) { result.done = true })

	return result
}

func closePorts(t *testing.T, ports []Port) {
	t.Helper()

	for _, port := range ports {
		assert.NoError(t, port.Close())
	}
}

func newTestAllocator(t *testing.T, nw *vnet.Net, config BasicPortAllocatorConfig) (*BasicPortAllocator, *taskloop.Manual) {
	t.Helper()

	sched := taskloop.NewManual(time.Unix(1000, 0))
	config.Scheduler = sched
	config.Net = nw
	config.LoggerFactory = logging.NewDefaultLoggerFactory()
	allocator, err := NewBasicPortAllocator(config)
	require.NoError(t, err)

	return allocator, sched
}

func TestBasicPortAllocatorGathersPerAddress(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1", "10.0.0.2"})
	defer func() { assert.NoError(t, router.Stop()) }()

	allocator, sched := newTestAllocator(t, nets[0], BasicPortAllocatorConfig{})
	assert.Same(t, nets[0], allocator.Net())

	session := allocator.CreateSession(SessionParams{Component: 1, Ufrag: "ufragA", Pwd: "passwordAAAAAAAAAAAAAA"})
	session.SetGeneration(3)
	result := watchSession(session)

	session.StartGettingPorts()
	assert.True(t, session.IsGettingPorts())
	sched.Flush()

	require.True(t, result.done)
	assert.False(t, session.IsGettingPorts())
	assert.True(t, session.CandidatesAllocationDone())
	require.Len(t, result.ports, 2)
	require.Len(t, result.candidates, 2)
	defer closePorts(t, result.ports)

	var addrs []netip.Addr
	for _, cand := range result.candidates {
		addrs = append(addrs, cand.Address.Addr())
		assert.Equal(t, CandidateTypeHost, cand.Type)
		assert.Equal(t, "ufragA", cand.Username)
		assert.Equal(t, uint32(3), cand.Generation)
		assert.NotZero(t, cand.Address.Port())
	}
	assert.ElementsMatch(t, []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}, addrs)

	assert.NotSame(t, result.ports[0].Network(), result.ports[1].Network())
	assert.Equal(t, AdapterTypeEthernet, result.ports[0].Network().Type)
	assert.Len(t, session.ReadyPorts(), 2)
	assert.Len(t, session.ReadyCandidates(), 2)
}

func TestBasicPortAllocatorNetworksKeepIdentity(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"})
	defer func() { assert.NoError(t, router.Stop()) }()

	allocator, sched := newTestAllocator(t, nets[0], BasicPortAllocatorConfig{})

	first := allocator.CreateSession(SessionParams{Ufrag: "ufragA", Pwd: "passwordAAAAAAAAAAAAAA"})
	second := allocator.CreateSession(SessionParams{Ufrag: "ufragB", Pwd: "passwordBBBBBBBBBBBBBB"})
	firstResult, secondResult := watchSession(first), watchSession(second)
	first.StartGettingPorts()
	second.StartGettingPorts()
	sched.Flush()

	require.Len(t, firstResult.ports, 1)
	require.Len(t, secondResult.ports, 1)
	defer closePorts(t, append(firstResult.ports, secondResult.ports...))

	assert.Same(t, firstResult.ports[0].Network(), secondResult.ports[0].Network())
	assert.Equal(t, defaultComponent, first.Component())
}

func TestBasicPortAllocatorFilters(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"})
	defer func() { assert.NoError(t, router.Stop()) }()

	allocator, sched := newTestAllocator(t, nets[0], BasicPortAllocatorConfig{
		InterfaceFilter: func(name string) bool { return name != "eth0" },
	})

	session := allocator.CreateSession(SessionParams{Ufrag: "ufragA", Pwd: "passwordAAAAAAAAAAAAAA"})
	result := watchSession(session)
	session.StartGettingPorts()
	sched.Flush()

	assert.True(t, result.done)
	assert.Empty(t, result.ports)
}

func TestBasicPortAllocatorIncludeLoopback(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"})
	defer func() { assert.NoError(t, router.Stop()) }()

	allocator, sched := newTestAllocator(t, nets[0], BasicPortAllocatorConfig{IncludeLoopback: true})

	session := allocator.CreateSession(SessionParams{Ufrag: "ufragA", Pwd: "passwordAAAAAAAAAAAAAA"})
	result := watchSession(session)
	session.StartGettingPorts()
	sched.Flush()

	require.Len(t, result.ports, 2)
	defer closePorts(t, result.ports)

	var types []AdapterType
	for _, port := range result.ports {
		types = append(types, port.Network().Type)
	}
	assert.ElementsMatch(t, []AdapterType{AdapterTypeLoopback, AdapterTypeEthernet}, types)
}

func TestBasicPortAllocatorStopBeforeAllocation(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"})
	defer func() { assert.NoError(t, router.Stop()) }()

	allocator, sched := newTestAllocator(t, nets[0], BasicPortAllocatorConfig{})

	session := allocator.CreateSession(SessionParams{Ufrag: "ufragA", Pwd: "passwordAAAAAAAAAAAAAA"})
	result := watchSession(session)
	session.StartGettingPorts()
	session.StopGettingPorts()
	sched.Flush()

	assert.True(t, session.IsStopped())
	assert.False(t, result.done)
	assert.Empty(t, result.ports)
}

func TestBasicPortAllocatorPool(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"})
	defer func() { assert.NoError(t, router.Stop()) }()

	allocator, sched := newTestAllocator(t, nets[0], BasicPortAllocatorConfig{})
	assert.Nil(t, allocator.TakePooledSession(SessionParams{Ufrag: "ufragA", Pwd: "passwordAAAAAAAAAAAAAA"}))

	require.NoError(t, allocator.SetPoolSize(1))
	sched.Flush()
	assert.Equal(t, 1, allocator.PoolSize())

	session := allocator.TakePooledSession(SessionParams{Ufrag: "ufragA", Pwd: "passwordAAAAAAAAAAAAAA"})
	require.NotNil(t, session)
	assert.Equal(t, 0, allocator.PoolSize())
	assert.Nil(t, allocator.TakePooledSession(SessionParams{Ufrag: "ufragB", Pwd: "passwordBBBBBBBBBBBBBB"}))

	assert.True(t, session.CandidatesAllocationDone())
	assert.Equal(t, "ufragA", session.IceUfrag())
	assert.Equal(t, "passwordAAAAAAAAAAAAAA", session.IcePwd())
	assert.Equal(t, defaultComponent, session.Component())

	candidates := session.ReadyCandidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, "ufragA", candidates[0].Username)
	assert.Equal(t, "passwordAAAAAAAAAAAAAA", candidates[0].Password)

	closePorts(t, session.ReadyPorts())
	assert.Empty(t, session.ReadyPorts())
}

func TestBasicPortAllocatorShrinkPool(t *testing.T) {
	router, nets := newTestVNet(t, []string{"10.0.0.1"})
	defer func() { assert.NoError(t, router.Stop()) }()

	allocator, sched := newTestAllocator(t, nets[0], BasicPortAllocatorConfig{})
	require.NoError(t, allocator.SetPoolSize(2))
	sched.Flush()
	assert.Equal(t, 2, allocator.PoolSize())

	require.NoError(t, allocator.SetPoolSize(0))
	assert.Equal(t, 0, allocator.PoolSize())
}

func TestAdapterTypeOf(t *testing.T) {
	for name, expected := range map[string]AdapterType{
		"eth0":    AdapterTypeEthernet,
		"en1":     AdapterTypeEthernet,
		"wlan0":   AdapterTypeWiFi,
		"rmnet0":  AdapterTypeCellular,
		"utun3":   AdapterTypeVPN,
		"bridge0": AdapterTypeUnknown,
	} {
		assert.Equal(t, expected, adapterTypeOf(name, false), name)
	}
	assert.Equal(t, AdapterTypeLoopback, adapterTypeOf("eth0", true))
}
