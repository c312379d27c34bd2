package nat

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/flowfw/internal/testpkt"
	"github.com/psaab/flowfw/pkg/packet"
)

func TestPortmapConcurrentGet(t *testing.T) {
	const workers, per = 8, 500
	pm := newPortmap(netip.MustParseAddr("203.0.113.9"), 2000, 9999)

	var (
		mu   sync.Mutex
		seen = make(map[uint16]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				port, ok := pm.Get()
				if !assert.True(t, ok) {
					return
				}
				mu.Lock()
				assert.False(t, seen[port], "port %d handed out twice", port)
				seen[port] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*per)
	for port := range seen {
		assert.GreaterOrEqual(t, port, uint16(2000))
		assert.LessOrEqual(t, port, uint16(9999))
	}
	assert.Equal(t, workers*per, pm.Used())
}

func TestPortmapExhaustAndReuse(t *testing.T) {
	pm := newPortmap(netip.MustParseAddr("203.0.113.9"), 100, 164) // 65 ports, two words
	got := make(map[uint16]bool)
	for i := 0; i < 65; i++ {
		port, ok := pm.Get()
		require.True(t, ok)
		got[port] = true
	}
	assert.Len(t, got, 65)
	_, ok := pm.Get()
	assert.False(t, ok)

	pm.Put(130)
	assert.False(t, pm.InUse(130))
	port, ok := pm.Get()
	require.True(t, ok)
	assert.Equal(t, uint16(130), port)

	assert.False(t, pm.Take(130))
	pm.Put(99) // out of range, ignored
	assert.Equal(t, 65, pm.Used())
}

func TestPortmapConcurrentTake(t *testing.T) {
	pm := newPortmap(netip.MustParseAddr("203.0.113.9"), 1024, 1151)
	const workers = 16
	var (
		wg   sync.WaitGroup
		wins [workers]int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := uint16(1024); port <= 1151; port++ {
				if pm.Take(port) {
					wins[w]++
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, n := range wins {
		total += n
	}
	assert.Equal(t, 128, total, "each port has exactly one winner")
	assert.Equal(t, 128, pm.Used())

	pm.Put(1100)
	assert.True(t, pm.Take(1100))
	assert.False(t, pm.Take(1100))
	assert.False(t, pm.Take(1023))
}

func TestRegistryShares(t *testing.T) {
	reg := NewRegistry(0, 0)
	addr := netip.MustParseAddr("203.0.113.9")
	a := reg.Acquire(addr)
	b := reg.Acquire(addr)
	assert.Same(t, a, b)
	min, max := a.Range()
	assert.Equal(t, uint16(DefaultPortMin), min)
	assert.Equal(t, uint16(DefaultPortMax), max)

	reg.Release(addr)
	assert.Equal(t, 1, reg.Len())
	reg.Release(addr)
	assert.Equal(t, 0, reg.Len())
}

func TestDescValidate(t *testing.T) {
	tn := netip.MustParsePrefix("203.0.113.9/32")
	tests := []struct {
		name string
		desc Desc
	}{
		{"no type", Desc{TransNet: tn}},
		{"no address", Desc{Type: TypeOut}},
		{"portmap without ports", Desc{Type: TypeOut, TransNet: tn, Flags: FlagPortMap}},
		{"static with ports", Desc{Type: TypeOut, TransNet: tn, Flags: FlagStatic | FlagPorts}},
		{"stateful npt66", Desc{Type: TypeOut, TransNet: netip.MustParsePrefix("2001:db8::/48"),
			OrigNet: netip.MustParsePrefix("fd00::/48"), Algo: AlgoNPTv6}},
		{"npt66 length mismatch", Desc{Type: TypeOut, Flags: FlagStatic, Algo: AlgoNPTv6,
			TransNet: netip.MustParsePrefix("2001:db8::/48"), OrigNet: netip.MustParsePrefix("fd00::/56")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.desc, NewRegistry(0, 0))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
	_, err := ParseAlgo("random")
	assert.ErrorIs(t, err, ErrInvalid)
	a, err := ParseAlgo("ip-hash")
	require.NoError(t, err)
	assert.Equal(t, AlgoIPHash, a)
}

type fakeOwner struct {
	mu      sync.Mutex
	expired bool
	onExp   func()
}

func (o *fakeOwner) Expire() {
	o.mu.Lock()
	o.expired = true
	o.mu.Unlock()
	if o.onExp != nil {
		o.onExp()
	}
}

func masquerade(t *testing.T, reg *Registry) *Policy {
	t.Helper()
	p, err := NewPolicy(Desc{
		ID: 1, Type: TypeOut, Flags: FlagPorts | FlagPortMap,
		TransNet: netip.MustParsePrefix("203.0.113.9/32"),
	}, reg)
	require.NoError(t, err)
	return p
}

func checksumsValid(t *testing.T, buf []byte) {
	t.Helper()
	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	u := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	want := testpkt.UDP(t, ip.SrcIP.String(), ip.DstIP.String(), uint16(u.SrcPort), uint16(u.DstPort), u.Payload)
	// The fresh build uses IP ID 1 and TTL 64 like the fixture.
	assert.Equal(t, want, buf)
}

func TestEntryTranslateRoundTrip(t *testing.T) {
	reg := NewRegistry(0, 0)
	p := masquerade(t, reg)
	orig := testpkt.UDP(t, "10.0.0.5", "93.184.216.34", 40000, 53, []byte("query"))
	buf := append([]byte(nil), orig...)
	v := packet.New(buf)

	e, err := p.Create(v, &fakeOwner{})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), e.OrigAddr())
	assert.Equal(t, uint16(40000), e.OrigPort())
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), e.TransAddr())
	assert.True(t, e.TransPort() >= DefaultPortMin && e.TransPort() <= DefaultPortMax)
	assert.Equal(t, 1, p.Len())

	require.NoError(t, e.Translate(v, true))
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), v.Addr(packet.Src))
	sp, _ := v.Port(packet.Src)
	assert.Equal(t, e.TransPort(), sp)
	checksumsValid(t, buf)

	// The reply comes back to the translation and is restored.
	reply := testpkt.UDP(t, "93.184.216.34", "203.0.113.9", 53, e.TransPort(), []byte("answer"))
	rv := packet.New(reply)
	require.NoError(t, e.Translate(rv, false))
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), rv.Addr(packet.Dst))
	dp, _ := rv.Port(packet.Dst)
	assert.Equal(t, uint16(40000), dp)
	checksumsValid(t, reply)

	// Undoing the rewrite restores the original bytes.
	require.NoError(t, v.RewriteAddr(packet.Src, e.OrigAddr()))
	require.NoError(t, v.RewritePort(packet.Src, e.OrigPort()))
	assert.Equal(t, orig, buf)

	pm := reg.Acquire(e.TransAddr())
	assert.True(t, pm.InUse(e.TransPort()))
	e.Destroy()
	e.Destroy()
	assert.False(t, pm.InUse(e.TransPort()))
	assert.Equal(t, 0, p.Len())
}

func TestRedirectFixedPort(t *testing.T) {
	p, err := NewPolicy(Desc{
		Type: TypeIn, Flags: FlagPorts,
		TransNet: netip.MustParsePrefix("10.0.0.80/32"), TransPort: 8080,
	}, nil)
	require.NoError(t, err)

	buf := testpkt.UDP(t, "198.51.100.1", "192.0.2.10", 5000, 80, nil)
	v := packet.New(buf)
	e, err := p.Create(v, nil)
	require.NoError(t, err)
	require.NoError(t, e.Translate(v, true))
	assert.Equal(t, netip.MustParseAddr("10.0.0.80"), v.Addr(packet.Dst))
	dp, _ := v.Port(packet.Dst)
	assert.Equal(t, uint16(8080), dp)
	checksumsValid(t, buf)
	e.Destroy()
}

func TestAddressAlgorithms(t *testing.T) {
	v := packet.New(testpkt.UDP(t, "10.0.0.5", "93.184.216.34", 1, 2, nil))
	mk := func(algo Algo, tn string) *Policy {
		p, err := NewPolicy(Desc{Type: TypeOut, Algo: algo, TransNet: netip.MustParsePrefix(tn)}, nil)
		require.NoError(t, err)
		return p
	}

	addr, err := mk(AlgoNetMap, "192.168.7.0/24").selectAddr(v, v.Addr(packet.Src))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.7.5"), addr)

	assert.Equal(t, netip.MustParseAddr("172.16.0.5"), netmap(netip.MustParseAddr("10.0.0.5"), netip.MustParsePrefix("172.16.0.0/20")))
	assert.Equal(t, netip.MustParseAddr("172.16.3.5"), netmap(netip.MustParseAddr("10.0.3.5"), netip.MustParsePrefix("172.16.0.0/20")))

	pool := netip.MustParsePrefix("198.51.100.0/30")
	h := mk(AlgoIPHash, "198.51.100.0/30")
	a1, _ := h.selectAddr(v, v.Addr(packet.Src))
	a2, _ := h.selectAddr(v, v.Addr(packet.Src))
	assert.Equal(t, a1, a2)
	assert.True(t, pool.Contains(a1))

	rr := mk(AlgoRoundRobin, "198.51.100.0/30")
	var seq []netip.Addr
	for i := 0; i < 5; i++ {
		a, _ := rr.selectAddr(v, v.Addr(packet.Src))
		seq = append(seq, a)
	}
	assert.Equal(t, netip.MustParseAddr("198.51.100.0"), seq[0])
	assert.Equal(t, netip.MustParseAddr("198.51.100.3"), seq[3])
	assert.Equal(t, seq[0], seq[4])

	_, err = mk(AlgoSingle, "2001:db8::1/128").selectAddr(v, v.Addr(packet.Src))
	assert.ErrorIs(t, err, ErrNotTranslated)
}

func TestStaticTranslate(t *testing.T) {
	p, err := NewPolicy(Desc{
		Type: TypeIn, Flags: FlagStatic, Algo: AlgoNetMap,
		TransNet: netip.MustParsePrefix("10.1.0.0/16"),
	}, nil)
	require.NoError(t, err)
	buf := testpkt.UDP(t, "198.51.100.1", "192.0.2.44", 5000, 53, []byte("x"))
	require.NoError(t, p.StaticTranslate(packet.New(buf)))
	assert.Equal(t, netip.MustParseAddr("10.1.2.44"), packet.New(buf).Addr(packet.Dst))
	checksumsValid(t, buf)
	assert.Equal(t, 0, p.Len())
}

func TestPolicyDestroyDrains(t *testing.T) {
	reg := NewRegistry(0, 0)
	p := masquerade(t, reg)

	var entries []*Entry
	for i := 0; i < 3; i++ {
		v := packet.New(testpkt.UDP(t, "10.0.0.5", "93.184.216.34", uint16(40000+i), 53, nil))
		owner := &fakeOwner{}
		e, err := p.Create(v, owner)
		require.NoError(t, err)
		entries = append(entries, e)
		// The owner's collector destroys the entry some time after expiry.
		owner.onExp = func() { time.AfterFunc(20*time.Millisecond, e.Destroy) }
	}
	assert.Equal(t, 1, reg.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Destroy(ctx))
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, reg.Len())

	_, err := p.Create(packet.New(testpkt.UDP(t, "10.0.0.6", "1.1.1.1", 1, 2, nil)), nil)
	assert.ErrorIs(t, err, ErrDraining)
}

func TestPolicyDestroyCancelled(t *testing.T) {
	p := masquerade(t, NewRegistry(0, 0))
	_, err := p.Create(packet.New(testpkt.UDP(t, "10.0.0.5", "1.1.1.1", 1, 2, nil)), &fakeOwner{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Destroy(ctx), context.DeadlineExceeded)
}

func TestEquivalentAndRestore(t *testing.T) {
	reg := NewRegistry(0, 0)
	a := masquerade(t, reg)
	b := masquerade(t, reg)
	assert.True(t, a.Equivalent(b))
	c, err := NewPolicy(Desc{Type: TypeOut, TransNet: netip.MustParsePrefix("203.0.113.10/32")}, reg)
	require.NoError(t, err)
	assert.False(t, a.Equivalent(c))

	e, err := a.Restore(netip.MustParseAddr("10.0.0.5"), 40000, netip.MustParseAddr("203.0.113.9"), 3000, nil)
	require.NoError(t, err)
	assert.True(t, reg.Acquire(netip.MustParseAddr("203.0.113.9")).InUse(3000))
	_, err = b.Restore(netip.MustParseAddr("10.0.0.6"), 40000, netip.MustParseAddr("203.0.113.9"), 3000, nil)
	assert.ErrorIs(t, err, ErrPortsExhausted)
	e.Destroy()

	a.SetID(7)
	assert.Equal(t, uint32(7), a.Desc().ID)
}

func TestEntryAllocPortForQueries(t *testing.T) {
	p := masquerade(t, NewRegistry(0, 0))
	buf := testpkt.Echo(t, "10.0.0.5", "192.0.2.1", 77, 1)
	v := packet.New(buf)
	e, err := p.Create(v, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(77), e.OrigPort())
	assert.Zero(t, e.TransPort())

	require.NoError(t, e.AllocPort())
	require.NotZero(t, e.TransPort())
	require.NoError(t, e.Translate(v, true))
	id, _ := v.Port(packet.Src)
	assert.Equal(t, e.TransPort(), id)

	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.Default)
	ic := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	fresh := testpkt.Echo(t, "203.0.113.9", "192.0.2.1", ic.Id, 1)
	assert.Equal(t, fresh, buf)
}
