package nat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slskdn/go-mesh/internal/core/identity"
	natstun "github.com/slskdn/go-mesh/internal/core/nat/stun"
	"github.com/slskdn/go-mesh/internal/core/relay"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/internal/discovery/dht"
	"github.com/slskdn/go-mesh/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

var errUnreachable = errors.New("unreachable")

// fakeDir 内存会合目录，多个节点共享
type fakeDir struct {
	mu      sync.Mutex
	records map[string]*dht.Record
	direct  map[netip.AddrPort]types.PeerID
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		records: make(map[string]*dht.Record),
		direct:  make(map[netip.AddrPort]types.PeerID),
	}
}

func (f *fakeDir) reachable(addr netip.AddrPort, id types.PeerID) {
	f.mu.Lock()
	f.direct[addr] = id
	f.mu.Unlock()
}

func (f *fakeDir) rendezvous(id types.PeerID) (Rendezvous, bool) {
	f.mu.Lock()
	rec, ok := f.records[string(RendezvousKey(id))]
	f.mu.Unlock()
	if !ok {
		return Rendezvous{}, false
	}
	var rv Rendezvous
	if err := json.Unmarshal(rec.Value, &rv); err != nil {
		return Rendezvous{}, false
	}
	return rv, true
}

// dirView 以某个节点的身份访问目录
type dirView struct {
	*fakeDir
	signer identity.Signer
}

func (v dirView) FindValue(_ context.Context, key []byte) (*dht.Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.records[string(key)]
	if !ok {
		return nil, dht.ErrNotFound
	}
	return rec, nil
}

func (v dirView) Store(_ context.Context, key, value []byte, ttl time.Duration) (int, error) {
	rec, err := dht.NewRecord(key, value, ttl, time.Now(), v.signer)
	if err != nil {
		return 0, err
	}
	v.mu.Lock()
	v.records[string(key)] = rec
	v.mu.Unlock()
	return 1, nil
}

func (v dirView) PingAddr(_ context.Context, addr netip.AddrPort) (types.Contact, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.direct[addr]
	if !ok {
		return types.Contact{}, errUnreachable
	}
	return types.Contact{ID: id, Addr: addr}, nil
}

type received struct {
	from    types.PeerID
	kind    types.PathKind
	payload string
}

type node struct {
	signer *identity.Service
	tr     *udp.Transport
	svc    *Service

	mu    sync.Mutex
	inbox []received
}

func (n *node) id() types.PeerID {
	return n.signer.PeerID()
}

func (n *node) addr() netip.AddrPort {
	return n.tr.LocalAddr()
}

func (n *node) candidate() relay.Candidate {
	return relay.Candidate{ID: n.id(), Addr: n.addr()}
}

func (n *node) messages() []received {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]received(nil), n.inbox...)
}

// setNAT 设置 NAT 类型（映射地址即本地回环地址）并发布会合记录
func (n *node) setNAT(t *testing.T, typ types.NATType) {
	t.Helper()
	n.svc.Reachability().Set(typ, n.addr())
	require.NoError(t, n.svc.Publish(context.Background()))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.STUN.Servers = nil
	cfg.PortMap.Enable = false
	cfg.EnableRelayServer = false
	cfg.DirectTimeout = 300 * time.Millisecond
	cfg.PunchTimeout = time.Second
	cfg.RelayTimeout = time.Second
	cfg.Punch.ProbeInterval = 20 * time.Millisecond
	cfg.Punch.ProbeTimeout = 200 * time.Millisecond
	return cfg
}

func newNode(t *testing.T, dir *fakeDir, mutate func(*Config)) *node {
	t.Helper()
	signer := identity.NewService(identity.Config{})
	_, err := signer.GenerateOrLoad()
	require.NoError(t, err)

	tcfg := udp.DefaultConfig()
	tcfg.ListenAddr = "127.0.0.1:0"
	tr, err := udp.Listen(tcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(Params{
		Config:    cfg,
		Signer:    signer,
		Transport: tr,
		Directory: dirView{fakeDir: dir, signer: signer},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
		svc.Traversal().Stop()
		svc.RelayServer().Stop()
	})

	n := &node{signer: signer, tr: tr, svc: svc}
	svc.Traversal().OnData(func(peer types.PeerID, kind types.PathKind, payload []byte) {
		n.mu.Lock()
		n.inbox = append(n.inbox, received{from: peer, kind: kind, payload: string(payload)})
		n.mu.Unlock()
	})
	return n
}

func newRelayNode(t *testing.T, dir *fakeDir) *node {
	t.Helper()
	r := newNode(t, dir, nil)
	r.setNAT(t, types.NATTypeOpen)
	r.svc.RelayServer().Start()
	return r
}

func relayVia(r *node) func(*Config) {
	return func(cfg *Config) {
		cfg.Relays = []string{fmt.Sprintf("%s@%s", r.id(), r.addr())}
	}
}

// ============================================================================
//                              Connect
// ============================================================================

func TestTraversal_DirectFirst(t *testing.T) {
	dir := newFakeDir()
	a := newNode(t, dir, nil)
	b := newNode(t, dir, nil)
	b.setNAT(t, types.NATTypeOpen)
	dir.reachable(b.addr(), b.id())

	p, err := a.svc.Connect(context.Background(), b.id())
	require.NoError(t, err)
	assert.Equal(t, types.PathDirect, p.Kind)
	assert.Equal(t, b.addr(), p.Addr)

	// 对端收到公告后也登记了反向路径
	require.Eventually(t, func() bool {
		_, ok := b.svc.Traversal().Path(a.id())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Send([]byte("hi")))
	require.Eventually(t, func() bool { return len(b.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, a.id(), b.messages()[0].from)
	assert.Equal(t, "hi", b.messages()[0].payload)

	// 已有路径直接复用
	again, err := a.svc.Connect(context.Background(), b.id())
	require.NoError(t, err)
	assert.Same(t, p, again)

	t.Log("✅ 可直连时优先直连")
}

func TestTraversal_PunchWhenDirectFails(t *testing.T) {
	dir := newFakeDir()
	a := newNode(t, dir, nil)
	b := newNode(t, dir, nil)
	a.setNAT(t, types.NATTypePortRestricted)
	b.setNAT(t, types.NATTypePortRestricted)

	p, err := a.svc.Connect(context.Background(), b.id())
	require.NoError(t, err)
	assert.Equal(t, types.PathHolePunched, p.Kind)
	assert.Equal(t, b.addr(), p.Addr)

	t.Log("✅ 直连失败后打洞")
}

func TestTraversal_PunchCoordinatedViaRelay(t *testing.T) {
	dir := newFakeDir()
	r := newRelayNode(t, dir)
	a := newNode(t, dir, nil)
	b := newNode(t, dir, relayVia(r))
	a.setNAT(t, types.NATTypePortRestricted)
	b.svc.Reachability().Set(types.NATTypePortRestricted, b.addr())
	b.svc.ensureRelays(context.Background())
	require.NoError(t, b.svc.Publish(context.Background()))

	rv, ok := dir.rendezvous(b.id())
	require.True(t, ok)
	require.Len(t, rv.Relays, 1)
	assert.Equal(t, r.candidate(), rv.Relays[0])

	p, err := a.svc.Connect(context.Background(), b.id())
	require.NoError(t, err)
	assert.Equal(t, types.PathHolePunched, p.Kind)
	assert.Equal(t, uint64(1), r.svc.RelayServer().Stats().Signals)

	// 协调消息让对端同时打洞
	require.Eventually(t, func() bool {
		bp, ok := b.svc.Traversal().Path(a.id())
		return ok && bp.Kind == types.PathHolePunched
	}, 2*time.Second, 10*time.Millisecond)

	t.Log("✅ 经中继交换协调消息后双方同时打洞")
}

func TestTraversal_RelayWhenBothSymmetric(t *testing.T) {
	dir := newFakeDir()
	r := newRelayNode(t, dir)
	a := newNode(t, dir, nil)
	b := newNode(t, dir, relayVia(r))
	a.setNAT(t, types.NATTypeSymmetric)
	b.svc.Reachability().Set(types.NATTypeSymmetric, b.addr())
	b.svc.ensureRelays(context.Background())
	require.NoError(t, b.svc.Publish(context.Background()))

	p, err := a.svc.Connect(context.Background(), b.id())
	require.NoError(t, err)
	assert.Equal(t, types.PathRelayed, p.Kind)
	assert.Equal(t, r.addr(), p.Addr)

	require.NoError(t, p.Send([]byte("via relay")))
	require.Eventually(t, func() bool { return len(b.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := b.messages()[0]
	assert.Equal(t, a.id(), got.from)
	assert.Equal(t, types.PathRelayed, got.kind)
	assert.Equal(t, "via relay", got.payload)

	// 反向路径经同一中继
	back, ok := b.svc.Traversal().Path(a.id())
	require.True(t, ok)
	assert.Equal(t, types.PathRelayed, back.Kind)
	require.NoError(t, back.Send([]byte("reply")))
	require.Eventually(t, func() bool { return len(a.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "reply", a.messages()[0].payload)

	t.Log("✅ 双方都是对称型 NAT 时经中继")
}

func TestTraversal_AllStagesFail(t *testing.T) {
	dir := newFakeDir()
	a := newNode(t, dir, nil)
	b := newNode(t, dir, nil)
	a.setNAT(t, types.NATTypeSymmetric)
	b.setNAT(t, types.NATTypeSymmetric)

	_, err := a.svc.Connect(context.Background(), b.id())
	require.ErrorIs(t, err, ErrTraversalFailed)

	_, err = a.svc.Connect(context.Background(), types.RandomPeerID())
	require.ErrorIs(t, err, ErrTraversalFailed)

	_, err = a.svc.Connect(context.Background(), a.id())
	require.ErrorIs(t, err, ErrSelf)

	t.Log("✅ 全部阶段失败才返回错误")
}

func TestResolve_SignerMismatch(t *testing.T) {
	dir := newFakeDir()
	b := newNode(t, dir, nil)
	c := newNode(t, dir, nil)

	// c 伪造 b 的会合记录
	forged := dirView{fakeDir: dir, signer: c.signer}
	body, err := json.Marshal(Rendezvous{Addrs: []netip.AddrPort{c.addr()}})
	require.NoError(t, err)
	_, err = forged.Store(context.Background(), RendezvousKey(b.id()), body, time.Minute)
	require.NoError(t, err)

	_, err = Resolve(context.Background(), forged, b.id())
	require.ErrorIs(t, err, ErrRendezvousMismatch)

	t.Log("✅ 会合记录必须由对端本人签名")
}

// ============================================================================
//                              Service
// ============================================================================

func TestService_StartClassifiesAndPublishes(t *testing.T) {
	srv, err := natstun.NewServer(netip.MustParseAddrPort("127.0.0.1:0"), netip.Addr{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	dir := newFakeDir()
	n := newNode(t, dir, func(cfg *Config) {
		cfg.STUN.Servers = []string{srv.Addr().String()}
		cfg.STUN.Timeout = 500 * time.Millisecond
		cfg.STUN.ProbeTimeout = 200 * time.Millisecond
		cfg.EnableRelayServer = true
	})

	require.NoError(t, n.svc.Start(context.Background()))
	assert.Equal(t, types.NATTypeOpen, n.svc.Reachability().NATType())
	assert.Equal(t, n.addr(), n.svc.AdvertiseAddr())
	assert.True(t, n.svc.RelayServer().Enabled())

	require.Eventually(t, func() bool {
		rv, ok := dir.rendezvous(n.id())
		return ok && rv.NATType == types.NATTypeOpen && len(rv.Addrs) == 1 && rv.Addrs[0] == n.addr()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, n.svc.Stop(context.Background()))
	assert.False(t, n.svc.RelayServer().Enabled())

	t.Log("✅ 启动时分类 NAT 并发布会合记录")
}

func TestService_ProbeWithoutServers(t *testing.T) {
	dir := newFakeDir()
	n := newNode(t, dir, nil)

	assert.Equal(t, types.NATTypeUnknown, n.svc.Probe(context.Background()))
	assert.False(t, n.svc.AdvertiseAddr().IsValid())
}

func TestService_RelayCandidates(t *testing.T) {
	dir := newFakeDir()
	n := newNode(t, dir, nil)

	static := relay.Candidate{ID: types.RandomPeerID(), Addr: netip.MustParseAddrPort("10.0.0.1:4000")}
	used := relay.Candidate{ID: types.RandomPeerID(), Addr: netip.MustParseAddrPort("10.0.0.2:4000")}
	hint := relay.Candidate{ID: types.RandomPeerID(), Addr: netip.MustParseAddrPort("10.0.0.3:4000")}
	n.svc.static = []relay.Candidate{static}
	n.svc.hints = func() []relay.Candidate {
		return []relay.Candidate{n.candidate(), used, static, hint}
	}

	got := n.svc.relayCandidates(map[netip.AddrPort]struct{}{used.Addr: {}})
	assert.Equal(t, []relay.Candidate{static, hint}, got)
}

// ============================================================================
//                              辅助类型
// ============================================================================

func TestParseRelay(t *testing.T) {
	id := types.RandomPeerID()
	c, err := ParseRelay(fmt.Sprintf("%s@192.0.2.1:7000", id))
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:7000"), c.Addr)

	for _, bad := range []string{"", "nohost", "bad@192.0.2.1:7000", fmt.Sprintf("%s@nope", id)} {
		_, err := ParseRelay(bad)
		assert.ErrorIs(t, err, ErrInvalidRelay, bad)
	}
}

func TestPathTable_PrefersUDPPaths(t *testing.T) {
	tbl := newPathTable()
	peer := types.RandomPeerID()
	relayAddr := netip.MustParseAddrPort("10.0.0.9:4000")
	direct := netip.MustParseAddrPort("10.0.0.5:4000")

	_, added := tbl.put(&Path{Peer: peer, Kind: types.PathRelayed, Addr: relayAddr})
	require.True(t, added)
	_, ok := tbl.peerAt(relayAddr)
	assert.False(t, ok, "中继地址不用于入站归属")

	_, added = tbl.put(&Path{Peer: peer, Kind: types.PathHolePunched, Addr: direct})
	require.True(t, added)
	got, ok := tbl.peerAt(direct)
	require.True(t, ok)
	assert.Equal(t, peer, got)

	eff, added := tbl.put(&Path{Peer: peer, Kind: types.PathRelayed, Addr: relayAddr})
	assert.False(t, added)
	assert.Equal(t, types.PathHolePunched, eff.Kind)

	assert.False(t, tbl.remove(peer, relayAddr))
	assert.True(t, tbl.remove(peer, direct))
	assert.Equal(t, 0, tbl.len())
}
