package dht

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/pkg/types"
)

func newTestSigner(t *testing.T) *identity.Service {
	t.Helper()
	svc := identity.NewService(identity.Config{})
	_, err := svc.GenerateOrLoad()
	require.NoError(t, err)
	return svc
}

func testAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, byte(i >> 8), byte(i)}), 4001)
}

func testContact(id types.PeerID, i int) types.Contact {
	return types.Contact{ID: id, Addr: testAddr(i)}
}

// testNode MemNetwork 上的一个 DHT 节点
type testNode struct {
	dht      *DHT
	endpoint *MemEndpoint
	signer   *identity.Service
}

func (n *testNode) ID() types.PeerID {
	return n.signer.PeerID()
}

// newTestCluster 创建 n 个节点，全部以第 0 个节点为引导节点并启动
func newTestCluster(t *testing.T, n int, opts ...ConfigOption) (*MemNetwork, []*testNode) {
	t.Helper()
	mem := NewMemNetwork()
	nodes := make([]*testNode, 0, n)

	var bootstrap netip.AddrPort
	for i := 0; i < n; i++ {
		ep := mem.Endpoint()
		signer := newTestSigner(t)

		cfg := NewConfig(append([]ConfigOption{
			WithRPCTimeout(300 * time.Millisecond),
		}, opts...)...)
		cfg.LookupTimeout = 5 * time.Second
		cfg.ProbeTimeout = 300 * time.Millisecond
		if i > 0 {
			cfg.BootstrapPeers = []netip.AddrPort{bootstrap}
		}

		d, err := New(Params{Config: cfg, Signer: signer, Network: ep})
		require.NoError(t, err)
		ep.Handle(d.HandleRequest)
		if i == 0 {
			bootstrap = ep.Addr()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		require.NoError(t, d.Start(ctx))
		cancel()

		nodes = append(nodes, &testNode{dht: d, endpoint: ep, signer: signer})
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			_ = node.dht.Stop(context.Background())
		}
	})
	return mem, nodes
}
