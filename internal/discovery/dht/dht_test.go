package dht

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/slskdn/go-mesh/internal/core/storage/engine"
	"github.com/slskdn/go-mesh/internal/core/storage/engine/badger"
	"github.com/slskdn/go-mesh/internal/core/storage/kv"
	"github.com/slskdn/go-mesh/pkg/types"
)

// ============================================================================
//                              多节点测试
// ============================================================================

func TestDHT_FindNode(t *testing.T) {
	_, nodes := newTestCluster(t, 16)

	for _, pair := range [][2]int{{5, 12}, {15, 1}, {3, 0}} {
		from, to := nodes[pair[0]], nodes[pair[1]]
		got, err := from.dht.FindNode(context.Background(), to.ID())
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, to.ID(), got[0].ID, "目标节点应排在首位")
		assert.LessOrEqual(t, len(got), DefaultBucketSize)
	}

	t.Log("✅ 迭代查找定位目标节点")
}

func TestDHT_StoreAndFindValue(t *testing.T) {
	_, nodes := newTestCluster(t, 12)
	ctx := context.Background()

	n, err := nodes[3].dht.Store(ctx, []byte("pod:alpha"), []byte("hello"), time.Hour)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	for _, i := range []int{0, 7, 11} {
		v, err := nodes[i].dht.Get(ctx, []byte("pod:alpha"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), v)
	}

	_, err = nodes[8].dht.FindValue(ctx, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	t.Log("✅ STORE 后任意节点可取回")
}

func TestDHT_ValueAbsentAfterExpiry(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now())
	_, nodes := newTestCluster(t, 8, WithClock(mock))
	ctx := context.Background()

	_, err := nodes[2].dht.Store(ctx, []byte("short"), []byte("v"), time.Minute)
	require.NoError(t, err)
	_, err = nodes[5].dht.Get(ctx, []byte("short"))
	require.NoError(t, err)

	mock.Add(2 * time.Minute)

	for _, node := range nodes {
		_, ok := node.dht.Records().Get([]byte("short"))
		assert.False(t, ok)
	}
	_, err = nodes[6].dht.Get(ctx, []byte("short"))
	assert.ErrorIs(t, err, ErrNotFound)

	t.Log("✅ TTL 过期后记录不可见")
}

func TestDHT_LookupSkipsUnresponsivePeer(t *testing.T) {
	mem, nodes := newTestCluster(t, 10)
	ctx := context.Background()

	down := nodes[4]
	mem.SetOffline(down.endpoint.Addr(), true)

	got, err := nodes[7].dht.FindNode(ctx, down.ID())
	require.NoError(t, err)
	for _, c := range got {
		assert.NotEqual(t, down.ID(), c.ID, "离线节点不应出现在结果中")
	}

	// 离线节点持有的副本之外仍可取回
	_, err = nodes[1].dht.Store(ctx, []byte("k"), []byte("v"), time.Hour)
	require.NoError(t, err)
	v, err := nodes[9].dht.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	t.Log("✅ 超时节点被跳过，查询由下一个候选继续")
}

func TestDHT_StoreWithoutPeers(t *testing.T) {
	_, nodes := newTestCluster(t, 1)
	n, err := nodes[0].dht.Store(context.Background(), []byte("k"), []byte("v"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	v, err := nodes[0].dht.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestDHT_StoreRejectedByOwner(t *testing.T) {
	_, nodes := newTestCluster(t, 6)
	ctx := context.Background()

	_, err := nodes[1].dht.Store(ctx, []byte("owned"), []byte("mine"), time.Hour)
	require.NoError(t, err)

	// 其它签名者覆盖会被远端拒绝；本地也有原记录时直接失败
	for _, node := range nodes[2:] {
		if _, ok := node.dht.Records().Get([]byte("owned")); ok {
			_, err := node.dht.Store(ctx, []byte("owned"), []byte("theirs"), time.Hour)
			assert.ErrorIs(t, err, ErrNotOwner)
			return
		}
	}
	t.Skip("没有其它节点持有副本")
}

// ============================================================================
//                              RPC 校验
// ============================================================================

func newMockedDHT(t *testing.T, net Network, opts ...ConfigOption) *DHT {
	t.Helper()
	d, err := New(Params{Config: NewConfig(opts...), Signer: newTestSigner(t), Network: net})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d
}

func TestDHT_RejectsResponderMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	net := NewMockNetwork(ctrl)
	d := newMockedDHT(t, net)

	// 另一个节点签名的合法 PONG
	impostor := newMockedDHT(t, NewMockNetwork(ctrl))
	pong, err := impostor.seal(&Message{Type: MessageTypePong})
	require.NoError(t, err)

	addr := testAddr(1)
	net.EXPECT().Request(gomock.Any(), addr, gomock.Any()).Return(pong, nil).Times(2)

	err = d.Ping(context.Background(), testContact(types.RandomPeerID(), 1))
	assert.ErrorIs(t, err, ErrSenderMismatch)
	assert.Equal(t, 0, d.RoutingTable().Size())

	err = d.Ping(context.Background(), testContact(impostor.signer.PeerID(), 1))
	require.NoError(t, err)
	_, ok := d.RoutingTable().Get(impostor.signer.PeerID())
	assert.True(t, ok, "验证通过的响应者加入路由表")

	t.Log("✅ 响应者身份由信封公钥派生并校验")
}

func TestDHT_RejectsWrongResponseType(t *testing.T) {
	ctrl := gomock.NewController(t)
	net := NewMockNetwork(ctrl)
	d := newMockedDHT(t, net)
	peer := newMockedDHT(t, NewMockNetwork(ctrl))

	resp, err := peer.seal(&Message{Type: MessageTypeStoreResponse})
	require.NoError(t, err)
	net.EXPECT().Request(gomock.Any(), gomock.Any(), gomock.Any()).Return(resp, nil)

	err = d.Ping(context.Background(), testContact(peer.signer.PeerID(), 1))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDHT_FindValueIgnoresExpiredRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	net := NewMockNetwork(ctrl)
	d := newMockedDHT(t, net)
	peer := newMockedDHT(t, NewMockNetwork(ctrl))

	// 签名于一天前、TTL 一分钟的记录早已过期
	key := []byte("k")
	stale, err := NewRecord(key, []byte("old"), time.Minute, time.Now().Add(-24*time.Hour), peer.signer)
	require.NoError(t, err)
	resp, err := peer.seal(&Message{Type: MessageTypeFindValueResponse, Record: stale})
	require.NoError(t, err)
	net.EXPECT().Request(gomock.Any(), gomock.Any(), gomock.Any()).Return(resp, nil).AnyTimes()

	d.RoutingTable().Insert(context.Background(), testContact(peer.signer.PeerID(), 1))

	_, err = d.FindValue(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)

	t.Log("✅ 远端返回的过期记录不被接受")
}

func TestDHT_NetworkError(t *testing.T) {
	ctrl := gomock.NewController(t)
	net := NewMockNetwork(ctrl)
	d := newMockedDHT(t, net)

	net.EXPECT().Request(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, ErrUnreachable)

	err := d.Ping(context.Background(), testContact(types.RandomPeerID(), 1))
	var opErr *Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "ping", opErr.Op)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestDHT_HandleRequestValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := newMockedDHT(t, NewMockNetwork(ctrl), func(c *Config) {
		c.InboundRate = 0.001
		c.InboundBurst = 2
	})
	peer := newMockedDHT(t, NewMockNetwork(ctrl))

	_, err := d.HandleRequest(context.Background(), testAddr(1), []byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	self, err := d.seal(&Message{Type: MessageTypePing})
	require.NoError(t, err)
	_, err = d.HandleRequest(context.Background(), testAddr(1), self)
	assert.ErrorIs(t, err, ErrInvalidMessage, "拒绝自身签名的请求")

	ping, err := peer.seal(&Message{Type: MessageTypePing})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		raw, err := d.HandleRequest(context.Background(), testAddr(1), ping)
		require.NoError(t, err)
		resp, sender, _, err := peer.open(raw)
		require.NoError(t, err)
		assert.Equal(t, MessageTypePong, resp.Type)
		assert.Equal(t, d.signer.PeerID(), sender)
	}
	_, err = d.HandleRequest(context.Background(), testAddr(1), ping)
	assert.ErrorIs(t, err, ErrRateLimited)

	_, ok := d.RoutingTable().Get(peer.signer.PeerID())
	assert.True(t, ok)

	t.Log("✅ 入站请求校验签名并按发送方限速")
}

func TestDHT_HandleStoreRejectsForgedRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := newMockedDHT(t, NewMockNetwork(ctrl))
	peer := newMockedDHT(t, NewMockNetwork(ctrl))

	rec, err := NewRecord([]byte("k"), []byte("v"), time.Hour, time.Now(), peer.signer)
	require.NoError(t, err)
	rec.Value = []byte("forged")

	req, err := peer.seal(&Message{Type: MessageTypeStore, Record: rec})
	require.NoError(t, err)
	raw, err := d.HandleRequest(context.Background(), testAddr(1), req)
	require.NoError(t, err)
	resp, _, _, err := peer.open(raw)
	require.NoError(t, err)
	assert.Equal(t, ErrBadSignature.Error(), resp.Error)

	_, ok := d.Records().Get([]byte("k"))
	assert.False(t, ok)
}

// ============================================================================
//                              快照
// ============================================================================

func TestDHT_RoutingSnapshot(t *testing.T) {
	db, err := badger.New(engine.DefaultConfig(""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	persist := kv.New(db, []byte("d/"))

	ctrl := gomock.NewController(t)
	signer := newTestSigner(t)
	d, err := New(Params{Config: DefaultConfig(), Signer: signer, Network: NewMockNetwork(ctrl), Persist: persist})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		d.RoutingTable().Insert(context.Background(), testContact(types.RandomPeerID(), i))
	}
	d.saveSnapshot()

	restored, err := New(Params{Config: DefaultConfig(), Signer: signer, Network: NewMockNetwork(ctrl), Persist: persist})
	require.NoError(t, err)
	assert.Equal(t, 10, restored.loadSnapshot())
	assert.Equal(t, 10, restored.RoutingTable().Size())

	count := 0
	require.NoError(t, persist.SubStore(prefixSnapshot).PrefixScan(nil, func(k, _ []byte) bool {
		assert.Regexp(t, `^\d{3}/`, string(k))
		count++
		return true
	}))
	assert.Equal(t, 10, count)

	t.Log(fmt.Sprintf("✅ 路由表快照恢复 %d 个节点", count))
}
