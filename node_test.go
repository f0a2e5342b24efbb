package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slskdn/go-mesh/config"
	"github.com/slskdn/go-mesh/pkg/types"
)

func newTestNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{WithPreset(config.PresetTest)}, opts...)
	n, err := New(context.Background(), opts...)
	require.NoError(t, err)
	return n
}

func startTestNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	n := newTestNode(t, opts...)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	})
	return n
}

// TestNode_Lifecycle 启动、重复启动与停止
func TestNode_Lifecycle(t *testing.T) {
	n := newTestNode(t)
	assert.Equal(t, StateIdle, n.State())
	assert.False(t, n.ID().IsEmpty())
	assert.True(t, n.LocalAddr().IsValid())

	// 未启动时对外接口返回错误
	_, err := n.Get(context.Background(), []byte("k"))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, n.Stop(context.Background()), ErrNotStarted)

	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, StateRunning, n.State())
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, n.Stop(context.Background()))
	assert.Equal(t, StateStopped, n.State())
	assert.NoError(t, n.Stop(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeClosed)

	err = n.Put(context.Background(), []byte("k"), []byte("v"), time.Hour)
	assert.ErrorIs(t, err, ErrNodeClosed)

	t.Log("✅ 节点生命周期测试通过")
}

// TestNode_InvalidOptions 非法配置在构造时拒绝
func TestNode_InvalidOptions(t *testing.T) {
	_, err := New(context.Background(), WithPreset("mobile"))
	assert.Error(t, err)

	_, err = New(context.Background(), WithPreset(config.PresetTest), WithBootstrapPeers("not-an-addr"))
	assert.Error(t, err)

	_, err = New(context.Background(), WithConfig(nil))
	assert.Error(t, err)

	_, err = New(context.Background(), WithStartTimeout(0))
	assert.Error(t, err)

	t.Log("✅ 非法选项测试通过")
}

// TestNode_WithConfigIsCopied 调用方之后的修改不影响节点
func TestNode_WithConfigIsCopied(t *testing.T) {
	cfg := config.NewConfig()
	require.NoError(t, config.ApplyPreset(cfg, config.PresetTest))
	cfg.Sync.RequireConsensus = true

	n, err := New(context.Background(), WithConfig(cfg))
	require.NoError(t, err)

	cfg.Sync.RequireConsensus = false
	assert.True(t, n.Config().Sync.RequireConsensus)
}

// TestNode_PutGetAcrossNodes 两个节点经 DHT 存取
func TestNode_PutGetAcrossNodes(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t, WithBootstrapPeers(a.LocalAddr().String()))

	// b 引导后路由表包含 a
	assert.Equal(t, 1, b.RoutingPeers())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := []byte("content:hash-1")
	require.NoError(t, b.Put(ctx, key, []byte("owner=b"), time.Hour))

	got, err := a.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("owner=b"), got)

	t.Log("✅ 跨节点 Put/Get 测试通过")
}

// TestNode_SyncFacade 同步与信誉接口
func TestNode_SyncFacade(t *testing.T) {
	n := startTestNode(t)

	_, ok := n.SyncedEntry("greeting")
	assert.False(t, ok)

	rec, err := n.SetEntry("greeting", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, n.ID(), rec.Origin)

	got, ok := n.SyncedEntry("greeting")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Value)

	// 垃圾消息在管道内处理，只反映在计数中
	stranger := types.RandomPeerID()
	res := n.HandleSyncMessage(context.Background(), stranger, []byte("garbage"))
	assert.Error(t, res.Err)

	stats := n.GetSyncStats()
	assert.Equal(t, int64(1), stats.MessagesReceived)
	assert.Equal(t, int64(1), stats.InvalidMessages)

	assert.False(t, n.IsPeerBanned(stranger))
	assert.Less(t, n.PeerScore(stranger), 0.0)
	assert.NotNil(t, n.MetricsHandler())

	t.Log("✅ 同步接口测试通过")
}

// TestNode_ConnectSelf 不能连接自身
func TestNode_ConnectSelf(t *testing.T) {
	n := startTestNode(t)
	_, err := n.Connect(context.Background(), n.ID())
	assert.Error(t, err)
}
