package sync

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slskdn/go-mesh/internal/core/identity"
	"github.com/slskdn/go-mesh/internal/core/reputation"
	"github.com/slskdn/go-mesh/internal/core/transport/udp"
	"github.com/slskdn/go-mesh/pkg/types"
)

type udpNode struct {
	signer *identity.Service
	tr     *udp.Transport
	rep    *reputation.Store
	svc    *Service
}

func (n *udpNode) contact() types.Contact {
	return types.Contact{ID: n.signer.PeerID(), Addr: n.tr.LocalAddr()}
}

func newUDPNode(t *testing.T, peers PeerSource) *udpNode {
	t.Helper()
	tcfg := udp.DefaultConfig()
	tcfg.ListenAddr = "127.0.0.1:0"
	tr, err := udp.Listen(tcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	rcfg := reputation.DefaultConfig()
	rcfg.Clock = clock.NewMock()
	rep := reputation.NewStore(rcfg, nil, nil)

	signer := newSigner(t)
	cfg := DefaultConfig()
	cfg.ConsensusTimeout = 300 * time.Millisecond
	svc, err := NewService(Params{
		Config:     cfg,
		Signer:     signer,
		Reputation: rep,
		Transport:  tr,
		Peers:      peers,
	})
	require.NoError(t, err)
	return &udpNode{signer: signer, tr: tr, rep: rep, svc: svc}
}

func TestUDPQuerier_QueryAnswer(t *testing.T) {
	a := newUDPNode(t, nil)
	b := newUDPNode(t, nil)
	_, err := b.svc.Set("k", []byte("v"))
	require.NoError(t, err)

	q := NewUDPQuerier(a.signer, a.tr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ans, err := q.Query(ctx, b.contact(), "k")
	require.NoError(t, err)
	assert.True(t, ans.Found)
	assert.Equal(t, []byte("v"), ans.Value)

	ans, err = q.Query(ctx, b.contact(), "missing")
	require.NoError(t, err)
	assert.False(t, ans.Found)

	// 应答签名者必须是被查询的节点
	wrong := types.Contact{ID: types.RandomPeerID(), Addr: b.tr.LocalAddr()}
	_, err = q.Query(ctx, wrong, "k")
	assert.ErrorIs(t, err, ErrSenderMismatch)

	t.Log("✅ 共识查询与应答")
}

func TestUDPQuerier_BannedAskerIgnored(t *testing.T) {
	a := newUDPNode(t, nil)
	b := newUDPNode(t, nil)
	_, err := b.svc.Set("k", []byte("v"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.rep.RecordEvent(reputation.Event{Peer: a.signer.PeerID(), Type: reputation.EventInvalidSignature}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = NewUDPQuerier(a.signer, a.tr).Query(ctx, b.contact(), "k")
	assert.Error(t, err)

	t.Log("✅ 封禁节点的查询不应答")
}

func TestUDPQuerier_ConsensusOverNetwork(t *testing.T) {
	var voters []*udpNode
	for i := 0; i < 3; i++ {
		voters = append(voters, newUDPNode(t, nil))
	}
	peers := func(string, int) []types.Contact {
		out := make([]types.Contact, len(voters))
		for i, v := range voters {
			out[i] = v.contact()
		}
		return out
	}
	recv := newUDPNode(t, peers)
	origin := newUDPNode(t, nil)

	for _, v := range voters[:2] {
		_, err := v.svc.Set("title", []byte("agreed"))
		require.NoError(t, err)
	}
	_, err := voters[2].svc.Set("title", []byte("different"))
	require.NoError(t, err)

	e := Entry{Key: "title", Value: []byte("agreed"), Timestamp: time.Now().UnixMilli()}
	raws, err := origin.svc.Encode([]Entry{e})
	require.NoError(t, err)

	res := recv.svc.HandleMessage(context.Background(), origin.signer.PeerID(), raws[0])
	assert.Equal(t, OutcomeMerged, res.Outcome)

	e.Value = []byte("different")
	e.Timestamp++
	raws, err = origin.svc.Encode([]Entry{e})
	require.NoError(t, err)
	res = recv.svc.HandleMessage(context.Background(), origin.signer.PeerID(), raws[0])
	assert.Equal(t, OutcomePartiallyMerged, res.Outcome)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 1, res.ConsensusFailures)

	rec, err := recv.svc.Get("title")
	require.NoError(t, err)
	assert.Equal(t, []byte("agreed"), rec.Value)

	t.Log("✅ 经网络查询达成共识")
}
