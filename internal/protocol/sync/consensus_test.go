package sync

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slskdn/go-mesh/pkg/types"
)

// vote 单个投票节点的行为
type vote int

const (
	voteAgree vote = iota
	voteDisagree
	voteMissing
	voteTimeout
	voteError
)

type fakeQuerier struct {
	votes   map[types.PeerID]vote
	queries atomic.Int32
}

func (q *fakeQuerier) Query(ctx context.Context, peer types.Contact, key string) (Answer, error) {
	q.queries.Add(1)
	switch q.votes[peer.ID] {
	case voteAgree:
		return Answer{Key: key, Value: []byte("good"), Found: true}, nil
	case voteDisagree:
		return Answer{Key: key, Value: []byte("other"), Found: true}, nil
	case voteMissing:
		return Answer{Key: key}, nil
	case voteTimeout:
		<-ctx.Done()
		return Answer{}, ctx.Err()
	default:
		return Answer{}, errors.New("unreachable")
	}
}

func voters(votes ...vote) ([]types.Contact, map[types.PeerID]vote) {
	contacts := make([]types.Contact, len(votes))
	m := make(map[types.PeerID]vote, len(votes))
	for i, v := range votes {
		id := types.RandomPeerID()
		contacts[i] = types.Contact{ID: id, Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(9000+i))}
		m[id] = v
	}
	return contacts, m
}

func newConsensusFixture(t *testing.T, all bool, votes ...vote) (*fixture, *fakeQuerier) {
	t.Helper()
	contacts, m := voters(votes...)
	q := &fakeQuerier{votes: m}
	f := newFixture(t, func(p *Params) {
		p.Config.RequireConsensus = all
		p.Config.ConsensusTimeout = 50 * time.Millisecond
		p.Querier = q
		p.Peers = func(string, int) []types.Contact { return contacts }
	})
	return f, q
}

// contested 先写入本地值，再返回一条值不同的较新条目
func contested(t *testing.T, f *fixture, key string) Entry {
	t.Helper()
	_, err := f.svc.Set(key, []byte("mine"))
	require.NoError(t, err)
	f.mock.Add(time.Millisecond)
	return f.entry(key, "good")
}

func TestConsensus_TwoOfThreeAgree(t *testing.T) {
	f, _ := newConsensusFixture(t, false, voteAgree, voteDisagree, voteAgree)
	r := f.newRemote(t)

	res := f.svc.HandleMessage(context.Background(), r.id(), r.encode(t, contested(t, f, "k")))
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, 0, res.ConsensusFailures)

	rec, err := f.svc.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), rec.Value)

	t.Log("✅ 三取二达成共识")
}

func TestConsensus_OneAgreementSkipped(t *testing.T) {
	f, _ := newConsensusFixture(t, false, voteAgree, voteDisagree, voteMissing)
	r := f.newRemote(t)

	raw := r.encode(t, contested(t, f, "k"), f.entry("plain", "v"))
	res := f.svc.HandleMessage(context.Background(), r.id(), raw)

	assert.Equal(t, OutcomePartiallyMerged, res.Outcome)
	assert.Equal(t, 1, res.ConsensusFailures)
	rec, err := f.svc.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), rec.Value, "本地值保持不变")
	_, err = f.svc.Get("plain")
	assert.NoError(t, err)

	st := f.svc.Stats()
	assert.Equal(t, int64(1), st.ConsensusFailures)
	assert.Equal(t, int64(0), st.InvalidEntries)

	t.Log("✅ 仅一票认同时跳过并计为共识失败")
}

func TestConsensus_TimeoutCountsAsAbsent(t *testing.T) {
	f, _ := newConsensusFixture(t, false, voteAgree, voteTimeout, voteAgree)
	r := f.newRemote(t)

	res := f.svc.HandleMessage(context.Background(), r.id(), r.encode(t, contested(t, f, "k")))
	assert.Equal(t, OutcomeMerged, res.Outcome)

	f2, _ := newConsensusFixture(t, false, voteAgree, voteTimeout, voteError)
	r2 := f2.newRemote(t)
	res = f2.svc.HandleMessage(context.Background(), r2.id(), r2.encode(t, contested(t, f2, "k")))
	assert.Equal(t, OutcomePartiallyMerged, res.Outcome)
	assert.Equal(t, 0, res.Accepted)
	assert.ErrorIs(t, res.Err, ErrNoConsensus)

	t.Log("✅ 超时视为弃权")
}

func TestConsensus_OnlyContestedUnlessRequired(t *testing.T) {
	f, q := newConsensusFixture(t, false, voteDisagree, voteDisagree, voteDisagree)
	r := f.newRemote(t)

	res := f.svc.HandleMessage(context.Background(), r.id(), r.encode(t, f.entry("plain", "v")))
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, int32(0), q.queries.Load())

	f2, q2 := newConsensusFixture(t, true, voteDisagree, voteDisagree, voteDisagree)
	r2 := f2.newRemote(t)
	res = f2.svc.HandleMessage(context.Background(), r2.id(), r2.encode(t, f2.entry("plain", "v")))
	assert.Equal(t, OutcomePartiallyMerged, res.Outcome)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, int32(3), q2.queries.Load())

	t.Log("✅ 仅争议条目需要共识")
}

func TestConsensus_ContestednessDecidedLocally(t *testing.T) {
	f, q := newConsensusFixture(t, false, voteDisagree, voteDisagree, voteDisagree)
	r := f.newRemote(t)

	_, err := f.svc.Set("k", []byte("mine"))
	require.NoError(t, err)
	f.mock.Add(time.Millisecond)

	// 发送方无从声明条目无争议：本地值不同即需共识
	res := f.svc.HandleMessage(context.Background(), r.id(), r.encode(t, f.entry("k", "evil")))
	assert.Equal(t, OutcomePartiallyMerged, res.Outcome)
	assert.Equal(t, 0, res.Accepted)
	assert.ErrorIs(t, res.Err, ErrNoConsensus)
	assert.Equal(t, int32(3), q.queries.Load())

	rec, err := f.svc.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), rec.Value)

	// 与本地值相同的条目无需共识
	before := q.queries.Load()
	res = f.svc.HandleMessage(context.Background(), r.id(), r.encode(t, f.entry("k", "mine")))
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, before, q.queries.Load())

	t.Log("✅ 争议由本地状态判定")
}

func TestConsensus_ExcludesOriginAndNeedsPeers(t *testing.T) {
	contacts, m := voters(voteAgree, voteAgree)
	q := &fakeQuerier{votes: m}
	c := consensus{
		self:          types.RandomPeerID(),
		querier:       q,
		peers:         func(string, int) []types.Contact { return contacts },
		minPeers:      3,
		minAgreements: 2,
		timeout:       50 * time.Millisecond,
	}
	e := Entry{Key: "k", Value: []byte("good"), Timestamp: 1}

	n, err := c.check(context.Background(), types.RandomPeerID(), e)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 来源本身不参与投票
	_, err = c.check(context.Background(), contacts[0].ID, e)
	assert.ErrorIs(t, err, ErrNoConsensus)

	c.querier = nil
	_, err = c.check(context.Background(), types.RandomPeerID(), e)
	assert.ErrorIs(t, err, ErrNoConsensus)

	t.Log("✅ 投票节点排除来源")
}
