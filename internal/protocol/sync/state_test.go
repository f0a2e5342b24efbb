package sync

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slskdn/go-mesh/internal/core/storage/engine"
	"github.com/slskdn/go-mesh/internal/core/storage/engine/badger"
	"github.com/slskdn/go-mesh/internal/core/storage/kv"
	"github.com/slskdn/go-mesh/pkg/types"
)

func orderedPeers() (lo, hi types.PeerID) {
	a, b := types.RandomPeerID(), types.RandomPeerID()
	if a.Compare(b) > 0 {
		return b, a
	}
	return a, b
}

func rec(key, value string, ts int64, origin types.PeerID) Record {
	return Record{Entry: Entry{Key: key, Value: []byte(value), Timestamp: ts}, Origin: origin}
}

func TestState_LastWriterWins(t *testing.T) {
	s := NewState(nil)
	lo, hi := orderedPeers()

	applied, err := s.Apply(rec("k", "v1", 100, lo))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, _ = s.Apply(rec("k", "old", 99, hi))
	assert.False(t, applied)

	applied, _ = s.Apply(rec("k", "v2", 101, lo))
	assert.True(t, applied)

	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got.Value)

	t.Log("✅ 较新的时间戳胜出")
}

func TestState_TieBreakIndependentOfOrder(t *testing.T) {
	lo, hi := orderedPeers()
	a := rec("k", "from-lo", 100, lo)
	b := rec("k", "from-hi", 100, hi)

	s1, s2 := NewState(nil), NewState(nil)
	_, _ = s1.Apply(a)
	_, _ = s1.Apply(b)
	_, _ = s2.Apply(b)
	_, _ = s2.Apply(a)

	g1, _ := s1.Get("k")
	g2, _ := s2.Get("k")
	assert.Equal(t, g1, g2)
	assert.Equal(t, hi, g1.Origin)

	// 重复应用相同记录不算替换
	applied, _ := s1.Apply(b)
	assert.False(t, applied)

	t.Log("✅ 同时间戳按来源确定性裁决")
}

func TestState_ConcurrentApply(t *testing.T) {
	s := NewState(nil)
	origin := types.RandomPeerID()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = s.Apply(rec(fmt.Sprintf("k%d", i%10), fmt.Sprint(w), int64(i), origin))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 10, s.Len())
	for i := 0; i < 10; i++ {
		got, ok := s.Get(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, int64(90+i), got.Timestamp)
	}

	t.Log("✅ 并发合并收敛到最新值")
}

func TestState_PersistAndLoad(t *testing.T) {
	db, err := badger.New(engine.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	origin := types.RandomPeerID()
	s1 := NewState(kv.New(db, []byte("s/")))
	_, err = s1.Apply(rec("a", "1", 10, origin))
	require.NoError(t, err)
	_, err = s1.Apply(rec("b/c", "2", 11, origin))
	require.NoError(t, err)

	s2 := NewState(kv.New(db, []byte("s/")))
	n, err := s2.load()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := s2.Get("b/c")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), got.Value)
	assert.Equal(t, origin, got.Origin)

	recs := s2.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Key)

	t.Log("✅ 本地状态持久化")
}
