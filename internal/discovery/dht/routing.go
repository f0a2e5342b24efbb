package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/slskdn/go-mesh/pkg/types"
)

// ============================================================================
//                              Pinger 接口
// ============================================================================

// Pinger 存活探测
//
// 桶满时用于探测最久未见的节点，只有探测失败才驱逐。
type Pinger interface {
	Ping(ctx context.Context, c types.Contact) error
}

// InsertResult 插入结果
type InsertResult int

const (
	// InsertRejected 自身或无效联系方式
	InsertRejected InsertResult = iota
	// InsertAdded 新加入桶
	InsertAdded
	// InsertUpdated 已存在，刷新最后可见时间
	InsertUpdated
	// InsertPending 桶满且旧节点仍存活，候选进入替换缓存
	InsertPending
	// InsertEvicted 旧节点探测失败被驱逐，候选替换之
	InsertEvicted
)

// ============================================================================
//                              K-Bucket
// ============================================================================

type entry struct {
	contact  types.Contact
	failures int
}

// bucket K-桶
//
// entries 按最后可见时间排序，索引 0 为最近。
// 每个桶独立加锁，慢速写入不会阻塞其它桶。
type bucket struct {
	mu           sync.RWMutex
	entries      []*entry
	replacements []types.Contact
	lastTouched  time.Time
	probing      bool
}

func (b *bucket) indexOf(id types.PeerID) int {
	for i, e := range b.entries {
		if e.contact.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) moveToFront(i int) {
	if i <= 0 {
		return
	}
	e := b.entries[i]
	copy(b.entries[1:i+1], b.entries[:i])
	b.entries[0] = e
}

func (b *bucket) removeAt(i int) {
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// addReplacement 加入替换缓存（最近优先，容量 k）
func (b *bucket) addReplacement(c types.Contact, k int) {
	for i, r := range b.replacements {
		if r.ID == c.ID {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append([]types.Contact{c}, b.replacements...)
	if len(b.replacements) > k {
		b.replacements = b.replacements[:k]
	}
}

// promote 从替换缓存补位
func (b *bucket) promote(k int) {
	for len(b.entries) < k && len(b.replacements) > 0 {
		c := b.replacements[0]
		b.replacements = b.replacements[1:]
		if b.indexOf(c.ID) >= 0 {
			continue
		}
		b.entries = append(b.entries, &entry{contact: c})
	}
}

// ============================================================================
//                              RoutingTable
// ============================================================================

// RoutingTable Kademlia 路由表
type RoutingTable struct {
	local        types.PeerID
	space        Space
	k            int
	maxFailures  int
	probeTimeout time.Duration
	clk          clock.Clock
	pinger       Pinger

	buckets []*bucket
}

// NewRoutingTable 创建路由表
//
// pinger 可为 nil，此时满桶永远保留旧节点。
func NewRoutingTable(local types.PeerID, cfg Config, pinger Pinger) *RoutingTable {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	rt := &RoutingTable{
		local:        local,
		space:        Space{Bits: cfg.IDBits},
		k:            cfg.BucketSize,
		maxFailures:  cfg.MaxFailures,
		probeTimeout: cfg.ProbeTimeout,
		clk:          clk,
		pinger:       pinger,
		buckets:      make([]*bucket, cfg.IDBits),
	}
	now := clk.Now()
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{lastTouched: now}
	}
	return rt
}

// LocalID 返回本地节点 ID
func (rt *RoutingTable) LocalID() types.PeerID {
	return rt.local
}

func (rt *RoutingTable) bucketFor(id types.PeerID) *bucket {
	return rt.buckets[rt.space.BucketIndex(rt.local, id)]
}

// Insert 插入或刷新联系方式
//
// 桶满时探测最久未见节点：探测成功则保留旧节点，候选进入替换缓存；
// 探测失败则驱逐旧节点。探测期间不持有任何锁。
func (rt *RoutingTable) Insert(ctx context.Context, c types.Contact) InsertResult {
	res, oldest := rt.insert(c)
	if oldest == nil {
		return res
	}
	return rt.probe(ctx, *oldest)
}

// insert 不阻塞的插入部分
//
// 桶满且需要探测时返回最久未见节点，并将桶标记为探测中。
func (rt *RoutingTable) insert(c types.Contact) (InsertResult, *types.Contact) {
	if !c.Valid() || c.ID == rt.local {
		return InsertRejected, nil
	}
	now := rt.clk.Now()
	c.LastSeen = now
	b := rt.bucketFor(c.ID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastTouched = now
	if i := b.indexOf(c.ID); i >= 0 {
		e := b.entries[i]
		e.contact.Addr = c.Addr
		if len(c.PublicKey) > 0 {
			e.contact.PublicKey = c.PublicKey
		}
		e.contact.LastSeen = now
		e.failures = 0
		b.moveToFront(i)
		return InsertUpdated, nil
	}
	if len(b.entries) < rt.k {
		b.entries = append([]*entry{{contact: c}}, b.entries...)
		return InsertAdded, nil
	}

	b.addReplacement(c, rt.k)
	if b.probing || rt.pinger == nil {
		return InsertPending, nil
	}
	oldest := b.entries[len(b.entries)-1].contact
	b.probing = true
	return InsertPending, &oldest
}

// probe 探测最久未见节点并据结果保留或驱逐
func (rt *RoutingTable) probe(ctx context.Context, oldest types.Contact) InsertResult {
	pctx, cancel := context.WithTimeout(ctx, rt.probeTimeout)
	err := rt.pinger.Ping(pctx, oldest)
	cancel()

	b := rt.bucketFor(oldest.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	i := b.indexOf(oldest.ID)
	if err == nil {
		if i >= 0 {
			b.entries[i].contact.LastSeen = rt.clk.Now()
			b.entries[i].failures = 0
			b.moveToFront(i)
		}
		return InsertPending
	}

	logger.Debug("存活探测失败，驱逐节点", "peer", oldest.ID.ShortString())
	if i >= 0 {
		b.removeAt(i)
	}
	b.promote(rt.k)
	return InsertEvicted
}

// abortProbe 放弃探测，清除探测中标记
func (rt *RoutingTable) abortProbe(oldest types.Contact) {
	b := rt.bucketFor(oldest.ID)
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// MarkSeen 刷新节点最后可见时间
func (rt *RoutingTable) MarkSeen(id types.PeerID) bool {
	b := rt.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	now := rt.clk.Now()
	b.entries[i].contact.LastSeen = now
	b.entries[i].failures = 0
	b.lastTouched = now
	b.moveToFront(i)
	return true
}

// RecordFailure 记录一次 RPC 失败，达到上限时移除
func (rt *RoutingTable) RecordFailure(id types.PeerID) (removed bool) {
	b := rt.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries[i].failures++
	if b.entries[i].failures < rt.maxFailures {
		return false
	}
	b.removeAt(i)
	b.promote(rt.k)
	return true
}

// Remove 移除节点（从替换缓存补位）
func (rt *RoutingTable) Remove(id types.PeerID) bool {
	b := rt.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.removeAt(i)
	b.promote(rt.k)
	return true
}

// Get 查找联系方式
func (rt *RoutingTable) Get(id types.PeerID) (types.Contact, bool) {
	b := rt.bucketFor(id)
	b.mu.RLock()
	defer b.mu.RUnlock()

	if i := b.indexOf(id); i >= 0 {
		return b.entries[i].contact, true
	}
	return types.Contact{}, false
}

// FindClosest 返回距 target 最近的 count 个联系方式（按距离升序）
func (rt *RoutingTable) FindClosest(target types.PeerID, count int) []types.Contact {
	all := rt.Contacts()
	rt.sortByDistance(all, target)
	if count >= 0 && len(all) > count {
		all = all[:count]
	}
	return all
}

func (rt *RoutingTable) sortByDistance(cs []types.Contact, target types.PeerID) {
	sort.Slice(cs, func(i, j int) bool {
		if c := rt.space.Compare(cs[i].ID, cs[j].ID, target); c != 0 {
			return c < 0
		}
		return cs[i].ID.Compare(cs[j].ID) < 0
	})
}

// Contacts 返回全部联系方式的副本
func (rt *RoutingTable) Contacts() []types.Contact {
	var out []types.Contact
	for _, b := range rt.buckets {
		b.mu.RLock()
		for _, e := range b.entries {
			out = append(out, e.contact)
		}
		b.mu.RUnlock()
	}
	return out
}

// Size 返回联系方式总数
func (rt *RoutingTable) Size() int {
	n := 0
	for _, b := range rt.buckets {
		b.mu.RLock()
		n += len(b.entries)
		b.mu.RUnlock()
	}
	return n
}

// Touch 标记 target 所在桶已被查找
func (rt *RoutingTable) Touch(target types.PeerID) {
	b := rt.bucketFor(target)
	b.mu.Lock()
	b.lastTouched = rt.clk.Now()
	b.mu.Unlock()
}

// StaleBuckets 返回超过 age 未被触达的桶索引
//
// 只考虑到最深非空桶的下一层为止，更深的桶注定为空。
func (rt *RoutingTable) StaleBuckets(age time.Duration) []int {
	deepest := -1
	for i, b := range rt.buckets {
		b.mu.RLock()
		if len(b.entries) > 0 {
			deepest = i
		}
		b.mu.RUnlock()
	}
	if deepest < 0 {
		return nil
	}
	limit := deepest + 1
	if limit >= len(rt.buckets) {
		limit = len(rt.buckets) - 1
	}

	cutoff := rt.clk.Now().Add(-age)
	var stale []int
	for i := 0; i <= limit; i++ {
		b := rt.buckets[i]
		b.mu.RLock()
		if !b.lastTouched.After(cutoff) {
			stale = append(stale, i)
		}
		b.mu.RUnlock()
	}
	return stale
}
