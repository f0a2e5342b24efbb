package dht

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/slskdn/go-mesh/pkg/types"
)

// ============================================================================
//                           迭代查询框架
// ============================================================================

// lookup Kademlia 迭代查询
//
//  1. 从本地路由表取 k 个最近节点作为候选
//  2. 每轮最多 alpha 个并发 RPC
//  3. 响应中的更近节点按距离并入候选
//  4. 已有 k 个应答且候选中没有比第 k 个更近的节点时收敛
//
// RPC 失败或超时只跳过该节点，下一个候选自动顶上。
type lookup struct {
	d      *DHT
	target types.PeerID
	kind   MessageType
	key    []byte

	mu      sync.Mutex
	seen    map[types.PeerID]struct{}
	pending []types.Contact // 按距离排序
	results []types.Contact // 已应答，按距离排序
	running int
	record  *Record
	queried int
	failed  int

	notify chan struct{}
}

func newLookup(d *DHT, target types.PeerID, kind MessageType, key []byte) *lookup {
	return &lookup{
		d:      d,
		target: target,
		kind:   kind,
		key:    key,
		seen:   make(map[types.PeerID]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// run 执行查询
func (q *lookup) run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		q.mu.Lock()
		logger.Debug("DHT 迭代查询完成",
			"type", q.kind.String(),
			"duration", time.Since(start),
			"queried", q.queried,
			"failed", q.failed,
			"results", len(q.results),
			"found", q.record != nil)
		q.mu.Unlock()
	}()

	seeds := q.d.rt.FindClosest(q.target, q.d.cfg.BucketSize)
	if len(seeds) == 0 {
		return ErrNoPeers
	}
	q.d.rt.Touch(q.target)

	q.mu.Lock()
	for _, c := range seeds {
		q.addPendingLocked(c)
	}
	q.mu.Unlock()

	for {
		batch, finished := q.nextBatch()
		if finished {
			return nil
		}
		for _, c := range batch {
			go q.queryOne(ctx, c)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		}
	}
}

// nextBatch 取下一批待查询节点；finished 为 true 表示查询结束
func (q *lookup) nextBatch() (batch []types.Contact, finished bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.record != nil {
		return nil, true
	}

	k := q.d.cfg.BucketSize
	for len(q.pending) > 0 && q.running < q.d.cfg.Alpha {
		next := q.pending[0]
		// 已收敛：候选不比第 k 个应答更近
		if len(q.results) >= k && q.d.space.Compare(next.ID, q.results[k-1].ID, q.target) >= 0 {
			q.pending = nil
			break
		}
		q.pending = q.pending[1:]
		q.running++
		q.queried++
		batch = append(batch, next)
	}

	if len(batch) == 0 && q.running == 0 {
		return nil, true
	}
	return batch, false
}

// queryOne 查询单个节点
func (q *lookup) queryOne(ctx context.Context, c types.Contact) {
	defer func() {
		q.mu.Lock()
		q.running--
		q.mu.Unlock()
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}()

	req := &Message{Type: q.kind, Target: q.target, Key: q.key}
	resp, responder, err := q.d.call(ctx, c, req)
	if err != nil {
		q.d.rt.RecordFailure(c.ID)
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		return
	}

	var found *Record
	if q.kind == MessageTypeFindValue && resp.Record != nil {
		if q.acceptRecord(resp.Record) {
			found = resp.Record
		} else {
			logger.Debug("丢弃无效记录", "peer", responder.ID.ShortString())
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.addResultLocked(responder)
	if found != nil && q.record == nil {
		q.record = found
		return
	}
	local := q.d.signer.PeerID()
	for _, p := range resp.CloserPeers {
		pc, ok := p.Contact()
		if !ok || pc.ID == local {
			continue
		}
		q.addPendingLocked(pc)
	}
}

// acceptRecord 验证远端返回的记录
func (q *lookup) acceptRecord(r *Record) bool {
	if !bytes.Equal(r.Key, q.key) {
		return false
	}
	if err := r.Verify(); err != nil {
		return false
	}
	now := q.d.cfg.Clock.Now()
	if time.UnixMilli(r.TimestampMs).After(now.Add(q.d.cfg.ClockSkew)) {
		return false
	}
	return now.Before(r.ExpiresAt(q.d.cfg.MinTTL, q.d.cfg.MaxTTL))
}

// addPendingLocked 按距离插入候选（每个节点只进入一次）
func (q *lookup) addPendingLocked(c types.Contact) {
	if _, ok := q.seen[c.ID]; ok {
		return
	}
	q.seen[c.ID] = struct{}{}
	q.pending = q.insertSorted(q.pending, c)
	if max := 2 * q.d.cfg.BucketSize; len(q.pending) > max {
		q.pending = q.pending[:max]
	}
}

func (q *lookup) addResultLocked(c types.Contact) {
	for _, r := range q.results {
		if r.ID == c.ID {
			return
		}
	}
	q.results = q.insertSorted(q.results, c)
}

func (q *lookup) insertSorted(list []types.Contact, c types.Contact) []types.Contact {
	i := 0
	for i < len(list) && q.d.space.Compare(list[i].ID, c.ID, q.target) <= 0 {
		i++
	}
	list = append(list, types.Contact{})
	copy(list[i+1:], list[i:])
	list[i] = c
	return list
}

// closest 返回最近的 k 个应答节点
func (q *lookup) closest() []types.Contact {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.d.cfg.BucketSize
	out := append([]types.Contact(nil), q.results...)
	if len(out) > k {
		out = out[:k]
	}
	return out
}
