package sync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/slskdn/go-mesh/pkg/types"
)

const guardShards = 16

// windowEvent 窗口内的一次无效观测
type windowEvent struct {
	at       time.Time
	entries  int
	messages int
}

// peerGuard 单个节点的滑动窗口与隔离状态
type peerGuard struct {
	events     []windowEvent
	until      time.Time
	violations int
}

type guardShard struct {
	mu    sync.Mutex
	peers map[types.PeerID]*peerGuard
}

// guard 按节点统计无效条目与无效消息，超限即隔离
type guard struct {
	window      time.Duration
	maxEntries  int
	maxMessages int
	duration    time.Duration

	shards [guardShards]guardShard
	active atomic.Int64
}

func newGuard(cfg *Config) *guard {
	g := &guard{
		window:      cfg.RateWindow,
		maxEntries:  cfg.MaxInvalidEntries,
		maxMessages: cfg.MaxInvalidMessages,
		duration:    cfg.QuarantineDuration,
	}
	for i := range g.shards {
		g.shards[i].peers = make(map[types.PeerID]*peerGuard)
	}
	return g
}

func (g *guard) shardFor(id types.PeerID) *guardShard {
	return &g.shards[id[0]%guardShards]
}

// quarantined 报告节点是否处于隔离期，已过期的隔离顺带解除
func (g *guard) quarantined(id types.PeerID, now time.Time) bool {
	sh := g.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.peers[id]
	if !ok || p.until.IsZero() {
		return false
	}
	if now.Before(p.until) {
		return true
	}
	g.release(sh, id, p)
	return false
}

// exceeded 报告窗口内的无效计数是否已超限
func (g *guard) exceeded(id types.PeerID, now time.Time) bool {
	sh := g.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.peers[id]
	if !ok {
		return false
	}
	entries, messages := p.sum(now.Add(-g.window))
	return entries > g.maxEntries || messages > g.maxMessages
}

// record 记录无效观测，超限时创建或刷新隔离
//
// 返回本次是否触发隔离以及该节点累计被隔离次数。
func (g *guard) record(id types.PeerID, now time.Time, entries, messages int) (bool, int) {
	if entries <= 0 && messages <= 0 {
		return false, 0
	}
	sh := g.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.peers[id]
	if !ok {
		p = &peerGuard{}
		sh.peers[id] = p
	}
	p.events = append(p.events, windowEvent{at: now, entries: entries, messages: messages})
	e, m := p.sum(now.Add(-g.window))
	if e <= g.maxEntries && m <= g.maxMessages {
		return false, p.violations
	}
	g.quarantineLocked(p, now)
	return true, p.violations
}

// quarantine 直接隔离节点
func (g *guard) quarantine(id types.PeerID, now time.Time) int {
	sh := g.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.peers[id]
	if !ok {
		p = &peerGuard{}
		sh.peers[id] = p
	}
	g.quarantineLocked(p, now)
	return p.violations
}

func (g *guard) quarantineLocked(p *peerGuard, now time.Time) {
	if p.until.IsZero() || !now.Before(p.until) {
		g.active.Add(1)
	}
	p.until = now.Add(g.duration)
	p.violations++
	p.events = p.events[:0]
}

// release 解除隔离，调用方持有分片锁
func (g *guard) release(sh *guardShard, id types.PeerID, p *peerGuard) {
	p.until = time.Time{}
	g.active.Add(-1)
	logger.Info("节点隔离已解除", "peer", id.ShortString(), "violations", p.violations)
	if len(p.events) == 0 {
		delete(sh.peers, id)
	}
}

// sweep 解除过期隔离并清理空窗口，返回仍在隔离的节点数
func (g *guard) sweep(now time.Time) int {
	cutoff := now.Add(-g.window)
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		for id, p := range sh.peers {
			p.prune(cutoff)
			if !p.until.IsZero() && !now.Before(p.until) {
				g.release(sh, id, p)
				continue
			}
			if p.until.IsZero() && len(p.events) == 0 {
				delete(sh.peers, id)
			}
		}
		sh.mu.Unlock()
	}
	return int(g.active.Load())
}

// count 返回当前隔离节点数
func (g *guard) count() int {
	return int(g.active.Load())
}

// sum 裁剪窗口外事件并返回窗口内合计
func (p *peerGuard) sum(cutoff time.Time) (entries, messages int) {
	p.prune(cutoff)
	for _, ev := range p.events {
		entries += ev.entries
		messages += ev.messages
	}
	return entries, messages
}

func (p *peerGuard) prune(cutoff time.Time) {
	i := 0
	for i < len(p.events) && !p.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		p.events = append(p.events[:0], p.events[i:]...)
	}
}
