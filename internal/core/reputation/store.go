// Package reputation 维护节点信誉分
//
// 分数是事件权重的衰减累加：每个事件按类型加减分，已有分数按
// 半衰期指数衰减，因此封禁不是永久的。分数不高于 BanFloor 即视为封禁，
// 被封禁节点的同步数据一律不合并。
//
// 状态按节点分片加锁，不同节点的事件互不阻塞；脏数据由后台循环
// 定期写入存储引擎。
package reputation

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/slskdn/go-mesh/internal/core/metrics"
	"github.com/slskdn/go-mesh/internal/core/storage/kv"
	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("core/reputation")

const shardCount = 16

// record 单个节点的信誉状态（持久化格式）
type record struct {
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
	History   []Event   `json:"history,omitempty"`

	dirty bool
}

type shard struct {
	mu    sync.Mutex
	peers map[types.PeerID]*record
}

// Store 信誉存储
type Store struct {
	cfg        Config
	severities map[EventType]float64
	persist    *kv.Store
	metrics    *metrics.Metrics

	shards [shardCount]shard
	banned atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewStore 创建信誉存储
//
// persist 为 nil 时仅保存在内存。
func NewStore(cfg Config, persist *kv.Store, m *metrics.Metrics) *Store {
	def := DefaultConfig()
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if cfg.BanFloor >= 0 {
		cfg.BanFloor = def.BanFloor
	}
	if cfg.MaxScore <= 0 {
		cfg.MaxScore = def.MaxScore
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MaxRefLen <= 0 {
		cfg.MaxRefLen = def.MaxRefLen
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	sev := make(map[EventType]float64, len(defaultSeverities))
	for k, v := range defaultSeverities {
		sev[k] = v
	}
	for k, v := range cfg.Severities {
		sev[k] = v
	}

	s := &Store{cfg: cfg, severities: sev, persist: persist, metrics: m}
	for i := range s.shards {
		s.shards[i].peers = make(map[types.PeerID]*record)
	}
	return s
}

func (s *Store) shardFor(id types.PeerID) *shard {
	return &s.shards[id[0]%shardCount]
}

// ============================================================================
//                              公共操作
// ============================================================================

// RecordEvent 记录一次行为事件
//
// 未知类型按轻微异常计。事件引用与元数据在保存前脱敏。
func (s *Store) RecordEvent(ev Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if ev.Peer.IsEmpty() || ev.Type == "" {
		return ErrInvalidEvent
	}
	now := s.cfg.Clock.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev = ev.sanitize(s.cfg.MaxRefLen)

	weight, ok := s.severities[ev.Type]
	if !ok {
		weight = s.severities[EventMinorAnomaly]
	}

	sh := s.shardFor(ev.Peer)
	sh.mu.Lock()
	r, exists := sh.peers[ev.Peer]
	if !exists {
		r = &record{UpdatedAt: now}
		sh.peers[ev.Peer] = r
	}
	before := s.decayed(r, now)
	after := math.Min(before+weight, s.cfg.MaxScore)
	r.Score = after
	r.UpdatedAt = now
	r.History = append(r.History, ev)
	if over := len(r.History) - s.cfg.HistorySize; over > 0 {
		r.History = append([]Event(nil), r.History[over:]...)
	}
	r.dirty = true
	sh.mu.Unlock()

	s.metrics.ReputationEvent(string(ev.Type))
	s.transition(ev.Peer, before, after)
	return nil
}

// GetScore 返回节点当前（已衰减）分数；未知节点为 0
func (s *Store) GetScore(id types.PeerID) float64 {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok := sh.peers[id]
	if !ok {
		return 0
	}
	return s.decayed(r, s.cfg.Clock.Now())
}

// IsBanned 分数不高于 BanFloor 时为真
func (s *Store) IsBanned(id types.PeerID) bool {
	return s.GetScore(id) <= s.cfg.BanFloor
}

// History 返回节点最近的事件
func (s *Store) History(id types.PeerID) []Event {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok := sh.peers[id]
	if !ok {
		return nil
	}
	out := make([]Event, len(r.History))
	copy(out, r.History)
	for i := range out {
		out[i].Peer = id
	}
	return out
}

// Len 返回有记录的节点数
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.peers)
		sh.mu.Unlock()
	}
	return n
}

// decayed 返回按半衰期衰减到 now 的分数，调用方持有分片锁
func (s *Store) decayed(r *record, now time.Time) float64 {
	elapsed := now.Sub(r.UpdatedAt)
	if elapsed <= 0 || r.Score == 0 {
		return r.Score
	}
	return r.Score * math.Exp2(-float64(elapsed)/float64(s.cfg.HalfLife))
}

// transition 记录封禁状态变化
func (s *Store) transition(id types.PeerID, before, after float64) {
	floor := s.cfg.BanFloor
	switch {
	case before > floor && after <= floor:
		s.banned.Add(1)
		logger.Warn("节点被封禁", "peer", id.ShortString(), "score", after, "security_event", "peer_banned")
	case before <= floor && after > floor:
		logger.Info("节点解除封禁", "peer", id.ShortString(), "score", after)
	}
}

// Bans 返回启动以来的封禁次数
func (s *Store) Bans() int64 {
	return s.banned.Load()
}

// ============================================================================
//                              持久化
// ============================================================================

// Start 加载已持久化的状态并启动定期写入
func (s *Store) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if err := s.load(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := s.cfg.Clock.Ticker(s.cfg.FlushInterval)
	s.wg.Add(1)
	go s.flushLoop(ctx, ticker)
	return nil
}

// Stop 停止后台写入并落盘
func (s *Store) Stop(_ context.Context) error {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	s.closed.Store(true)
	_, err := s.Flush()
	return err
}

func (s *Store) flushLoop(ctx context.Context, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Flush(); err != nil {
				logger.Warn("信誉数据写入失败", "err", err)
			}
		}
	}
}

// Flush 写入脏记录，返回写入条数
func (s *Store) Flush() (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, r := range sh.peers {
			if !r.dirty {
				continue
			}
			if err := s.persist.PutJSON(id.Bytes(), r); err != nil {
				sh.mu.Unlock()
				return n, err
			}
			r.dirty = false
			n++
		}
		sh.mu.Unlock()
	}
	if n > 0 {
		logger.Debug("信誉数据已写入", "peers", n)
	}
	return n, nil
}

func (s *Store) load() error {
	if s.persist == nil {
		return nil
	}
	var decodeErr error
	loaded := 0
	err := s.persist.PrefixScan(nil, func(key, value []byte) bool {
		id, err := types.PeerIDFromBytes(key)
		if err != nil {
			return true
		}
		r := &record{}
		if err := json.Unmarshal(value, r); err != nil {
			decodeErr = err
			return true
		}
		sh := s.shardFor(id)
		sh.mu.Lock()
		sh.peers[id] = r
		sh.mu.Unlock()
		loaded++
		return true
	})
	if err != nil {
		return err
	}
	if decodeErr != nil {
		logger.Warn("跳过损坏的信誉记录", "err", decodeErr)
	}
	logger.Debug("信誉数据已加载", "peers", loaded)
	return nil
}
