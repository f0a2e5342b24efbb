package dht

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spaolacci/murmur3"

	"github.com/slskdn/go-mesh/internal/core/storage/kv"
)

const recordShards = 64

// storedRecord 本地存储的记录
type storedRecord struct {
	Record    *Record   `json:"record"`
	ExpiresAt time.Time `json:"expires_at"`
}

type recordShard struct {
	mu sync.Mutex
	m  map[string]*storedRecord
}

// RecordStore 本地记录存储
//
// 按键分片加锁，争用只发生在同一分片的键之间。
// persist 非空时每次写入同步落盘（badger），启动时可恢复。
type RecordStore struct {
	shards  [recordShards]recordShard
	persist *kv.Store
	clk     clock.Clock
	minTTL  time.Duration
	maxTTL  time.Duration
	skew    time.Duration
}

// NewRecordStore 创建记录存储
func NewRecordStore(cfg Config, persist *kv.Store) *RecordStore {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &RecordStore{
		persist: persist,
		clk:     clk,
		minTTL:  cfg.MinTTL,
		maxTTL:  cfg.MaxTTL,
		skew:    cfg.ClockSkew,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*storedRecord)
	}
	return s
}

func (s *RecordStore) shard(key string) *recordShard {
	return &s.shards[murmur3.Sum32([]byte(key))%recordShards]
}

// Put 校验并存储记录
//
// 未过期的记录只能被同一签名者的更新记录覆盖；
// 与现有记录完全相同的重复 STORE 是幂等的。
// 过期时间按签名时间戳计算，已过期的记录直接拒绝。
func (s *RecordStore) Put(r *Record) error {
	if err := r.Verify(); err != nil {
		return err
	}
	now := s.clk.Now()
	if s.skew > 0 && time.UnixMilli(r.TimestampMs).After(now.Add(s.skew)) {
		return ErrFutureRecord
	}
	expires := r.ExpiresAt(s.minTTL, s.maxTTL)
	if !now.Before(expires) {
		return ErrExpiredRecord
	}

	key := string(r.Key)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.m[key]; ok && now.Before(cur.ExpiresAt) {
		if cur.Record.Signer != r.Signer {
			return ErrNotOwner
		}
		if !r.Equal(cur.Record) && !r.Supersedes(cur.Record) {
			return ErrStale
		}
	}

	sr := &storedRecord{
		Record:    r,
		ExpiresAt: expires,
	}
	sh.m[key] = sr
	s.save(key, sr)
	return nil
}

// Get 获取未过期记录
func (s *RecordStore) Get(key []byte) (*Record, bool) {
	k := string(key)
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sr, ok := sh.m[k]
	if !ok {
		return nil, false
	}
	if !s.clk.Now().Before(sr.ExpiresAt) {
		delete(sh.m, k)
		s.remove(k)
		return nil, false
	}
	return sr.Record, true
}

// CleanupExpired 删除过期记录，返回删除数量
func (s *RecordStore) CleanupExpired() int {
	now := s.clk.Now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, sr := range sh.m {
			if !now.Before(sr.ExpiresAt) {
				delete(sh.m, k)
				s.remove(k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len 返回记录数（含尚未清理的过期记录）
func (s *RecordStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// ============================================================================
//                              持久化
// ============================================================================

// Load 从持久化存储恢复未过期且签名有效的记录
func (s *RecordStore) Load() (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	now := s.clk.Now()
	loaded := 0
	var stale [][]byte

	err := s.persist.PrefixScan(nil, func(k, v []byte) bool {
		var sr storedRecord
		if err := json.Unmarshal(v, &sr); err != nil || sr.Record == nil ||
			sr.Record.Verify() != nil || !now.Before(sr.ExpiresAt) {
			stale = append(stale, append([]byte(nil), k...))
			return true
		}
		key := string(sr.Record.Key)
		sh := s.shard(key)
		sh.mu.Lock()
		sh.m[key] = &sr
		sh.mu.Unlock()
		loaded++
		return true
	})
	for _, k := range stale {
		_ = s.persist.Delete(k)
	}
	return loaded, err
}

func (s *RecordStore) save(key string, sr *storedRecord) {
	if s.persist == nil {
		return
	}
	if err := s.persist.PutJSON([]byte(hex.EncodeToString([]byte(key))), sr); err != nil {
		logger.Warn("持久化记录失败", "err", err)
	}
}

func (s *RecordStore) remove(key string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Delete([]byte(hex.EncodeToString([]byte(key)))); err != nil {
		logger.Debug("删除持久化记录失败", "err", err)
	}
}
