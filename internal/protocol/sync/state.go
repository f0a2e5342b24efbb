package sync

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/slskdn/go-mesh/internal/core/storage/kv"
)

const stateShards = 32

type stateShard struct {
	mu      sync.RWMutex
	records map[string]Record
}

// State 本地同步状态
//
// 按键分片加锁，合并是单键上的比较替换，不同键的写入互不阻塞。
type State struct {
	shards  [stateShards]stateShard
	persist *kv.Store
}

// NewState 创建本地状态，persist 为 nil 时仅保存在内存
func NewState(persist *kv.Store) *State {
	s := &State{persist: persist}
	for i := range s.shards {
		s.shards[i].records = make(map[string]Record)
	}
	return s
}

func (s *State) shardFor(key string) *stateShard {
	return &s.shards[murmur3.Sum32([]byte(key))%stateShards]
}

// Apply 合并一条记录，返回是否替换了本地值
func (s *State) Apply(rec Record) (bool, error) {
	sh := s.shardFor(rec.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.records[rec.Key]; ok && !supersedes(rec, cur) {
		return false, nil
	}
	if s.persist != nil {
		if err := s.persist.PutJSON([]byte(rec.Key), rec); err != nil {
			return false, err
		}
	}
	sh.records[rec.Key] = rec
	return true, nil
}

// Get 返回键的当前记录
func (s *State) Get(key string) (Record, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[key]
	return rec, ok
}

// Records 返回给定键的记录；keys 为空时返回全部，按键排序
func (s *State) Records(keys ...string) []Record {
	var out []Record
	if len(keys) > 0 {
		for _, k := range keys {
			if rec, ok := s.Get(k); ok {
				out = append(out, rec)
			}
		}
		return out
	}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, rec := range sh.records {
			out = append(out, rec)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len 返回记录数
func (s *State) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// load 从存储引擎加载已提交的记录
func (s *State) load() (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	n := 0
	err := s.persist.PrefixScan(nil, func(key, value []byte) bool {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil || rec.Key != string(key) {
			logger.Warn("跳过损坏的同步记录", "key_len", len(key))
			return true
		}
		sh := s.shardFor(rec.Key)
		sh.mu.Lock()
		if cur, ok := sh.records[rec.Key]; !ok || supersedes(rec, cur) {
			sh.records[rec.Key] = rec
		}
		sh.mu.Unlock()
		n++
		return true
	})
	return n, err
}

// supersedes 判断 a 是否取代 b
//
// 时间戳较新者胜；相同时来源 PeerID 字典序较大者胜；
// 同一来源同一时间戳的不同值按字节比较，保证各节点结果一致。
func supersedes(a, b Record) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if c := a.Origin.Compare(b.Origin); c != 0 {
		return c > 0
	}
	return bytes.Compare(a.Value, b.Value) > 0
}
