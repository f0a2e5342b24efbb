// Package kv 提供带前缀隔离的 KV 存储抽象层
//
// # 键空间设计
//
//   - d/v/ - DHT 记录
//   - d/r/ - DHT 路由表快照
//   - r/s/ - 信誉分数
//   - r/e/ - 信誉事件
//
// 用法：
//
//	db, _ := badger.New(engine.DefaultConfig(dir))
//	dht := kv.New(db, []byte("d/"))
//	records := dht.SubStore([]byte("v/"))  // 实际键: d/v/<key>
package kv

import (
	"encoding/json"

	"github.com/slskdn/go-mesh/internal/core/storage/engine"
)

// Store 带前缀隔离的 KV 存储
type Store struct {
	engine engine.Engine
	prefix []byte
}

// New 创建新的 KVStore
func New(eng engine.Engine, prefix []byte) *Store {
	return &Store{engine: eng, prefix: append([]byte(nil), prefix...)}
}

// prefixKey 为键添加前缀
func (s *Store) prefixKey(key []byte) []byte {
	prefixed := make([]byte, len(s.prefix)+len(key))
	copy(prefixed, s.prefix)
	copy(prefixed[len(s.prefix):], key)
	return prefixed
}

// Get 获取指定键的值
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.engine.Get(s.prefixKey(key))
}

// Put 设置键值对
func (s *Store) Put(key, value []byte) error {
	return s.engine.Put(s.prefixKey(key), value)
}

// Delete 删除指定键
func (s *Store) Delete(key []byte) error {
	return s.engine.Delete(s.prefixKey(key))
}

// Has 检查键是否存在
func (s *Store) Has(key []byte) (bool, error) {
	return s.engine.Has(s.prefixKey(key))
}

// GetJSON 获取并反序列化 JSON 值
func (s *Store) GetJSON(key []byte, v any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return engine.ErrCorrupted
	}
	return nil
}

// PutJSON 序列化并存储 JSON 值
func (s *Store) PutJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(key, data)
}

// PrefixScan 遍历子前缀下的键，回调收到的键已去除本 Store 前缀
func (s *Store) PrefixScan(subPrefix []byte, fn func(key, value []byte) bool) error {
	full := s.prefixKey(subPrefix)
	n := len(s.prefix)
	return s.engine.Scan(full, func(key, value []byte) bool {
		return fn(key[n:], value)
	})
}

// Clear 删除本 Store 下的全部数据
func (s *Store) Clear() error {
	if len(s.prefix) == 0 {
		return engine.ErrEmptyKey
	}
	return s.engine.DeletePrefix(s.prefix)
}

// SubStore 创建子命名空间
func (s *Store) SubStore(subPrefix []byte) *Store {
	return New(s.engine, s.prefixKey(subPrefix))
}
