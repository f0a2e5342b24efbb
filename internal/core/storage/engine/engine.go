// Package engine 定义存储引擎接口
//
// 引擎只提供字节级 KV 操作与前缀遍历，命名空间隔离由 kv 包完成。
// 所有实现必须保证线程安全。
package engine

// Engine 存储引擎接口
type Engine interface {
	// Get 读取值，不存在返回 ErrNotFound
	Get(key []byte) ([]byte, error)

	// Put 写入键值对
	Put(key, value []byte) error

	// Delete 删除键（不存在不报错）
	Delete(key []byte) error

	// Has 检查键是否存在
	Has(key []byte) (bool, error)

	// Scan 按前缀遍历，fn 返回 false 时停止
	//
	// 传给 fn 的切片在回调返回后失效，需要保留请复制。
	Scan(prefix []byte, fn func(key, value []byte) bool) error

	// DeletePrefix 删除所有带该前缀的键
	DeletePrefix(prefix []byte) error

	// Close 关闭引擎
	Close() error
}
