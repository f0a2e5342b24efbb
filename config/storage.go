package config

import "path/filepath"

// StorageConfig 存储配置
//
// 记录、路由表快照、信誉与同步状态共用一个 BadgerDB，按键前缀隔离：
//
//	${DataDir}/
//	├── identity.key    # 节点私钥（0600）
//	└── db/             # BadgerDB
//	    ├── d/...       # DHT 记录与路由表快照
//	    ├── p/...       # 信誉
//	    └── s/...       # 同步状态
type StorageConfig struct {
	// DataDir 数据目录，为空时全部保存在内存中
	// 默认值: "./data"
	DataDir string `json:"data_dir"`
}

// DefaultStorageConfig 返回默认的存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		DataDir: "./data",
	}
}

// Validate 验证存储配置
func (c *StorageConfig) Validate() error {
	return nil
}

// InMemory 是否为内存模式
func (c *StorageConfig) InMemory() bool {
	return c.DataDir == ""
}

// DBPath 返回 BadgerDB 数据库路径
func (c *StorageConfig) DBPath() string {
	if c.InMemory() {
		return ""
	}
	return filepath.Join(c.DataDir, "db")
}
