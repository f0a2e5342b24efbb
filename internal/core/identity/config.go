package identity

import "path/filepath"

// DefaultKeyFile 默认密钥文件名
const DefaultKeyFile = "identity.key"

// Config 身份配置
type Config struct {
	// KeyPath 私钥文件路径，为空时使用仅内存身份
	KeyPath string
}

// DefaultConfig 返回默认配置（仅内存身份）
func DefaultConfig() Config {
	return Config{}
}

// ConfigInDir 返回数据目录下的默认配置
func ConfigInDir(dataDir string) Config {
	if dataDir == "" {
		return DefaultConfig()
	}
	return Config{KeyPath: filepath.Join(dataDir, DefaultKeyFile)}
}
