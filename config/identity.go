package config

import (
	"errors"
	"path/filepath"
)

// IdentityConfig 身份配置
type IdentityConfig struct {
	// KeyFile 私钥文件路径
	// 为空时使用数据目录下的 identity.key；数据目录也为空时使用仅内存身份
	KeyFile string `json:"key_file,omitempty"`
}

// DefaultIdentityConfig 返回默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{}
}

// Validate 验证身份配置
func (c *IdentityConfig) Validate() error {
	if c.KeyFile != "" && filepath.Base(c.KeyFile) == "." {
		return errors.New("config: identity key_file must name a file")
	}
	return nil
}
