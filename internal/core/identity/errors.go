// Package identity 实现节点身份管理
package identity

import "errors"

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrKeyNotFound 密钥文件不存在
	ErrKeyNotFound = errors.New("identity: key not found")

	// ErrInvalidPEM 无效的 PEM 数据
	ErrInvalidPEM = errors.New("identity: invalid PEM data")

	// ErrInvalidKeySize 密钥长度错误
	ErrInvalidKeySize = errors.New("identity: invalid key size")

	// ErrKeyPairMismatch 私钥内嵌公钥与种子不一致
	ErrKeyPairMismatch = errors.New("identity: key pair mismatch")

	// ErrNotLoaded 尚未调用 GenerateOrLoad
	ErrNotLoaded = errors.New("identity: not loaded")
)
