package dht

import (
	"errors"
	"fmt"
)

// 预定义错误
var (
	// ErrNotFound 记录未找到（所有候选节点已耗尽）
	ErrNotFound = errors.New("dht: record not found")

	// ErrNoPeers 路由表为空
	ErrNoPeers = errors.New("dht: no peers available")

	// ErrClosed DHT 已关闭
	ErrClosed = errors.New("dht: closed")

	// ErrInvalidKey 无效键
	ErrInvalidKey = errors.New("dht: invalid key")

	// ErrValueTooLarge 值过大
	ErrValueTooLarge = errors.New("dht: value too large")

	// ErrBadSignature 记录签名无效
	ErrBadSignature = errors.New("dht: invalid record signature")

	// ErrSignerMismatch 签名者与公钥不符
	ErrSignerMismatch = errors.New("dht: signer does not match public key")

	// ErrNotOwner 非原签名者试图覆盖未过期记录
	ErrNotOwner = errors.New("dht: record owned by another signer")

	// ErrStale 记录比现有记录旧
	ErrStale = errors.New("dht: stale record")

	// ErrExpiredRecord 记录按签名时间戳计算已过期
	ErrExpiredRecord = errors.New("dht: record expired")

	// ErrFutureRecord 记录时间戳超前过多
	ErrFutureRecord = errors.New("dht: record timestamp in the future")

	// ErrSenderMismatch 响应者身份与目标不符
	ErrSenderMismatch = errors.New("dht: responder identity mismatch")

	// ErrRateLimited 入站速率超限
	ErrRateLimited = errors.New("dht: rate limit exceeded")

	// ErrInvalidMessage 无效消息
	ErrInvalidMessage = errors.New("dht: invalid message")

	// ErrStoreFailed 所有 STORE 目标均失败
	ErrStoreFailed = errors.New("dht: store failed on all peers")
)

// Error DHT 操作错误
type Error struct {
	Op  string
	Err error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("dht %s: %v", e.Op, e.Err)
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
