package sync

import "errors"

var (
	// ErrMessageTooLarge 消息超出大小限制
	ErrMessageTooLarge = errors.New("sync: message too large")

	// ErrMalformed 消息结构无效
	ErrMalformed = errors.New("sync: malformed message")

	// ErrWrongType 信封类型不是同步消息
	ErrWrongType = errors.New("sync: wrong envelope type")

	// ErrTooManyEntries 条目数超出限制
	ErrTooManyEntries = errors.New("sync: too many entries")

	// ErrInvalidSignature 签名验证失败
	ErrInvalidSignature = errors.New("sync: invalid signature")

	// ErrSenderMismatch 签名者与传输层来源不一致
	ErrSenderMismatch = errors.New("sync: sender mismatch")

	// ErrBanned 发送方已被封禁
	ErrBanned = errors.New("sync: peer banned")

	// ErrQuarantined 发送方处于隔离期
	ErrQuarantined = errors.New("sync: peer quarantined")

	// ErrReplay 重放的消息
	ErrReplay = errors.New("sync: replayed message")

	// ErrStale 信封时间戳超出可接受范围
	ErrStale = errors.New("sync: stale message")

	// ErrInvalidEntry 条目无效
	ErrInvalidEntry = errors.New("sync: invalid entry")

	// ErrNoConsensus 争议值未达成共识
	ErrNoConsensus = errors.New("sync: no consensus")

	// ErrNoTransport 未配置出站传输
	ErrNoTransport = errors.New("sync: no transport")

	// ErrNotFound 本地无此键
	ErrNotFound = errors.New("sync: key not found")
)
