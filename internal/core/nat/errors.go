package nat

import "errors"

var (
	// ErrTraversalFailed 直连、打洞、中继全部失败
	ErrTraversalFailed = errors.New("nat: traversal failed")

	// ErrNoRendezvous 找不到对端的会合记录
	ErrNoRendezvous = errors.New("nat: no rendezvous record")

	// ErrRendezvousMismatch 会合记录不是由对端签名
	ErrRendezvousMismatch = errors.New("nat: rendezvous signer mismatch")

	// ErrSelf 不能连接自己
	ErrSelf = errors.New("nat: cannot connect to self")

	// ErrNoPath 没有到对端的路径
	ErrNoPath = errors.New("nat: no path to peer")

	// ErrInvalidRelay 中继地址格式错误
	ErrInvalidRelay = errors.New("nat: invalid relay address")
)
