package holepunch

import "errors"

var (
	// ErrNoCandidates 没有可打洞的地址
	ErrNoCandidates = errors.New("holepunch: no candidate addresses")

	// ErrPunchFailed 时限内没有收到有效确认
	ErrPunchFailed = errors.New("holepunch: punch failed")

	// ErrInvalidProbe 探测消息无效或签名不符
	ErrInvalidProbe = errors.New("holepunch: invalid probe")
)
