package relay

import (
	"time"

	"golang.org/x/time/rate"
)

// bandwidth 按字节计的令牌桶
//
// 单帧超过突发上限时永远拿不到足够令牌，直接拒绝。
type bandwidth struct {
	lim   *rate.Limiter
	burst int
}

func newBandwidth(bytesPerSec, burst int) *bandwidth {
	if burst <= 0 {
		burst = bytesPerSec
	}
	return &bandwidth{
		lim:   rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst: burst,
	}
}

// allow 是否放行 n 字节
func (b *bandwidth) allow(now time.Time, n int) bool {
	if n > b.burst {
		return false
	}
	return b.lim.AllowN(now, n)
}
