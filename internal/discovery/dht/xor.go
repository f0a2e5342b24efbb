package dht

import (
	"math/bits"

	"lukechampine.com/blake3"

	"github.com/slskdn/go-mesh/pkg/types"
)

// keyDomain 记录键映射到标识空间的域分隔前缀
const keyDomain = "mesh.dht.key\x00"

// Space 标识空间
//
// 比特长度可配置（8 的倍数，64..256），距离只比较前 Bits 位。
type Space struct {
	Bits int
}

// bytesLen 参与距离计算的字节数
func (s Space) bytesLen() int {
	return s.Bits / 8
}

// Distance 计算 XOR 距离（大端序）
func (s Space) Distance(a, b types.PeerID) []byte {
	n := s.bytesLen()
	d := make([]byte, n)
	for i := 0; i < n; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Compare 比较 a 和 b 到 target 的距离
//
// 返回 -1 表示 a 更近，1 表示 b 更近，0 表示等距。
func (s Space) Compare(a, b, target types.PeerID) int {
	n := s.bytesLen()
	for i := 0; i < n; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// CommonPrefixLen 计算共同前缀位数
func (s Space) CommonPrefixLen(a, b types.PeerID) int {
	n := s.bytesLen()
	for i := 0; i < n; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return s.Bits
}

// BucketIndex 计算 remote 所在的 K-桶索引（0..Bits-1）
func (s Space) BucketIndex(local, remote types.PeerID) int {
	cpl := s.CommonPrefixLen(local, remote)
	if cpl >= s.Bits {
		return s.Bits - 1
	}
	return cpl
}

// RandomIDInBucket 生成落在指定桶内的随机 ID（用于桶刷新）
func (s Space) RandomIDInBucket(local types.PeerID, idx int) types.PeerID {
	id := types.RandomPeerID()
	// 前 idx 位与本地相同，第 idx 位相反
	for i := 0; i < idx; i++ {
		byteIdx, mask := i/8, byte(0x80)>>(i%8)
		id[byteIdx] = (id[byteIdx] &^ mask) | (local[byteIdx] & mask)
	}
	byteIdx, mask := idx/8, byte(0x80)>>(idx%8)
	id[byteIdx] = (id[byteIdx] &^ mask) | (^local[byteIdx] & mask)
	return id
}

// KeyToID 将记录键映射到标识空间位置（BLAKE3）
func KeyToID(key []byte) types.PeerID {
	h := blake3.New(types.PeerIDLength, nil)
	_, _ = h.Write([]byte(keyDomain))
	_, _ = h.Write(key)
	var id types.PeerID
	copy(id[:], h.Sum(nil))
	return id
}
