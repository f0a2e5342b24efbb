package types

// ============================================================================
//                              NATType - NAT 类型
// ============================================================================

// NATType NAT 类型
type NATType int

const (
	// NATTypeUnknown 未知类型
	NATTypeUnknown NATType = iota
	// NATTypeOpen 无 NAT（公网或端口映射成功）
	NATTypeOpen
	// NATTypeFullCone 完全锥形 NAT
	NATTypeFullCone
	// NATTypeRestrictedCone 受限锥形 NAT
	NATTypeRestrictedCone
	// NATTypePortRestricted 端口受限锥形 NAT
	NATTypePortRestricted
	// NATTypeSymmetric 对称型 NAT
	NATTypeSymmetric
)

// String 返回 NAT 类型的字符串表示
func (n NATType) String() string {
	switch n {
	case NATTypeOpen:
		return "open"
	case NATTypeFullCone:
		return "full_cone"
	case NATTypeRestrictedCone:
		return "restricted_cone"
	case NATTypePortRestricted:
		return "port_restricted"
	case NATTypeSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// Punchable 是否可能通过打洞建立直连
//
// 对称型 NAT 每个目的地分配不同映射，打洞无法预测端口。
func (n NATType) Punchable() bool {
	return n != NATTypeSymmetric
}

// ============================================================================
//                              PathKind - 连接路径
// ============================================================================

// PathKind 连接路径种类
//
// 封闭集合，按回退顺序排列：直连 → 打洞 → 中继。
type PathKind int

const (
	// PathNone 未建立
	PathNone PathKind = iota
	// PathDirect 直连
	PathDirect
	// PathHolePunched 打洞建立的 UDP 路径
	PathHolePunched
	// PathRelayed 经中继转发
	PathRelayed
)

// String 返回路径种类名称
func (p PathKind) String() string {
	switch p {
	case PathDirect:
		return "direct"
	case PathHolePunched:
		return "hole_punched"
	case PathRelayed:
		return "relayed"
	default:
		return "none"
	}
}

// ============================================================================
//                              ErrorClass - 错误分类
// ============================================================================

// ErrorClass 错误分类
//
// 作为失败计数器的低基数标签使用。
type ErrorClass int

const (
	// ErrorClassNone 无错误
	ErrorClassNone ErrorClass = iota
	// ErrorClassProtocolViolation 签名无效、信封或 RPC 格式错误
	ErrorClassProtocolViolation
	// ErrorClassResourceExhaustion 负载过大、超出速率限制
	ErrorClassResourceExhaustion
	// ErrorClassNetworkFailure 超时、不可达、NAT 穿透耗尽
	ErrorClassNetworkFailure
	// ErrorClassConsensusFailure 争议值未获足够节点认同
	ErrorClassConsensusFailure
	// ErrorClassIdentityFailure 密钥存储不可读或损坏
	ErrorClassIdentityFailure
)

// String 返回错误分类名称
func (c ErrorClass) String() string {
	switch c {
	case ErrorClassProtocolViolation:
		return "protocol_violation"
	case ErrorClassResourceExhaustion:
		return "resource_exhaustion"
	case ErrorClassNetworkFailure:
		return "network_failure"
	case ErrorClassConsensusFailure:
		return "consensus_failure"
	case ErrorClassIdentityFailure:
		return "identity_failure"
	default:
		return "none"
	}
}
