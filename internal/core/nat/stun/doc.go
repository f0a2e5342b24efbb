// Package stun 实现 STUN 地址发现与 NAT 类型分类
//
// 所有请求经由节点的 UDP 传输 socket 发出（见 Requester），
// 这样观测到的映射地址正是其它节点打洞时需要命中的地址。
//
// # NAT 分类
//
// 基于 RFC 3489 / RFC 5780 的测试序列：
//
//  1. Test I：向主服务器发送 Binding Request，得到映射地址 M1 与 OTHER-ADDRESS
//  2. M1 等于本地地址：NATTypeOpen
//  3. Test II：请求服务器从另一 IP 与端口响应，收到即 NATTypeFullCone
//  4. 向 OTHER-ADDRESS（或下一台服务器）再次请求，映射变化即 NATTypeSymmetric
//  5. Test III：请求服务器仅换端口响应，收到为 NATTypeRestrictedCone，否则 NATTypePortRestricted
//
// 服务器不提供 OTHER-ADDRESS 时跳过 Test II/III，保守地归为 NATTypePortRestricted。
//
// # 使用示例
//
//	client := stun.NewClient(transport, stun.DefaultConfig())
//	res, err := client.Classify(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Type, res.Mapped)
package stun
