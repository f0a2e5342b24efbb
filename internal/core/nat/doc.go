// Package nat 负责节点的可达性与点对点连通
//
// Service 在启动时依次尝试端口映射（NAT-PMP、UPnP）与 STUN 分类，得到对外
// 公布的地址和 NAT 类型；公网可达的节点可选择同时充当中继。节点把自己的
// 候选地址、NAT 类型与所在中继写入 DHT 会合记录 rendezvous/<peerid>，
// 并周期性重新发布。
//
// Traversal.Connect 按固定顺序建立到对端的路径：
//
//  1. 直连：对会合记录中的地址发 DHT PING，签名者必须是目标节点
//  2. 打洞：双方都是对称型 NAT 时跳过；经对端中继发送协调消息后同时打洞
//  3. 中继：在对端所在中继预留并经其转发
//
// 每一阶段都有独立超时，失败只触发下一阶段；全部失败才返回 ErrTraversalFailed。
package nat
