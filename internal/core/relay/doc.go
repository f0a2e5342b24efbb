// Package relay 实现经第三方节点转发的 UDP 中继
//
// 双方都处于对称型 NAT 时打洞无法成功，此时通过一个公网可达的
// 中继节点转发流量。
//
// # 服务端
//
// 中继节点接受 RESERVE 预留（槽位有限，有租期），对每个预留按字节限速，
// 只转发来自已预留地址、发往已预留节点的数据帧。CONNECT 允许未预留的
// 节点向已预留节点投递一条小的协调消息（用于打洞协调）。
//
// # 客户端
//
// Client.Reserve 返回 Session。Session 每 KeepaliveInterval 发送保活，
// 保活失败时依次向其它候选中继重新预留，并通过 OnChange 通知调用方。
//
// # 帧格式
//
// 控制消息为签名信封（类型 mesh.relay.v1）包裹的 JSON，走 KindRelay 请求响应。
// 数据帧单向发送，两个方向使用不同帧类型，同一节点可同时做客户端与中继：
//
//	客户端 → 中继（KindRelayData）：[32B 目标 PeerID][负载]
//	中继 → 客户端（KindRelayDeliver）：[32B 来源 PeerID][负载]
//
// 来源由中继按预留地址填写，接收方不信任帧内自称的身份。
package relay
