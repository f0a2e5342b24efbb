// Package sync 实现安全同步协议
//
// 每条入站同步消息按固定顺序经过以下阶段，任一阶段都可提前终止：
//
//  1. 大小/结构检查：在解码前检查原始字节
//  2. 签名验证：失败记协议违规信誉事件，整条拒绝
//  3. 信誉门限：被封禁节点的消息整条拒绝
//  4. 隔离检查：处于隔离期的节点消息静默丢弃；随后丢弃过期或重放的消息
//  5. 速率限制：滑动窗口内无效条目或无效消息超限即隔离
//  6. 逐条合并：争议值可要求多个节点达成共识，坏条目跳过
//  7. 提交：接受的条目写入本地状态
//
// 终态为 Rejected、Dropped、PartiallyMerged、Merged 与 Empty。
// 协议违规与资源耗尽只更新信誉与限流状态，不向调用方返回错误。
//
// 本地状态按键做比较替换：时间戳较新者胜，时间戳相同时来源 PeerID
// 字典序较大者胜，所有节点独立收敛到同一结果。
package sync
