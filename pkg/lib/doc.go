// Package lib 包含与覆盖网络组件无关的基础设施工具库
//
//   - log: 基于 log/slog 的组件日志
//
// 公共类型（PeerID、Contact、NAT 分类等）位于 pkg/types。
package lib
