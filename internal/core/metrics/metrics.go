// Package metrics 提供 mesh 的 Prometheus 指标
//
// 使用独立的 prometheus.Registry，避免与进程全局注册表冲突，
// 每个测试可以持有自己的实例。所有标签均为低基数枚举值，
// 从不包含密钥、签名、完整哈希或单条消息细节。
//
// 所有 Observe 方法对 nil 接收者安全。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Metrics mesh 指标集合
type Metrics struct {
	Registry *prometheus.Registry

	// 同步管道
	SyncMessagesTotal *prometheus.CounterVec
	SyncEntriesTotal  *prometheus.CounterVec
	SyncFailuresTotal *prometheus.CounterVec
	QuarantinedPeers  prometheus.Gauge

	// DHT
	DHTRPCTotal  *prometheus.CounterVec
	DHTRecords   prometheus.Gauge
	RoutingPeers prometheus.Gauge

	// NAT 穿透与中继
	NATConnectTotal *prometheus.CounterVec
	RelaySessions   prometheus.Gauge

	// 信誉
	ReputationEventsTotal *prometheus.CounterVec
}

// New 创建指标集合并注册到独立注册表
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SyncMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_sync_messages_total",
				Help: "Inbound sync messages by terminal state.",
			},
			[]string{"result"},
		),
		SyncEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_sync_entries_total",
				Help: "Sync entries by merge outcome.",
			},
			[]string{"result"},
		),
		SyncFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_sync_failures_total",
				Help: "Sync failures by error class.",
			},
			[]string{"class"},
		),
		QuarantinedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_sync_quarantined_peers",
			Help: "Peers currently quarantined.",
		}),

		DHTRPCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_dht_rpcs_total",
				Help: "Outbound DHT RPCs by type and result.",
			},
			[]string{"type", "result"},
		),
		DHTRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_dht_records",
			Help: "Live records held in the local record store.",
		}),
		RoutingPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_dht_routing_peers",
			Help: "Contacts in the routing table.",
		}),

		NATConnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_nat_connect_total",
				Help: "Connection attempts by path kind and result.",
			},
			[]string{"path", "result"},
		),
		RelaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_relay_sessions",
			Help: "Active relay sessions (client and server).",
		}),

		ReputationEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_reputation_events_total",
				Help: "Reputation events by type.",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		m.SyncMessagesTotal,
		m.SyncEntriesTotal,
		m.SyncFailuresTotal,
		m.QuarantinedPeers,
		m.DHTRPCTotal,
		m.DHTRecords,
		m.RoutingPeers,
		m.NATConnectTotal,
		m.RelaySessions,
		m.ReputationEventsTotal,
	)
	return m
}

// Handler 返回 /metrics HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ============================================================================
//                              便捷记录方法
// ============================================================================

// SyncMessage 记录一条同步消息的终态
func (m *Metrics) SyncMessage(result string) {
	if m == nil {
		return
	}
	m.SyncMessagesTotal.WithLabelValues(result).Inc()
}

// SyncEntries 记录条目合并结果
func (m *Metrics) SyncEntries(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncEntriesTotal.WithLabelValues(result).Add(float64(n))
}

// SyncFailure 记录同步失败
func (m *Metrics) SyncFailure(class string) {
	if m == nil {
		return
	}
	m.SyncFailuresTotal.WithLabelValues(class).Inc()
}

// SetQuarantined 设置当前隔离节点数
func (m *Metrics) SetQuarantined(n int) {
	if m == nil {
		return
	}
	m.QuarantinedPeers.Set(float64(n))
}

// DHTRPC 记录一次出站 DHT RPC
func (m *Metrics) DHTRPC(typ, result string) {
	if m == nil {
		return
	}
	m.DHTRPCTotal.WithLabelValues(typ, result).Inc()
}

// SetDHTSizes 设置记录数与路由表大小
func (m *Metrics) SetDHTSizes(records, peers int) {
	if m == nil {
		return
	}
	m.DHTRecords.Set(float64(records))
	m.RoutingPeers.Set(float64(peers))
}

// NATConnect 记录一次连接尝试
func (m *Metrics) NATConnect(path, result string) {
	if m == nil {
		return
	}
	m.NATConnectTotal.WithLabelValues(path, result).Inc()
}

// RelaySessionDelta 调整活动中继会话数
func (m *Metrics) RelaySessionDelta(d int) {
	if m == nil {
		return
	}
	m.RelaySessions.Add(float64(d))
}

// ReputationEvent 记录信誉事件
func (m *Metrics) ReputationEvent(typ string) {
	if m == nil {
		return
	}
	m.ReputationEventsTotal.WithLabelValues(typ).Inc()
}

// Module 指标 fx 模块
func Module() fx.Option {
	return fx.Module("metrics", fx.Provide(New))
}
