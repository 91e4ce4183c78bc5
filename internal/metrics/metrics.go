// Package metrics 定义网关的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal 按最终状态统计结束的问答。
	// Labels: status (complete, cancelled, errored, out_of_scope)
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ruleout",
		Subsystem: "turn",
		Name:      "finished_total",
		Help:      "Total finished turns by terminal status",
	}, []string{"status"})

	// TurnDuration 统计从提交到流结束的耗时。
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ruleout",
		Subsystem: "turn",
		Name:      "duration_seconds",
		Help:      "Turn duration from submit to end of stream in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"status"})

	// FirstChunkLatency 统计从提交到第一个回答分块的耗时。
	FirstChunkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ruleout",
		Subsystem: "turn",
		Name:      "first_chunk_seconds",
		Help:      "Latency from submit to first streamed chunk in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	})

	// StreamEvents 按 status 统计收到的 SSE 事件。
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ruleout",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Total inference stream events by status",
	}, []string{"status"})

	// PersistFailures 统计重试后仍失败的持久化。
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ruleout",
		Subsystem: "store",
		Name:      "persist_failures_total",
		Help:      "Total turns whose persistence failed after all retries",
	})

	// QuotaRejections 统计访客配额用尽被拒绝的提交。
	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ruleout",
		Subsystem: "guest",
		Name:      "quota_rejections_total",
		Help:      "Total guest submissions rejected for exhausted quota",
	})

	// TitleTasks 按结果统计标题生成任务。
	// Labels: result (generated, fallback, failed)
	TitleTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ruleout",
		Subsystem: "title",
		Name:      "tasks_total",
		Help:      "Total title generation tasks by result",
	}, []string{"result"})

	// ActiveConnections 是当前打开的聊天 WebSocket 连接数。
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ruleout",
		Subsystem: "chat",
		Name:      "active_connections",
		Help:      "Number of open chat WebSocket connections",
	})
)
