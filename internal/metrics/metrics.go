package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 准入结果标签值
const (
	OutcomeAdmitted  = "admitted"
	OutcomeNoStock   = "no_stock"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

var (
	// AdmissionTotal 按结果统计的准入请求数
	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashvoucher",
		Name:      "admission_total",
		Help:      "秒杀准入请求数，按结果分类",
	}, []string{"outcome"})

	// OrderFulfilledTotal 成功落库的订单数
	OrderFulfilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flashvoucher",
		Name:      "order_fulfilled_total",
		Help:      "履约成功落库的订单数",
	})

	// OrderRetryTotal 因瞬时错误进入pending恢复的事件数
	OrderRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flashvoucher",
		Name:      "order_retry_total",
		Help:      "因瞬时错误未确认、等待pending恢复的订单事件数",
	})

	// InvariantViolationTotal 数据完整性告警
	// 准入通过后数据库条件扣减仍影响0行时递增，任何非零值都需要人工介入
	InvariantViolationTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flashvoucher",
		Name:      "invariant_violation_total",
		Help:      "准入预留与数据库库存出现分歧的次数",
	})

	// CacheRebuildTotal 逻辑过期缓存的后台重建次数
	CacheRebuildTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flashvoucher",
		Name:      "cache_rebuild_total",
		Help:      "逻辑过期缓存触发的后台重建次数",
	})
)
