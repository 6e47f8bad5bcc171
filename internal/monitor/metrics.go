package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "groupbuy"

// 结果标签
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultRepeated = "repeated"
	ResultSkipped  = "skipped"
)

// MetricsCollector 指标收集器
type MetricsCollector struct {
	// 业务指标
	reservationTotal    *prometheus.CounterVec
	settlementTotal     *prometheus.CounterVec
	refundTotal         *prometheus.CounterVec
	notifyDispatchTotal *prometheus.CounterVec
	rankEventTotal      *prometheus.CounterVec
	rankReadDegraded    *prometheus.CounterVec
	tradeDuration       *prometheus.HistogramVec

	// 系统指标
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 队列指标
	poolRejectedTotal *prometheus.CounterVec
	queueMessageTotal *prometheus.CounterVec
	queueSize         *prometheus.GaugeVec

	breakerState *prometheus.GaugeVec
}

var (
	defaultCollector *MetricsCollector
	once             sync.Once
)

// GetMetrics returns the process wide collector registered on the default registry
func GetMetrics() *MetricsCollector {
	once.Do(func() {
		defaultCollector = NewMetricsCollector(prometheus.DefaultRegisterer)
	})
	return defaultCollector
}

// NewMetricsCollector 创建新的指标收集器
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{}
	mc.initMetrics(promauto.With(reg))
	return mc
}

// initMetrics 初始化所有指标
func (mc *MetricsCollector) initMetrics(factory promauto.Factory) {
	mc.reservationTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_total",
			Help:      "Total number of team slot reservations",
		},
		[]string{"result"},
	)

	mc.settlementTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_total",
			Help:      "Total number of order settlements",
		},
		[]string{"result"},
	)

	mc.refundTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_total",
			Help:      "Total number of order refunds",
		},
		[]string{"type", "result"},
	)

	mc.notifyDispatchTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_dispatch_total",
			Help:      "Total number of notify task deliveries",
		},
		[]string{"type", "result"},
	)

	mc.rankEventTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_event_total",
			Help:      "Total number of rank events processed",
		},
		[]string{"result"},
	)

	mc.rankReadDegraded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_read_degraded_total",
			Help:      "Leaderboard reads served from the snapshot or empty",
		},
		[]string{"op"},
	)

	mc.tradeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Duration of trade operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	mc.httpRequestTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mc.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	mc.poolRejectedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_rejected_total",
			Help:      "Tasks rejected by a saturated worker pool",
		},
		[]string{"pool"},
	)

	mc.queueMessageTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_message_total",
			Help:      "Total number of queue messages",
		},
		[]string{"topic", "operation", "status"},
	)

	mc.queueSize = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Pending tasks of a worker pool",
		},
		[]string{"pool"},
	)

	mc.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per destination (0 closed, 1 open, 2 half-open)",
		},
		[]string{"destination"},
	)
}

// RecordReservation 记录库存预占
func (mc *MetricsCollector) RecordReservation(result string) {
	mc.reservationTotal.WithLabelValues(result).Inc()
}

// RecordSettlement 记录结算
func (mc *MetricsCollector) RecordSettlement(result string) {
	mc.settlementTotal.WithLabelValues(result).Inc()
}

// RecordRefund 记录退单
func (mc *MetricsCollector) RecordRefund(refundType, result string) {
	mc.refundTotal.WithLabelValues(refundType, result).Inc()
}

// RecordNotifyDispatch 记录回调投递
func (mc *MetricsCollector) RecordNotifyDispatch(notifyType, result string) {
	mc.notifyDispatchTotal.WithLabelValues(notifyType, result).Inc()
}

// RecordRankEvent 记录排行榜事件
func (mc *MetricsCollector) RecordRankEvent(result string) {
	mc.rankEventTotal.WithLabelValues(result).Inc()
}

// RecordRankReadDegraded 记录降级读
func (mc *MetricsCollector) RecordRankReadDegraded(op string) {
	mc.rankReadDegraded.WithLabelValues(op).Inc()
}

// RecordTradeDuration 记录交易耗时
func (mc *MetricsCollector) RecordTradeDuration(op string, duration time.Duration) {
	mc.tradeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordHTTPRequest 记录HTTP请求
func (mc *MetricsCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mc.httpRequestTotal.WithLabelValues(method, path, status).Inc()
	mc.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPoolRejected 记录线程池拒绝
func (mc *MetricsCollector) RecordPoolRejected(pool string) {
	mc.poolRejectedTotal.WithLabelValues(pool).Inc()
}

// RecordQueueMessage 记录队列消息
func (mc *MetricsCollector) RecordQueueMessage(topic, operation, status string) {
	mc.queueMessageTotal.WithLabelValues(topic, operation, status).Inc()
}

// UpdateQueueSize 更新队列长度
func (mc *MetricsCollector) UpdateQueueSize(pool string, size int) {
	mc.queueSize.WithLabelValues(pool).Set(float64(size))
}

// UpdateBreakerState 更新熔断器状态
func (mc *MetricsCollector) UpdateBreakerState(destination string, state int) {
	mc.breakerState.WithLabelValues(destination).Set(float64(state))
}
