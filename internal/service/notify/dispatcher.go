// Package notify delivers team completion and refund callbacks and retries
// them until they succeed or run out of attempts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"groupbuy/internal/config"
	"groupbuy/internal/model"
	"groupbuy/internal/monitor"
	"groupbuy/internal/repository"
	"groupbuy/pkg/breaker"
	"groupbuy/pkg/limiter"
	"groupbuy/pkg/lock"
	"groupbuy/pkg/log"
	"groupbuy/pkg/queue"
	"groupbuy/pkg/utils"
)

// SweepLockKey only one sweeper runs at a time across processes
const SweepLockKey = "notify:sweep:lock"

// ErrNoPool the dispatcher was built without a task pool
var ErrNoPool = errors.New("notify dispatcher has no task pool")

// Options dispatcher options
type Options struct {
	MaxRetries     int
	InlineAttempts int
	Backoff        time.Duration
	SweepBatch     int
	SweepLockTTL   time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.InlineAttempts <= 0 {
		o.InlineAttempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	if o.SweepLockTTL <= 0 {
		o.SweepLockTTL = time.Minute
	}
}

// OptionsFrom maps the notify configuration section
func OptionsFrom(cfg config.NotifyConfig) Options {
	return Options{
		MaxRetries:     cfg.MaxRetries,
		InlineAttempts: cfg.InlineAttempts,
		Backoff:        cfg.Backoff,
		SweepBatch:     cfg.SweepBatch,
		SweepLockTTL:   cfg.SweepLockTTL,
	}
}

// DeliveryResult outcome of one task execution
type DeliveryResult struct {
	NotifyType string `json:"notify_type"`
	Status     int8   `json:"status"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// Delivered reports whether the task reached SUCCESS
func (r DeliveryResult) Delivered() bool {
	return r.Status == model.NotifyStatusSuccess
}

// SweepResult outcome of one sweep
type SweepResult struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Retry   int `json:"retry"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
	// Skipped another sweeper held the lock
	Skipped bool `json:"skipped"`
}

// DispatcherOption tunes a dispatcher
type DispatcherOption func(*Dispatcher)

// WithBreakers guards destinations with m
func WithBreakers(m *breaker.Manager) DispatcherOption {
	return func(d *Dispatcher) { d.breakers = m }
}

// WithLimiter throttles destinations with l
func WithLimiter(l *limiter.KeyedLimiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithPool runs submitted tasks on p
func WithPool(p *queue.TaskPool) DispatcherOption {
	return func(d *Dispatcher) { d.pool = p }
}

// Dispatcher notify task dispatcher
type Dispatcher struct {
	repo     repository.NotifyTaskRepository
	sinks    [model.NotifyTypeCount]Sink
	client   redis.Cmdable
	breakers *breaker.Manager
	limiter  *limiter.KeyedLimiter
	pool     *queue.TaskPool
	opts     Options
}

// NewDispatcher creates a dispatcher; every notify type needs a sink
func NewDispatcher(
	repo repository.NotifyTaskRepository,
	sinks map[model.NotifyType]Sink,
	client redis.Cmdable,
	opts Options,
	options ...DispatcherOption,
) (*Dispatcher, error) {
	opts.setDefaults()
	d := &Dispatcher{
		repo:   repo,
		client: client,
		opts:   opts,
	}

	for typ, sink := range sinks {
		if !typ.Valid() {
			return nil, fmt.Errorf("unknown notify type %d", typ)
		}
		d.sinks[typ] = sink
	}
	for i, sink := range d.sinks {
		if sink == nil {
			return nil, fmt.Errorf("no sink for notify type %s", model.NotifyType(i))
		}
	}

	for _, o := range options {
		o(d)
	}
	if d.breakers == nil {
		d.breakers = NewBreakerManager(config.CircuitBreakConfig{})
	}
	if d.limiter == nil {
		d.limiter = limiter.NewKeyedLimiter(0, 0)
	}
	return d, nil
}

// NewBreakerManager per-destination breakers reporting state to metrics
func NewBreakerManager(cfg config.CircuitBreakConfig) *breaker.Manager {
	return breaker.NewManager(breaker.Config{
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		FailureRatio: cfg.FailureRatio,
		MinRequests:  cfg.MinRequestCount,
		OnStateChange: func(name string, from, to breaker.State) {
			monitor.GetMetrics().UpdateBreakerState(name, int(to))
			log.WithFields(map[string]interface{}{
				"destination": name,
				"from":        from.String(),
				"to":          to.String(),
			}).Warn("Notify circuit breaker state changed")
		},
	})
}

// Submit queues task for asynchronous execution. A rejected task stays
// PENDING for the sweeper.
func (d *Dispatcher) Submit(task *model.NotifyTask) error {
	if d.pool == nil {
		return ErrNoPool
	}
	err := d.pool.Submit(func(ctx context.Context) {
		if _, err := d.Execute(ctx, task); err != nil {
			log.WithError(err).WithField("biz_key", task.BizKey).Error("Notify task execution failed")
		}
	})
	monitor.GetMetrics().UpdateQueueSize("notify", d.pool.Pending())
	return err
}

// Execute delivers task and records the outcome. The error is set only when
// the outcome could not be stored.
func (d *Dispatcher) Execute(ctx context.Context, task *model.NotifyTask) (results map[string]DeliveryResult, err error) {
	ctx, span := monitor.StartSpan(ctx, "notify.execute",
		attribute.String("biz_key", task.BizKey),
		attribute.String("notify_type", task.NotifyType),
	)
	defer func() { monitor.EndSpan(span, err) }()

	attempts, deliverErr := d.deliver(ctx, task)
	result := DeliveryResult{NotifyType: task.NotifyType, Attempts: attempts}
	fields := map[string]interface{}{
		"biz_key":     task.BizKey,
		"destination": task.Destination,
		"attempts":    attempts,
	}

	if deliverErr == nil {
		updated, err := d.repo.MarkSuccess(ctx, task)
		if err != nil {
			return nil, err
		}
		result.Status = model.NotifyStatusSuccess
		if updated {
			monitor.GetMetrics().RecordNotifyDispatch(task.NotifyType, monitor.ResultSuccess)
			log.WithContext(ctx).WithFields(fields).Info("Notify delivered")
		} else {
			monitor.GetMetrics().RecordNotifyDispatch(task.NotifyType, monitor.ResultRepeated)
		}
		return map[string]DeliveryResult{task.Destination: result}, nil
	}

	result.Error = deliverErr.Error()
	status, err := d.repo.MarkRetryOrFailed(ctx, task, d.opts.MaxRetries, deliverErr.Error())
	if err != nil {
		if errors.Is(err, utils.ErrConcurrentUpdate) {
			// 其他执行者已记录本轮结果
			monitor.GetMetrics().RecordNotifyDispatch(task.NotifyType, monitor.ResultRepeated)
			result.Status = task.Status
			return map[string]DeliveryResult{task.Destination: result}, nil
		}
		return nil, err
	}
	result.Status = status
	monitor.GetMetrics().RecordNotifyDispatch(task.NotifyType, monitor.ResultFailure)

	entry := log.WithContext(ctx).WithError(deliverErr).WithFields(fields)
	if status == model.NotifyStatusFailed {
		entry.WithField("attempt_count", task.AttemptCount).Error("Notify gave up")
	} else {
		entry.Warn("Notify failed, will retry")
	}
	return map[string]DeliveryResult{task.Destination: result}, nil
}

// deliver makes up to InlineAttempts tries with exponential backoff
func (d *Dispatcher) deliver(ctx context.Context, task *model.NotifyTask) (int, error) {
	typ := model.ParseNotifyType(task.NotifyType)
	if !typ.Valid() {
		return 0, fmt.Errorf("unknown notify type %q", task.NotifyType)
	}
	sink := d.sinks[typ]

	var (
		attempts int
		err      error
	)
	for i := 0; i < d.opts.InlineAttempts; i++ {
		if i > 0 {
			timer := time.NewTimer(d.opts.Backoff << uint(i-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, err
			case <-timer.C:
			}
		}

		if werr := d.limiter.Wait(ctx, task.Destination); werr != nil {
			if err == nil {
				err = werr
			}
			return attempts, err
		}

		attempts++
		err = d.breakers.Execute(task.Destination, func() error {
			return sink.Deliver(ctx, task.Destination, []byte(task.Payload))
		})
		if err == nil || breaker.IsBreakerError(err) {
			return attempts, err
		}
	}
	return attempts, err
}

// Sweep executes PENDING and RETRY tasks in id order while holding the
// sweep lock. A sweep that finds the lock taken is skipped.
func (d *Dispatcher) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	l := lock.NewRedisLock(d.client, SweepLockKey, d.opts.SweepLockTTL)

	err := l.WithLock(ctx, func(ctx context.Context) error {
		tasks, err := d.repo.ListDispatchable(ctx, d.opts.SweepBatch)
		if err != nil {
			return err
		}

		result.Total = len(tasks)
		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				return err
			}

			results, err := d.Execute(ctx, task)
			if err != nil {
				result.Errors++
				log.WithContext(ctx).WithError(err).WithField("biz_key", task.BizKey).Error("Failed to record notify outcome")
				continue
			}

			switch results[task.Destination].Status {
			case model.NotifyStatusSuccess:
				result.Success++
			case model.NotifyStatusFailed:
				result.Failed++
			default:
				result.Retry++
			}
		}
		return nil
	})
	if errors.Is(err, lock.ErrLockFailed) {
		result.Skipped = true
		monitor.GetMetrics().RecordNotifyDispatch("sweep", monitor.ResultSkipped)
		return result, nil
	}
	if err != nil {
		return result, err
	}

	if result.Total > 0 {
		log.WithFields(map[string]interface{}{
			"total":   result.Total,
			"success": result.Success,
			"retry":   result.Retry,
			"failed":  result.Failed,
			"errors":  result.Errors,
		}).Info("Notify sweep finished")
	}
	return result, nil
}

// StartSweeper runs Sweep every interval until ctx is done. The returned
// channel closes once the sweeper has exited.
func (d *Dispatcher) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.WithField("interval", interval.String()).Info("Notify sweeper started")
		for {
			select {
			case <-ctx.Done():
				log.Info("Notify sweeper stopped")
				return
			case <-ticker.C:
				if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
					log.WithError(err).Error("Notify sweep failed")
				}
			}
		}
	}()
	return done
}
