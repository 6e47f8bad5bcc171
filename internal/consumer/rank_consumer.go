package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"groupbuy/internal/model"
	"groupbuy/internal/monitor"
	"groupbuy/internal/service/rank"
	"groupbuy/pkg/log"
	"groupbuy/pkg/queue"
)

// EventHandler applies one rank event
type EventHandler interface {
	OnEvent(ctx context.Context, ev *model.RankEvent) error
}

// RankConsumer rank event consumer, drains the rank topic into the engine
type RankConsumer struct {
	handler      EventHandler
	messageQueue queue.MessageQueue
	topic        string
	workers      int
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewRankConsumer creates a rank consumer
func NewRankConsumer(handler EventHandler, messageQueue queue.MessageQueue, topic string, workers int) *RankConsumer {
	if workers <= 0 {
		workers = 1
	}
	return &RankConsumer{
		handler:      handler,
		messageQueue: messageQueue,
		topic:        topic,
		workers:      workers,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the workers
func (c *RankConsumer) Start(ctx context.Context) {
	log.WithFields(map[string]interface{}{
		"topic":   c.topic,
		"workers": c.workers,
	}).Info("Starting rank consumer")

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.consume(ctx, i)
	}
}

func (c *RankConsumer) consume(ctx context.Context, workerID int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Consume message with timeout
		consumeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		data, err := c.messageQueue.Consume(consumeCtx, c.topic)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				log.WithField("worker_id", workerID).Info("Rank queue closed, worker exiting")
				return
			}
			log.WithError(err).WithField("worker_id", workerID).Error("Failed to consume rank event")
			time.Sleep(time.Second)
			continue
		}

		c.handle(ctx, data)
	}
}

// handle applies one message; failures are logged and counted, never retried here
func (c *RankConsumer) handle(ctx context.Context, data []byte) {
	ev, err := rank.Decode(data)
	if err != nil {
		monitor.GetMetrics().RecordRankEvent(monitor.ResultRejected)
		log.WithError(err).WithField("topic", c.topic).Warn("Dropping malformed rank event")
		return
	}

	if err := c.handler.OnEvent(ctx, ev); err != nil {
		log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"event_id":   ev.EventID,
			"event_type": ev.EventType,
		}).Warn("Rank event not applied")
	}
}

// Stop stops the workers and waits for them to exit
func (c *RankConsumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}
