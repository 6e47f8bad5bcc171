package rank

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"groupbuy/internal/model"
	"groupbuy/internal/monitor"
	"groupbuy/pkg/log"
	"groupbuy/pkg/queue"
)

// Emitter hands rank events to the leaderboard updater. Emit never fails
// the caller; delivery problems are logged and counted.
type Emitter interface {
	Emit(ctx context.Context, ev *model.RankEvent)
}

// NopEmitter drops every event
type NopEmitter struct{}

// Emit implements Emitter
func (NopEmitter) Emit(context.Context, *model.RankEvent) {}

// QueuePublisher publishes rank events to a message queue topic
type QueuePublisher struct {
	mq    queue.MessageQueue
	topic string
}

// NewQueuePublisher creates a publisher for topic
func NewQueuePublisher(mq queue.MessageQueue, topic string) *QueuePublisher {
	return &QueuePublisher{mq: mq, topic: topic}
}

// Emit publishes ev, assigning an event id when missing
func (p *QueuePublisher) Emit(ctx context.Context, ev *model.RankEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	data, err := json.Marshal(ev)
	if err == nil {
		err = p.mq.Publish(ctx, p.topic, data)
	}
	if err != nil {
		monitor.GetMetrics().RecordQueueMessage(p.topic, "publish", monitor.ResultFailure)
		log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"event_id":   ev.EventID,
			"event_type": ev.EventType,
			"order_id":   ev.OrderID,
		}).Warn("Failed to publish rank event")
		return
	}
	monitor.GetMetrics().RecordQueueMessage(p.topic, "publish", monitor.ResultSuccess)
}

// Decode parses a published rank event
func Decode(data []byte) (*model.RankEvent, error) {
	var ev model.RankEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
