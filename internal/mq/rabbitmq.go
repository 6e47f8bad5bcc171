// Package mq provides the broker-backed message queue.
package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"groupbuy/internal/config"
	"groupbuy/internal/monitor"
	"groupbuy/pkg/log"
	"groupbuy/pkg/queue"
)

// Queue drivers
const (
	DriverMemory   = "memory"
	DriverRabbitMQ = "rabbitmq"
)

// New builds the message queue selected by cfg.Driver
func New(cfg config.MQConfig) (queue.MessageQueue, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return queue.NewMemoryMessageQueue(0), nil
	case DriverRabbitMQ:
		return Dial(cfg.URL, cfg.Prefetch)
	default:
		return nil, fmt.Errorf("unknown mq driver %q", cfg.Driver)
	}
}

// RabbitMQ message queue over RabbitMQ; each topic is a durable queue on
// the default exchange.
type RabbitMQ struct {
	conn     *amqp.Connection
	prefetch int

	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool

	subMu      sync.Mutex
	subCh      *amqp.Channel
	deliveries map[string]<-chan amqp.Delivery
}

// Dial 建立 RabbitMQ 连接
func Dial(url string, prefetch int) (*RabbitMQ, error) {
	if prefetch <= 0 {
		prefetch = 32
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rabbitmq: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}

	return &RabbitMQ{
		conn:       conn,
		prefetch:   prefetch,
		pubCh:      pubCh,
		declared:   make(map[string]bool),
		deliveries: make(map[string]<-chan amqp.Delivery),
	}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	return err
}

// Publish publishes a persistent message to topic
func (q *RabbitMQ) Publish(ctx context.Context, topic string, message []byte) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if !q.declared[topic] {
		if err := declare(q.pubCh, topic); err != nil {
			return fmt.Errorf("declare queue %s: %w", topic, err)
		}
		q.declared[topic] = true
	}

	err := q.pubCh.PublishWithContext(ctx, "", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         message,
	})
	if err != nil {
		monitor.GetMetrics().RecordQueueMessage(topic, "publish", monitor.ResultFailure)
		return err
	}
	return nil
}

// Consume blocks for the next message of topic and acknowledges it on
// receipt; handlers must tolerate redelivery after a broker failover.
func (q *RabbitMQ) Consume(ctx context.Context, topic string) ([]byte, error) {
	msgs, err := q.subscribe(topic)
	if err != nil {
		return nil, err
	}

	select {
	case d, ok := <-msgs:
		if !ok {
			return nil, queue.ErrQueueClosed
		}
		if err := d.Ack(false); err != nil {
			log.WithError(err).WithField("topic", topic).Warn("Failed to ack message")
		}
		monitor.GetMetrics().RecordQueueMessage(topic, "consume", monitor.ResultSuccess)
		return d.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscribe starts one broker consumer per topic, shared by all callers
func (q *RabbitMQ) subscribe(topic string) (<-chan amqp.Delivery, error) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	if msgs, ok := q.deliveries[topic]; ok {
		return msgs, nil
	}

	if q.subCh == nil {
		ch, err := q.conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open consume channel: %w", err)
		}
		if err := ch.Qos(q.prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
		q.subCh = ch
	}

	if err := declare(q.subCh, topic); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", topic, err)
	}
	msgs, err := q.subCh.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}
	q.deliveries[topic] = msgs
	return msgs, nil
}

// Close closes the channels and the connection
func (q *RabbitMQ) Close() error {
	q.subMu.Lock()
	if q.subCh != nil {
		_ = q.subCh.Close()
		q.subCh = nil
	}
	q.subMu.Unlock()

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	_ = q.pubCh.Close()

	if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
