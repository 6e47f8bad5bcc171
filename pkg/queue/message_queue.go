package queue

import (
	"context"
	"sync"
)

// MessageQueue message queue interface
type MessageQueue interface {
	// Publish publishes a message to a topic
	Publish(ctx context.Context, topic string, message []byte) error
	// Consume blocks until one message of topic is available
	Consume(ctx context.Context, topic string) ([]byte, error)
	// Close closes the queue
	Close() error
}

// MemoryMessageQueue in-memory message queue implementation
type MemoryMessageQueue struct {
	queues     map[string]chan []byte
	bufferSize int
	mu         sync.Mutex
	closed     bool
	done       chan struct{}
}

// NewMemoryMessageQueue creates a new in-memory message queue
func NewMemoryMessageQueue(bufferSize int) *MemoryMessageQueue {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &MemoryMessageQueue{
		queues:     make(map[string]chan []byte),
		bufferSize: bufferSize,
		done:       make(chan struct{}),
	}
}

func (q *MemoryMessageQueue) topic(name string) (chan []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan []byte, q.bufferSize)
		q.queues[name] = ch
	}
	return ch, nil
}

// Publish publishes a message to a topic, failing fast with ErrQueueFull
func (q *MemoryMessageQueue) Publish(ctx context.Context, topic string, message []byte) error {
	ch, err := q.topic(topic)
	if err != nil {
		return err
	}

	select {
	case ch <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Consume consumes a message from a topic
func (q *MemoryMessageQueue) Consume(ctx context.Context, topic string) ([]byte, error) {
	ch, err := q.topic(topic)
	if err != nil {
		return nil, err
	}

	select {
	case message := <-ch:
		return message, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered messages of topic
func (q *MemoryMessageQueue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[topic])
}

// Close closes the queue
func (q *MemoryMessageQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
