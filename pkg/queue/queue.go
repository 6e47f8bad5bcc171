package queue

import (
	"errors"
)

// Common errors
var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
	ErrPoolStopped = errors.New("task pool stopped")
)
