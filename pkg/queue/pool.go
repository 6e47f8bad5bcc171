package queue

import (
	"context"
	"sync"
	"time"

	"groupbuy/pkg/log"
)

// Task unit of fire-and-forget work
type Task func(ctx context.Context)

// TaskPool bounded worker pool. Submit never blocks: once the backlog is full
// the task is rejected and the caller decides how to compensate.
type TaskPool struct {
	name        string
	tasks       chan Task
	taskTimeout time.Duration
	onReject    func(name string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// PoolConfig task pool configuration
type PoolConfig struct {
	Name        string
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	OnReject    func(name string)
}

// NewTaskPool starts cfg.Workers workers
func NewTaskPool(cfg PoolConfig) *TaskPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &TaskPool{
		name:        cfg.Name,
		tasks:       make(chan Task, cfg.QueueSize),
		taskTimeout: cfg.TaskTimeout,
		onReject:    cfg.OnReject,
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *TaskPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *TaskPool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(map[string]interface{}{
				"pool":   p.name,
				"worker": id,
				"panic":  r,
			}).Error("Task panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.taskTimeout)
	defer cancel()
	task(ctx)
}

// Submit enqueues task, ErrQueueFull when the backlog is at capacity
func (p *TaskPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		log.WithFields(map[string]interface{}{
			"pool":    p.name,
			"backlog": len(p.tasks),
		}).Warn("Task rejected, pool saturated")
		if p.onReject != nil {
			p.onReject(p.name)
		}
		return ErrQueueFull
	}
}

// Pending returns the queued task count
func (p *TaskPool) Pending() int {
	return len(p.tasks)
}

// Stop stops accepting tasks and waits for the backlog to drain. When ctx
// expires first, running tasks are cancelled.
func (p *TaskPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
