package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePool runs fire-and-forget tasks on a bounded set of workers.
// Submit never blocks: when the queue is full the task is rejected.
type GoroutinePool struct {
	maxWorkers  int
	taskQueue   chan taskWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	mu          sync.RWMutex // 保护 taskQueue 的发送与关闭
	wg          sync.WaitGroup
	pending     sync.WaitGroup

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	// Config
	idleTimeout time.Duration
	onError     func(err error)
}

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers  int              `json:"max_workers" yaml:"max_workers"`
	QueueSize   int              `json:"queue_size" yaml:"queue_size"`
	IdleTimeout time.Duration    `json:"idle_timeout" yaml:"idle_timeout"`
	OnError     func(err error) `json:"-" yaml:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  8,
		QueueSize:   256,
		IdleTimeout: 30 * time.Second,
	}
}

// NewGoroutinePool creates a new goroutine pool.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	defaults := DefaultGoroutinePoolConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = defaults.MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	return &GoroutinePool{
		maxWorkers:  config.MaxWorkers,
		taskQueue:   make(chan taskWrapper, config.QueueSize),
		idleTimeout: config.IdleTimeout,
		onError:     config.OnError,
	}
}

// Submit queues a task without blocking.
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	p.pending.Add(1)
	wrapper := taskWrapper{task: task, ctx: ctx}

	select {
	case p.taskQueue <- wrapper:
		p.ensureWorker()
		return nil
	default:
		// 队列已满，尝试扩容 worker 后再投递一次
		if p.trySpawnWorker() {
			select {
			case p.taskQueue <- wrapper:
				return nil
			default:
			}
		}
		p.pending.Done()
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *GoroutinePool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-p.taskQueue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.executeTask(wrapper)
			p.activeCount.Add(-1)
			p.pending.Done()

			if err != nil {
				p.failed.Add(1)
				if p.onError != nil {
					p.onError(err)
				}
			} else {
				p.completed.Add(1)
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// 空闲超时，保留最后一个 worker
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *GoroutinePool) executeTask(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return wrapper.task(wrapper.ctx)
}

// Drain waits until every accepted task has finished or ctx ends.
func (p *GoroutinePool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued tasks to finish.
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return
	}
	close(p.taskQueue)
	p.mu.Unlock()

	// 关闭前排队的任务可能还没有 worker
	for len(p.taskQueue) > 0 && p.trySpawnWorker() {
	}
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
