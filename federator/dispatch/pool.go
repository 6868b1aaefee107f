package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/fedgate/types"
	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize 每个资源类别的默认并发上游请求数
const DefaultPoolSize = 120

// Pool 按资源类别（dataselect/station/availability）限制并发上游请求。
// 所有会话共享同一个 Pool，获取槽位时阻塞直到有空闲或 ctx 结束。
type Pool struct {
	mu          sync.Mutex
	classes     map[string]*poolClass
	defaultSize int64
}

type poolClass struct {
	sem   *semaphore.Weighted
	size  int64
	inUse atomic.Int64
}

// NewPool 创建连接池，sizes 未列出的类别使用 defaultSize
func NewPool(sizes map[string]int, defaultSize int) *Pool {
	if defaultSize <= 0 {
		defaultSize = DefaultPoolSize
	}
	p := &Pool{
		classes:     make(map[string]*poolClass, len(sizes)),
		defaultSize: int64(defaultSize),
	}
	for name, size := range sizes {
		if size <= 0 {
			size = defaultSize
		}
		p.classes[name] = &poolClass{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
	}
	return p
}

func (p *Pool) class(name string) *poolClass {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.classes[name]
	if !ok {
		c = &poolClass{sem: semaphore.NewWeighted(p.defaultSize), size: p.defaultSize}
		p.classes[name] = c
	}
	return c
}

// Acquire 获取一个槽位，返回的 release 必须且只能调用一次
func (p *Pool) Acquire(ctx context.Context, class string) (func(), error) {
	c := p.class(class)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, types.NewError(types.ErrCancelled, "waiting for connection slot").WithCause(err)
	}
	c.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.inUse.Add(-1)
			c.sem.Release(1)
		})
	}, nil
}

// InUse 当前占用的槽位数
func (p *Pool) InUse(class string) int64 {
	return p.class(class).inUse.Load()
}

// Size 类别的槽位总数
func (p *Pool) Size(class string) int64 {
	return p.class(class).size
}
