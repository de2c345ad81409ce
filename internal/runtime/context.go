package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context 虚拟机上下文：持有线程、函数和代码对象登记表
type Context struct {
	id     uuid.UUID
	name   string
	heap   *Heap
	logger *zap.Logger

	lockWarn time.Duration

	mu      sync.Mutex
	threads []*Thread
}

// ContextOption 上下文配置项
type ContextOption func(*Context)

// WithContextLogger 设置日志
func WithContextLogger(l *zap.Logger) ContextOption {
	return func(c *Context) { c.logger = l }
}

// WithLockHoldWarning 设置 JIT 锁持有时长告警阈值
func WithLockHoldWarning(d time.Duration) ContextOption {
	return func(c *Context) { c.lockWarn = d }
}

// NewContext 创建上下文；releaser 负责归还被回收的代码对象
func NewContext(name string, releaser CodeReleaser, opts ...ContextOption) *Context {
	c := &Context{
		id:     uuid.New(),
		name:   name,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.heap = NewHeap(releaser, c.logger)
	return c
}

// ID 上下文标识
func (c *Context) ID() uuid.UUID { return c.id }

// Name 上下文名称
func (c *Context) Name() string { return c.name }

// Heap 代码对象登记表
func (c *Context) Heap() *Heap { return c.heap }

// NewThread 在上下文中创建宿主线程
func (c *Context) NewThread(name string) *Thread {
	t := newThread(c, name)
	c.mu.Lock()
	c.threads = append(c.threads, t)
	c.mu.Unlock()
	return t
}

// Threads 当前上下文的线程
func (c *Context) Threads() []*Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Thread(nil), c.threads...)
}

func (c *Context) String() string {
	return c.name + "/" + c.id.String()
}
