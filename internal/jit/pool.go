package jit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/novajit/internal/runtime"
)

var (
	ErrPoolClosed = errors.New("jit: task pool closed")
	ErrQueueFull  = errors.New("jit: task queue full")
)

// ============================================================================
// 编译线程池
// ============================================================================

// RunFunc 在工作线程上执行一个任务；worker 为该工作线程的锁持有者标识
type RunFunc func(cc *CompilerContext, worker runtime.Owner, task *CompileTask)

// PoolOptions 线程池配置
type PoolOptions struct {
	Workers   int
	QueueSize int
	// NewContext 第一个任务到来时创建共享编译器上下文
	NewContext func() *CompilerContext
	Run        RunFunc
	Logger     *zap.Logger
}

// TaskPool 固定数量的编译工作线程和有界任务队列
//
// 单个任务的失败只体现在任务状态上，不影响工作线程。
type TaskPool struct {
	opts   PoolOptions
	logger *zap.Logger

	queue chan *CompileTask
	group *errgroup.Group

	mu     sync.RWMutex
	closed bool

	ccMu sync.Mutex
	cc   *CompilerContext

	stopping atomic.Bool
	busy     atomic.Int32
	executed atomic.Int64
}

// NewTaskPool 创建线程池并启动工作线程
func NewTaskPool(opts PoolOptions) *TaskPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &TaskPool{
		opts:   opts,
		logger: opts.Logger.Named("jit.pool"),
		queue:  make(chan *CompileTask, opts.QueueSize),
		group:  new(errgroup.Group),
	}
	for i := 0; i < opts.Workers; i++ {
		id := i
		p.group.Go(func() error {
			p.worker(id)
			return nil
		})
	}
	p.logger.Debug("started", zap.Int("workers", opts.Workers), zap.Int("queue", opts.QueueSize))
	return p
}

// Workers 工作线程数量
func (p *TaskPool) Workers() int { return p.opts.Workers }

// Queued 排队中的任务数
func (p *TaskPool) Queued() int { return len(p.queue) }

// Busy 正在执行的任务数
func (p *TaskPool) Busy() int { return int(p.busy.Load()) }

// Executed 累计执行的任务数
func (p *TaskPool) Executed() int64 { return p.executed.Load() }

// Submit 提交任务，队列满时等待
func (p *TaskPool) Submit(ctx context.Context, task *CompileTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 提交任务，队列满时立即返回 ErrQueueFull
func (p *TaskPool) TrySubmit(task *CompileTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// compilerContext 惰性创建共享编译器上下文
func (p *TaskPool) compilerContext() *CompilerContext {
	p.ccMu.Lock()
	defer p.ccMu.Unlock()
	if p.cc == nil {
		p.cc = p.opts.NewContext()
		p.logger.Debug("compiler context created", zap.Stringer("id", p.cc.ID()))
	}
	return p.cc
}

// CompilerContext 当前共享编译器上下文；尚未创建时为 nil
func (p *TaskPool) CompilerContext() *CompilerContext {
	p.ccMu.Lock()
	defer p.ccMu.Unlock()
	return p.cc
}

func (p *TaskPool) worker(id int) {
	owner := runtime.NewOwner()
	logger := p.logger.With(zap.Int("worker", id))
	for task := range p.queue {
		if p.stopping.Load() {
			task.Cancel()
		}
		p.busy.Inc()
		p.opts.Run(p.compilerContext(), owner, task)
		p.busy.Dec()
		p.executed.Inc()
	}
	logger.Debug("worker exited")
}

// Shutdown 停止接收任务；排队中的任务以取消结束，等待工作线程退出后销毁编译器上下文
func (p *TaskPool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopping.Store(true)
	close(p.queue)
	p.mu.Unlock()

	err := p.group.Wait()

	p.ccMu.Lock()
	if p.cc != nil {
		p.cc.Close()
		p.logger.Debug("compiler context destroyed", zap.Stringer("id", p.cc.ID()))
		p.cc = nil
	}
	p.ccMu.Unlock()
	return err
}
