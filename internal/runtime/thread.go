package runtime

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Installer 在安全点安装已完成的编译结果
type Installer interface {
	InstallPendingTasks(t *Thread) int
}

// Thread 宿主线程
//
// 每个线程有自己的 JIT 锁；编译工作线程在读取方法和写入代码区时持有目标线程的锁，
// 宿主线程在回收代码对象时持有同一把锁。
type Thread struct {
	ctx     *Context
	name    string
	owner   Owner
	jitLock *RecursiveMutex
	logger  *zap.Logger

	installRequested atomic.Bool

	mu        sync.Mutex
	installer Installer
}

func newThread(ctx *Context, name string) *Thread {
	logger := ctx.logger.With(zap.String("thread", name))
	return &Thread{
		ctx:     ctx,
		name:    name,
		owner:   NewOwner(),
		jitLock: NewRecursiveMutex(name+".jit", ctx.lockWarn, logger),
		logger:  logger,
	}
}

// Context 所属上下文
func (t *Thread) Context() *Context { return t.ctx }

// Name 线程名
func (t *Thread) Name() string { return t.name }

// Owner 宿主线程自身的锁持有者标识
func (t *Thread) Owner() Owner { return t.owner }

// JITLock 线程的 JIT 锁
func (t *Thread) JITLock() *RecursiveMutex { return t.jitLock }

// SetInstaller 设置安全点安装回调
func (t *Thread) SetInstaller(in Installer) {
	t.mu.Lock()
	t.installer = in
	t.mu.Unlock()
}

// RequestInstall 请求在下一个安全点安装
func (t *Thread) RequestInstall() {
	t.installRequested.Store(true)
}

// InstallRequested 是否有待处理的安装请求
func (t *Thread) InstallRequested() bool {
	return t.installRequested.Load()
}

// Safepoint 宿主线程的安全点；有安装请求时调用 Installer，返回安装数量
func (t *Thread) Safepoint() int {
	if !t.installRequested.CAS(true, false) {
		return 0
	}
	t.mu.Lock()
	in := t.installer
	t.mu.Unlock()
	if in == nil {
		return 0
	}
	n := in.InstallPendingTasks(t)
	if n > 0 {
		t.logger.Debug("safepoint install", zap.Int("installed", n))
	}
	return n
}

func (t *Thread) String() string {
	return t.name
}
