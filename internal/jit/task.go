package jit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/code"
	"github.com/tangzhangming/novajit/internal/jit/memory"
	"github.com/tangzhangming/novajit/internal/runtime"
)

var (
	ErrAlreadyInstalled = errors.New("jit: task already installed")
	ErrTaskFailed       = errors.New("jit: compile task failed")
	ErrTaskCancelled    = errors.New("jit: compile task cancelled")
	ErrTaskNotFinished  = errors.New("jit: compile task not finished")
)

// Mode 编译模式
type Mode int

const (
	ModeSync  Mode = iota // 提交方等待并在当前线程安装
	ModeAsync             // 完成后在目标线程的下一个安全点安装
)

func (m Mode) String() string {
	if m == ModeSync {
		return "sync"
	}
	return "async"
}

// State 任务状态，只能前进
type State int

const (
	StateInit State = iota
	StateRunning
	StateFinish
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateFinish:
		return "FINISH"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status 任务结果
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// CompileTask 一次编译请求
//
// 状态 INIT → RUNNING → FINISH 单调前进；Wait 阻塞到 FINISH。
// 提交方、执行中的工作线程、异步安装队列各持有一个引用，各自释放。
// 引用计数归零时丢弃描述符，未安装的机器码对象归还给内存管理器。
type CompileTask struct {
	id        uuid.UUID
	fn        *runtime.Function
	thread    *runtime.Thread
	tier      code.Tier
	osrOffset int
	mode      Mode
	svc       *Service

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	status    Status
	err       error
	desc      *code.Descriptor
	obj       *code.Object
	signer    memory.CodeSigner
	installed bool
	submitted time.Time
	elapsed   time.Duration

	cancelRequested atomic.Bool
	markCleared     atomic.Bool
	refs            atomic.Int32
}

func newCompileTask(svc *Service, fn *runtime.Function, thread *runtime.Thread, tier code.Tier, osrOffset int, mode Mode) *CompileTask {
	t := &CompileTask{
		id:        uuid.New(),
		fn:        fn,
		thread:    thread,
		tier:      tier,
		osrOffset: osrOffset,
		mode:      mode,
		svc:       svc,
		submitted: time.Now(),
	}
	t.cond = sync.NewCond(&t.mu)
	t.refs.Store(1)
	return t
}

func (t *CompileTask) ID() uuid.UUID               { return t.id }
func (t *CompileTask) Function() *runtime.Function { return t.fn }
func (t *CompileTask) Thread() *runtime.Thread     { return t.thread }
func (t *CompileTask) Tier() code.Tier             { return t.tier }
func (t *CompileTask) OSROffset() int              { return t.osrOffset }
func (t *CompileTask) Mode() Mode                  { return t.mode }

// IsOSR 是否是 OSR 编译
func (t *CompileTask) IsOSR() bool {
	return t.osrOffset != bytecode.NoOSR
}

// State 当前状态
func (t *CompileTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status 当前结果
func (t *CompileTask) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err 失败原因
func (t *CompileTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Code 物化后的机器码对象；尚未物化时为 nil
func (t *CompileTask) Code() *code.Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.obj
}

// Installed 是否已安装
func (t *CompileTask) Installed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.installed
}

// Elapsed 编译耗时
func (t *CompileTask) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// Wait 阻塞直到任务结束
func (t *CompileTask) Wait() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.state != StateFinish {
		t.cond.Wait()
	}
	return t.status
}

// Retain 增加引用
func (t *CompileTask) Retain() *CompileTask {
	if t.refs.Inc() <= 1 {
		panic(fmt.Sprintf("compile task %s: retain after final release", t.id))
	}
	return t
}

// Release 减少引用；最后一次释放丢弃中间结果
func (t *CompileTask) Release() {
	n := t.refs.Dec()
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("compile task %s: negative reference count", t.id))
	}

	t.mu.Lock()
	obj, installed := t.obj, t.installed && t.status == StatusSucceeded
	t.desc, t.obj, t.signer = nil, nil, nil
	t.mu.Unlock()

	if obj != nil && !installed {
		if err := t.svc.manager.Release(obj); err != nil {
			t.svc.logger.Warn("release uninstalled code", zap.Stringer("task", t), zap.Error(err))
		}
	}
	t.clearMark()
}

// discard 任务不再安装：清除编译标记并释放安装队列的引用
func (t *CompileTask) discard() {
	t.clearMark()
	t.Release()
}

// clearMark 清除函数上的编译标记，每个任务只清除一次
func (t *CompileTask) clearMark() {
	if t.markCleared.CAS(false, true) {
		t.fn.ClearCompiling(t.tier, t.osrOffset)
	}
}

// Cancel 请求取消；尚未开始的任务不再编译，已结束的任务不再安装
func (t *CompileTask) Cancel() {
	t.cancelRequested.Store(true)
}

// Cancelled 是否已请求取消
func (t *CompileTask) Cancelled() bool {
	return t.cancelRequested.Load()
}

// start INIT → RUNNING；已取消时直接结束并返回 false
func (t *CompileTask) start() bool {
	if t.cancelRequested.Load() {
		t.finish(StatusCancelled, ErrTaskCancelled)
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateInit {
		panic(fmt.Sprintf("compile task %s: start in state %s", t.id, t.state))
	}
	t.state = StateRunning
	return true
}

// finish → FINISH，唤醒等待者
func (t *CompileTask) finish(status Status, err error) {
	t.mu.Lock()
	if t.state == StateFinish {
		t.mu.Unlock()
		panic(fmt.Sprintf("compile task %s: finished twice", t.id))
	}
	t.state = StateFinish
	t.status = status
	t.err = err
	t.elapsed = time.Since(t.submitted)
	t.cond.Broadcast()
	t.mu.Unlock()
}

// setResult 记录编译产物
func (t *CompileTask) setResult(desc *code.Descriptor, obj *code.Object, signer memory.CodeSigner) {
	t.mu.Lock()
	t.desc, t.obj, t.signer = desc, obj, signer
	t.mu.Unlock()
}

// Install 把结果安装到函数上；只能成功调用一次
//
// 未在工作线程物化的结果在这里、在目标线程的 JIT 锁内物化。
// 失败时函数保持原入口。
func (t *CompileTask) Install() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateFinish {
		return ErrTaskNotFinished
	}
	if t.installed {
		return ErrAlreadyInstalled
	}
	t.installed = true
	defer t.clearMark()

	switch t.status {
	case StatusFailed:
		return fmt.Errorf("%w: %v", ErrTaskFailed, t.err)
	case StatusCancelled:
		return ErrTaskCancelled
	}
	if t.cancelRequested.Load() {
		t.status, t.err = StatusCancelled, ErrTaskCancelled
		return ErrTaskCancelled
	}

	if t.obj == nil {
		lock := t.thread.JITLock()
		lock.Lock(t.thread.Owner())
		obj, err := t.svc.manager.CollectCode(t.desc, t.signer)
		lock.Unlock(t.thread.Owner())
		if err != nil {
			t.status, t.err = StatusFailed, err
			return fmt.Errorf("%w: %v", ErrTaskFailed, err)
		}
		t.obj = obj
	}

	if err := t.fn.InstallCode(t.obj); err != nil {
		t.status, t.err = StatusFailed, err
		return fmt.Errorf("%w: %v", ErrTaskFailed, err)
	}
	t.svc.stats.installed.Inc()
	t.svc.logger.Debug("installed",
		zap.Stringer("task", t),
		zap.Uintptr("entry", t.obj.Entry()),
		zap.Duration("elapsed", t.elapsed),
	)
	return nil
}

func (t *CompileTask) String() string {
	if t.IsOSR() {
		return fmt.Sprintf("%s[%s osr@%d %s]", t.fn.Name(), t.tier, t.osrOffset, t.mode)
	}
	return fmt.Sprintf("%s[%s %s]", t.fn.Name(), t.tier, t.mode)
}
