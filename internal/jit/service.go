// Package jit 调度基线与优化层编译：提交、编译线程池、安全点安装与取消
package jit

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/config"
	"github.com/tangzhangming/novajit/internal/jit/baseline"
	"github.com/tangzhangming/novajit/internal/jit/code"
	"github.com/tangzhangming/novajit/internal/jit/memory"
	"github.com/tangzhangming/novajit/internal/runtime"
)

var (
	ErrServiceClosed    = errors.New("jit: service closed")
	ErrJITDisabled      = errors.New("jit: disabled")
	ErrAlreadyCompiling = errors.New("jit: function already being compiled for this tier")
	ErrContextCancelled = errors.New("jit: compilation cancelled for context")
)

// Options 服务配置
type Options struct {
	Disabled  bool
	Workers   int
	QueueSize int
	// AsyncCopy 在工作线程物化机器码；否则在安装时于宿主线程物化
	AsyncCopy bool
	// CodeSign 每次编译使用独立的代码签名
	CodeSign bool
	// NewSigner 创建签名服务，默认 memory.NewDigestSigner
	NewSigner        func() memory.CodeSigner
	HotnessThreshold int
	// SyncHotness 热度触发的编译以同步模式提交并立即安装
	SyncHotness bool
	Arch        code.Arch
	// LockHoldWarn NewContext 创建的线程 JIT 锁持有告警阈值，0 不告警
	LockHoldWarn time.Duration

	Manager    *memory.Manager
	Stubs      baseline.StubResolver
	Optimizing OptimizingPipeline
	Logger     *zap.Logger
}

// Stats 服务统计
type Stats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
	Cancelled int64
	Installed int64
}

type serviceStats struct {
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	installed atomic.Int64
}

// Service JIT 控制器
//
// 依赖通过 Options 注入；SubmitCompile 可被任意宿主线程调用，
// InstallPendingTasks 只在目标线程的安全点调用。
type Service struct {
	opts    Options
	manager *memory.Manager
	pool    *TaskPool
	logger  *zap.Logger
	stats   serviceStats

	ownsManager bool

	mu      sync.Mutex
	threads map[*runtime.Thread]*ThreadTaskInfo
	closed  bool
}

// DefaultArch 当前进程的目标架构
func DefaultArch() code.Arch {
	if goruntime.GOARCH == "arm64" {
		return code.ArchARM64
	}
	return code.ArchX8664
}

// New 创建服务；Manager 必须提供
func New(opts Options) (*Service, error) {
	if opts.Manager == nil {
		return nil, errors.New("jit: executable memory manager required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewSigner == nil {
		opts.NewSigner = func() memory.CodeSigner { return memory.NewDigestSigner() }
	}
	if opts.Stubs == nil {
		opts.Stubs = runtime.DefaultStubTable()
	}
	if table, ok := opts.Stubs.(*runtime.StubTable); ok {
		if missing := table.Missing(); len(missing) > 0 {
			return nil, fmt.Errorf("jit: stubs not registered: %v", missing)
		}
	}

	s := &Service{
		opts:    opts,
		manager: opts.Manager,
		logger:  opts.Logger.Named("jit"),
		threads: make(map[*runtime.Thread]*ThreadTaskInfo),
	}
	s.pool = NewTaskPool(PoolOptions{
		Workers:   opts.Workers,
		QueueSize: opts.QueueSize,
		NewContext: func() *CompilerContext {
			return NewCompilerContext(
				NewBaselineCompiler(opts.Stubs, opts.Logger),
				NewOptimizingCompiler(opts.Optimizing),
			)
		},
		Run:    s.run,
		Logger: opts.Logger,
	})
	return s, nil
}

// NewFromConfig 按配置创建服务及其可执行内存管理器；关闭服务时一并关闭管理器
//
// logger 为 nil 时按配置的 [log] 段构造。
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		l, err := cfg.Log.Build()
		if err != nil {
			return nil, err
		}
		logger = l
	}
	mgr, err := memory.NewManager(memory.Options{
		ChunkSize:      cfg.Memory.ChunkSize.Bytes(),
		CodeSpaceLimit: cfg.Memory.CodeSpaceLimit.Bytes(),
		Fort:           cfg.Memory.Fort,
		FortSize:       cfg.Memory.FortSize.Bytes(),
		DiagnosticsDir: cfg.Memory.DiagnosticsDir,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	s, err := New(Options{
		Disabled:         !cfg.JIT.Enabled,
		Workers:          cfg.JIT.Workers,
		QueueSize:        cfg.JIT.QueueSize,
		AsyncCopy:        cfg.Memory.AsyncCopy,
		CodeSign:         cfg.Memory.CodeSign,
		HotnessThreshold: cfg.JIT.HotnessThreshold,
		SyncHotness:      !cfg.JIT.Async,
		Arch:             DefaultArch(),
		LockHoldWarn:     cfg.Log.LockHoldWarn.Std(),
		Manager:          mgr,
		Logger:           logger,
	})
	if err != nil {
		return nil, multierr.Append(err, mgr.Close())
	}
	s.ownsManager = true
	return s, nil
}

// NewContext 创建由本服务编译的宿主上下文：代码对象回收到服务的内存管理器，
// 线程的 JIT 锁按 LockHoldWarn 告警
func (s *Service) NewContext(name string) *runtime.Context {
	return runtime.NewContext(name, s.manager,
		runtime.WithContextLogger(s.logger.With(zap.String("context", name))),
		runtime.WithLockHoldWarning(s.opts.LockHoldWarn),
	)
}

// Manager 可执行内存管理器
func (s *Service) Manager() *memory.Manager { return s.manager }

// Pool 编译线程池
func (s *Service) Pool() *TaskPool { return s.pool }

// ThreadInfo 线程的任务记录；首次访问时创建并把服务登记为线程的安装回调
func (s *Service) ThreadInfo(t *runtime.Thread) *ThreadTaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.threads[t]
	if !ok {
		info = newThreadTaskInfo(t)
		s.threads[t] = info
		t.SetInstaller(s)
	}
	return info
}

// SubmitCompile 提交编译
//
// 同步模式在工作线程编译完成后于调用方线程安装，返回安装结果；
// 异步模式立即返回，结果在 thread 的下一个安全点安装。
// 编译失败不会改变函数入口。
//
// 返回的任务带有调用方的引用，调用方用完后需要 Release。
func (s *Service) SubmitCompile(fn *runtime.Function, thread *runtime.Thread, tier code.Tier, osrOffset int, mode Mode) (*CompileTask, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return nil, ErrServiceClosed
	case s.opts.Disabled:
		return nil, ErrJITDisabled
	}

	if err := s.supports(tier, osrOffset); err != nil {
		return nil, err
	}
	if !fn.TryMarkCompiling(tier, osrOffset) {
		return nil, ErrAlreadyCompiling
	}

	info := s.ThreadInfo(thread)
	task := newCompileTask(s, fn, thread, tier, osrOffset, mode)
	if !info.add(task) {
		fn.ClearCompiling(tier, osrOffset)
		return nil, ErrContextCancelled
	}
	// 异步任务的初始引用归安装队列，另取一个给调用方
	if mode == ModeAsync {
		task.Retain()
	}

	var err error
	if mode == ModeSync {
		err = s.pool.Submit(context.Background(), task)
	} else {
		err = s.pool.TrySubmit(task)
	}
	if err != nil {
		task.finish(StatusCancelled, err)
		info.abandon(task)
		if mode == ModeAsync {
			task.Release()
		}
		task.Release()
		return nil, err
	}
	s.stats.submitted.Inc()
	s.logger.Debug("submitted", zap.Stringer("task", task), zap.Stringer("id", task.ID()))

	if mode == ModeAsync {
		return task, nil
	}
	task.Wait()
	return task, task.Install()
}

func (s *Service) supports(tier code.Tier, osrOffset int) error {
	switch tier {
	case code.TierBaseline:
		if osrOffset != bytecode.NoOSR {
			return fmt.Errorf("%w: baseline", ErrOSRUnsupported)
		}
		if s.opts.Arch != code.ArchX8664 {
			return fmt.Errorf("%w: baseline on %s", ErrArchUnsupported, s.opts.Arch)
		}
	case code.TierOptimizing:
		if s.opts.Optimizing == nil {
			return fmt.Errorf("%w: %s", ErrTierUnavailable, tier)
		}
	default:
		return fmt.Errorf("%w: %s", ErrTierUnavailable, tier)
	}
	return nil
}

// run 工作线程执行任务：在目标线程的 JIT 锁内读取方法、编译，并在 AsyncCopy 时物化
func (s *Service) run(cc *CompilerContext, worker runtime.Owner, task *CompileTask) {
	task.Retain()
	info := s.ThreadInfo(task.thread)
	// 先放下工作线程的引用再移出 live，排空等待返回时工作线程已不再使用任务
	defer func() {
		task.Release()
		info.done(task)
	}()

	if !task.start() {
		s.stats.cancelled.Inc()
		return
	}

	var signer memory.CodeSigner
	if s.opts.CodeSign {
		signer = s.opts.NewSigner()
	}

	lock := task.thread.JITLock()
	lock.Lock(worker)
	desc, obj, err := s.compile(cc, task, signer)
	lock.Unlock(worker)

	switch {
	case err != nil:
		s.stats.failed.Inc()
		s.logger.Debug("compile failed", zap.Stringer("task", task), zap.Error(err))
		task.finish(StatusFailed, err)
	case task.Cancelled():
		task.setResult(desc, obj, signer)
		s.stats.cancelled.Inc()
		task.finish(StatusCancelled, ErrTaskCancelled)
	default:
		task.setResult(desc, obj, signer)
		s.stats.succeeded.Inc()
		task.finish(StatusSucceeded, nil)
	}
}

func (s *Service) compile(cc *CompilerContext, task *CompileTask, signer memory.CodeSigner) (*code.Descriptor, *code.Object, error) {
	var reg baseline.Registrar
	if signer != nil {
		reg = signer
	}
	desc, err := cc.Compile(task.tier, task.fn.Method(), task.osrOffset, reg)
	if err != nil {
		return nil, nil, err
	}
	if !s.opts.AsyncCopy {
		return desc, nil, nil
	}
	obj, err := s.manager.CollectCode(desc, signer)
	if err != nil {
		return nil, nil, err
	}
	return desc, obj, nil
}

// InstallPendingTasks 在 thread 的安全点安装所有已完成的异步任务，返回成功安装的数量
func (s *Service) InstallPendingTasks(thread *runtime.Thread) int {
	info := s.ThreadInfo(thread)
	installed := 0
	for _, task := range info.takeAll() {
		if err := task.Install(); err != nil {
			s.logger.Debug("install skipped", zap.Stringer("task", task), zap.Error(err))
		} else {
			installed++
		}
		task.Release()
	}
	return installed
}

// CancelAllForContext 停止为 ctx 的线程安装结果：清空安装队列并等待未结束的任务结束
//
// 调用方不能持有这些线程的 JIT 锁。返回被丢弃的已完成任务数。
func (s *Service) CancelAllForContext(ctx *runtime.Context) int {
	s.mu.Lock()
	var infos []*ThreadTaskInfo
	for t, info := range s.threads {
		if t.Context() == ctx {
			infos = append(infos, info)
		}
	}
	s.mu.Unlock()

	dropped := 0
	for _, info := range infos {
		dropped += info.cancel()
	}
	s.logger.Debug("context cancelled",
		zap.Stringer("context", ctx),
		zap.Int("threads", len(infos)),
		zap.Int("dropped", dropped),
	)
	return dropped
}

// ResumeContext 重新接收 ctx 线程的编译
func (s *Service) ResumeContext(ctx *runtime.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, info := range s.threads {
		if t.Context() == ctx {
			info.resume()
		}
	}
}

// RecordHotness 累加函数热度；达到阈值且尚未编译时提交基线编译
//
// 返回的任务与 SubmitCompile 相同，由调用方 Release。
func (s *Service) RecordHotness(fn *runtime.Function, thread *runtime.Thread, delta int32) (*CompileTask, error) {
	if s.opts.HotnessThreshold <= 0 || fn.Compiled() {
		return nil, nil
	}
	if fn.AddHotness(delta) < int32(s.opts.HotnessThreshold) {
		return nil, nil
	}
	mode := ModeAsync
	if s.opts.SyncHotness {
		mode = ModeSync
	}
	task, err := s.SubmitCompile(fn, thread, code.TierBaseline, bytecode.NoOSR, mode)
	if err == nil || errors.Is(err, ErrAlreadyCompiling) {
		fn.ResetHotness()
	}
	return task, err
}

// Stats 返回统计
func (s *Service) Stats() Stats {
	return Stats{
		Submitted: s.stats.submitted.Load(),
		Succeeded: s.stats.succeeded.Load(),
		Failed:    s.stats.failed.Load(),
		Cancelled: s.stats.cancelled.Load(),
		Installed: s.stats.installed.Load(),
	}
}

// Close 关闭线程池并丢弃未安装的结果
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	infos := make([]*ThreadTaskInfo, 0, len(s.threads))
	for _, info := range s.threads {
		infos = append(infos, info)
	}
	s.mu.Unlock()

	err := s.pool.Shutdown()
	for _, info := range infos {
		info.cancel()
	}
	if s.ownsManager {
		err = multierr.Append(err, s.manager.Close())
	}
	s.logger.Debug("closed", zap.Int64("submitted", s.stats.submitted.Load()), zap.Int64("installed", s.stats.installed.Load()))
	return err
}
