package jit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/baseline"
	"github.com/tangzhangming/novajit/internal/jit/code"
)

var (
	ErrTierUnavailable = errors.New("jit: compiler tier unavailable")
	ErrOSRUnsupported  = errors.New("jit: OSR compilation not supported by tier")
	ErrArchUnsupported = errors.New("jit: target architecture not supported by tier")
)

// Compiler 单个层级的编译器
type Compiler interface {
	Tier() code.Tier
	// Supports 报告能否为 arch 生成代码、是否接受 OSR 编译
	Supports(arch code.Arch, osr bool) error
	// Compile 翻译方法；signer 非空时登记生成的 text
	Compile(method *bytecode.Method, osrOffset int, signer baseline.Registrar) (*code.Descriptor, error)
}

// OptimizingPipeline 优化层编译流水线，由宿主提供
type OptimizingPipeline interface {
	Compile(method *bytecode.Method, osrOffset int) (*code.Descriptor, error)
}

// baselineCompiler 基线层：只生成 x86-64，不做 OSR
type baselineCompiler struct {
	translator *baseline.Translator
}

// NewBaselineCompiler 包装基线翻译器
func NewBaselineCompiler(stubs baseline.StubResolver, logger *zap.Logger) Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &baselineCompiler{translator: baseline.NewTranslator(stubs, baseline.WithLogger(logger))}
}

func (c *baselineCompiler) Tier() code.Tier { return code.TierBaseline }

func (c *baselineCompiler) Supports(arch code.Arch, osr bool) error {
	if arch != code.ArchX8664 {
		return fmt.Errorf("%w: baseline on %s", ErrArchUnsupported, arch)
	}
	if osr {
		return fmt.Errorf("%w: baseline", ErrOSRUnsupported)
	}
	return nil
}

func (c *baselineCompiler) Compile(method *bytecode.Method, osrOffset int, signer baseline.Registrar) (*code.Descriptor, error) {
	if osrOffset != bytecode.NoOSR {
		return nil, fmt.Errorf("%w: baseline", ErrOSRUnsupported)
	}
	return c.translator.CompileWith(method, signer)
}

// optimizingCompiler 把宿主流水线适配为 Compiler
type optimizingCompiler struct {
	pipeline OptimizingPipeline
}

// NewOptimizingCompiler 包装优化流水线；pipeline 为 nil 时编译返回 ErrTierUnavailable
func NewOptimizingCompiler(pipeline OptimizingPipeline) Compiler {
	return &optimizingCompiler{pipeline: pipeline}
}

func (c *optimizingCompiler) Tier() code.Tier { return code.TierOptimizing }

func (c *optimizingCompiler) Supports(arch code.Arch, osr bool) error {
	if c.pipeline == nil {
		return ErrTierUnavailable
	}
	return nil
}

func (c *optimizingCompiler) Compile(method *bytecode.Method, osrOffset int, signer baseline.Registrar) (*code.Descriptor, error) {
	if c.pipeline == nil {
		return nil, ErrTierUnavailable
	}
	desc, err := c.pipeline.Compile(method, osrOffset)
	if err != nil {
		return nil, err
	}
	if desc.Tier() != code.TierOptimizing {
		return nil, fmt.Errorf("jit: optimizing pipeline produced %s code", desc.Tier())
	}
	if signer != nil {
		if err := signer.Register(desc.Text()); err != nil {
			return nil, err
		}
	}
	return desc, nil
}

// CompilerContext 编译工作线程共享的编译器状态
//
// 由线程池在第一个任务到来时创建，线程池关闭时销毁。
type CompilerContext struct {
	id        uuid.UUID
	created   time.Time
	compilers map[code.Tier]Compiler

	mu       sync.Mutex
	compiled map[code.Tier]int
	closed   bool
}

// NewCompilerContext 创建编译器上下文
func NewCompilerContext(compilers ...Compiler) *CompilerContext {
	cc := &CompilerContext{
		id:        uuid.New(),
		created:   time.Now(),
		compilers: make(map[code.Tier]Compiler, len(compilers)),
		compiled:  make(map[code.Tier]int),
	}
	for _, c := range compilers {
		cc.compilers[c.Tier()] = c
	}
	return cc
}

// ID 上下文标识
func (cc *CompilerContext) ID() uuid.UUID { return cc.id }

// Compiler 返回层级对应的编译器
func (cc *CompilerContext) Compiler(tier code.Tier) (Compiler, error) {
	c, ok := cc.compilers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTierUnavailable, tier)
	}
	return c, nil
}

// Compile 用对应层级编译
func (cc *CompilerContext) Compile(tier code.Tier, method *bytecode.Method, osrOffset int, signer baseline.Registrar) (*code.Descriptor, error) {
	c, err := cc.Compiler(tier)
	if err != nil {
		return nil, err
	}
	desc, err := c.Compile(method, osrOffset, signer)
	if err == nil {
		cc.mu.Lock()
		cc.compiled[tier]++
		cc.mu.Unlock()
	}
	return desc, err
}

// Compiled 各层级编译次数
func (cc *CompilerContext) Compiled(tier code.Tier) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.compiled[tier]
}

// Close 销毁上下文
func (cc *CompilerContext) Close() {
	cc.mu.Lock()
	cc.closed = true
	cc.mu.Unlock()
}

// Closed 是否已销毁
func (cc *CompilerContext) Closed() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.closed
}
