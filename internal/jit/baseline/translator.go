// Package baseline 实现基线层翻译器：逐条把字节码翻译为 x86-64 原生代码。
//
// 每条字节码要么生成一段内联序列（累加器装载、寄存器传送），
// 要么把操作数整理为参数列表并调用预编译的运行时桩。
// 跳转目标通过 LabelResolver 惰性绑定，每一步结束时向
// NativePcOffsetTable 追加一个增量。
package baseline

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/asm"
	"github.com/tangzhangming/novajit/internal/jit/code"
)

// ErrBadBranchTarget 跳转目标不在指令边界上
var ErrBadBranchTarget = errors.New("baseline: branch target is not an instruction boundary")

// Registrar 在翻译完成后登记明文指令（代码签名）
type Registrar interface {
	Register(text []byte) error
}

// Translator 基线翻译器
//
// 本身不持有单次编译的状态，可被多个工作线程并发使用。
type Translator struct {
	stubs  StubResolver
	logger *zap.Logger
}

// Option 翻译器选项
type Option func(*Translator)

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(t *Translator) {
		t.logger = l
	}
}

// NewTranslator 创建翻译器
func NewTranslator(stubs StubResolver, opts ...Option) *Translator {
	t := &Translator{
		stubs:  stubs,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("baseline")
	return t
}

// Compile 翻译方法
func (t *Translator) Compile(method *bytecode.Method) (*code.Descriptor, error) {
	return t.CompileWith(method, nil)
}

// CompileWith 翻译方法；signer 非空时登记生成的指令
func (t *Translator) CompileWith(method *bytecode.Method, signer Registrar) (*code.Descriptor, error) {
	c, err := t.translate(method)
	if err != nil {
		return nil, err
	}

	text := c.a.Finalize()
	if signer != nil {
		if err := signer.Register(text); err != nil {
			return nil, fmt.Errorf("baseline: register %s with code signer: %w", method.Name, err)
		}
	}

	desc, err := code.NewDescriptor(code.DescriptorSpec{
		Method:    method.Name,
		Tier:      code.TierBaseline,
		Arch:      code.ArchX8664,
		OSROffset: bytecode.NoOSR,
		Text:      text,
		Relocs:    c.a.Relocs(),
		SideTable: c.table.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("baseline: %s: %w", method.Name, err)
	}

	t.logger.Debug("compiled",
		zap.String("method", method.Name),
		zap.Int("bytecode", method.Size()),
		zap.Int("native", len(text)),
		zap.Int("steps", c.table.Len()),
		zap.Int("stub_calls", len(c.a.Relocs())),
	)
	return desc, nil
}

// compilation 单次编译的状态
type compilation struct {
	t        *Translator
	method   *bytecode.Method
	a        *asm.Assembler
	resolver *LabelResolver
	table    *NativePcOffsetTable
	skipped  int
}

// translate 主循环：绑定标签 → 分派 → 前进 → 记录原生 PC
func (t *Translator) translate(method *bytecode.Method) (*compilation, error) {
	if err := method.Validate(); err != nil {
		return nil, err
	}
	if err := checkBranchTargets(method.Code); err != nil {
		return nil, fmt.Errorf("%w: method %s: %v", ErrBadBranchTarget, method.Name, err)
	}

	a := asm.New()
	c := &compilation{
		t:        t,
		method:   method,
		a:        a,
		resolver: NewLabelResolver(a, method.Code),
		table:    NewNativePcOffsetTable(a.Len()),
	}

	trace := t.logger.Core().Enabled(zap.DebugLevel)
	buf := method.Code
	for pc := 0; pc < len(buf); {
		c.resolver.BindIfTarget(pc)

		op := bytecode.OpCode(buf[pc])
		start := a.Len()
		if h := handlers[op]; h != nil {
			h(c, pc, buf[pc:pc+op.Size()])
		} else {
			c.skipped++
		}
		pc += op.Size()
		c.table.AddPosition(a.Len())

		if trace {
			t.logger.Debug("translate",
				zap.String("method", method.Name),
				zap.Int("pc", pc-op.Size()),
				zap.Stringer("op", op),
				zap.Int("native", start),
				zap.Int("size", a.Len()-start),
			)
		}
	}

	if unbound := c.resolver.Unbound(); len(unbound) > 0 {
		panic(fmt.Sprintf("baseline: method %s: unbound labels at bytecode offsets %v", method.Name, unbound))
	}
	return c, nil
}

// checkBranchTargets 确认所有跳转目标都落在指令起始处
func checkBranchTargets(buf []byte) error {
	starts := make(map[int]struct{})
	for pc := 0; pc < len(buf); pc += bytecode.OpCode(buf[pc]).Size() {
		starts[pc] = struct{}{}
	}
	for target := range CollectBranchTargets(buf) {
		if _, ok := starts[target]; !ok {
			return fmt.Errorf("target %d", target)
		}
	}
	return nil
}

// ============================================================================
// 发射辅助
// ============================================================================

func (c *compilation) callStub(id StubID, params ...asm.Param) {
	c.a.CallBuiltin(id.String(), c.t.stubs.StubAddress(id), params...)
}

func (c *compilation) callStubToAcc(id StubID, params ...asm.Param) {
	c.callStub(id, params...)
	c.a.SaveResultIntoAcc()
}

func (c *compilation) loadAcc(v uint64) {
	c.a.MovRegImm(asm.AccReg, v)
}

func (c *compilation) loadAccFrom(disp int32) {
	c.a.MovRegMem(asm.AccReg, asm.FrameReg, disp)
}

func (c *compilation) moveVReg(dst, src int) {
	c.a.MovRegMem(asm.ScratchReg, asm.FrameReg, asm.VRegSlot(src))
	c.a.MovMemReg(asm.FrameReg, asm.VRegSlot(dst), asm.ScratchReg)
}

// jump 跳转：taken 路径先更新热度再跳向目标标签
//
// cond 为 nil 时是无条件跳转；否则 cond 负责比较并在“不跳转”时跳到 exit。
func (c *compilation) jump(pc int, ins []byte, cond func(exit *asm.Label)) {
	rel, _ := bytecode.JumpOffset(ins)
	target := c.resolver.ResolveOrCreate(pc + int(rel))

	var exit *asm.Label
	if cond != nil {
		exit = c.a.NewLabel()
		cond(exit)
	}
	c.callStub(StubUpdateHotness, asm.S(asm.SpecialGlue), asm.S(asm.SpecialSP), asm.I(rel))
	c.a.Jump(target)
	if exit != nil {
		c.a.Bind(exit)
	}
}

// exitIf acc 与 v 比较，满足 cc 时跳到 exit（不跳转路径）
func (c *compilation) exitIf(cc asm.Cond, v uint64) func(exit *asm.Label) {
	return func(exit *asm.Label) {
		c.a.CmpRegImm(asm.AccReg, v)
		c.a.J(cc, exit)
	}
}
