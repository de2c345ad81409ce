// Package asm 实现基线 JIT 使用的 x86-64 汇编器。
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// REX 前缀：用于扩展寄存器和操作数大小
// - REX.W: 64 位操作数
// - REX.R: 扩展 ModR/M.reg 字段
// - REX.X: 扩展 SIB.index 字段
// - REX.B: 扩展 ModR/M.r/m 或 SIB.base 字段
//
// 汇编器只覆盖基线翻译器需要的指令子集，decode.go 中的解码器与之一一对应。
package asm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ============================================================================
// x86-64 寄存器定义
// ============================================================================

// Reg x86-64 通用寄存器
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	RegNone Reg = -1
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String 返回寄存器名称
func (r Reg) String() string {
	if r >= 0 && int(r) < len(regNames) {
		return regNames[r]
	}
	return "???"
}

// IsExtended 检查是否是扩展寄存器（需要 REX 前缀）
func (r Reg) IsExtended() bool {
	return r >= R8 && r <= R15
}

// LowBits 获取寄存器编码的低 3 位
func (r Reg) LowBits() byte {
	return byte(r) & 0x7
}

// ============================================================================
// 基线帧约定
// ============================================================================
//
// 基线代码没有自己的序言，入口即 text 起始处，由解释器入口桩建立如下状态：
//   - R12: 累加器 acc
//   - R13: glue（线程运行时上下文）
//   - RBP: 解释器帧基址，虚拟寄存器 vN 位于 [rbp + 8*N]
//   - 当前函数 / new.target / this 位于帧基址之下的固定槽位
//   - RSP 在每条字节码边界处 16 字节对齐
//
// R11 为临时寄存器，任何序列都可以覆盖它。

const (
	AccReg     = R12
	GlueReg    = R13
	FrameReg   = RBP
	ScratchReg = R11

	FuncSlot      int32 = -8
	NewTargetSlot int32 = -16
	ThisSlot      int32 = -24
)

// VRegSlot 返回虚拟寄存器相对帧基址的偏移
func VRegSlot(n int) int32 {
	return int32(n) * 8
}

// ============================================================================
// 汇编器
// ============================================================================

// Assembler x86-64 汇编器
type Assembler struct {
	code      []byte
	labels    []*Label // 所有被引用过的标签
	relocs    RelocMap
	finalized bool
}

// New 创建汇编器
func New() *Assembler {
	return &Assembler{
		code: make([]byte, 0, 1024),
	}
}

// Len 返回当前代码长度
func (a *Assembler) Len() int {
	return len(a.code)
}

// Relocs 返回已记录的重定位
func (a *Assembler) Relocs() RelocMap {
	return a.relocs
}

// Finalize 结束汇编并返回机器码副本
// 存在被引用但未绑定的标签时 panic：这是翻译器缺陷，不是运行时错误
func (a *Assembler) Finalize() []byte {
	for _, l := range a.labels {
		if !l.bound && len(l.refs) > 0 {
			panic(fmt.Sprintf("asm: unbound label (%d pending references, first at %#x)", len(l.refs), l.refs[0]))
		}
	}
	a.finalized = true
	out := make([]byte, len(a.code))
	copy(out, a.code)
	return out
}

// ============================================================================
// 底层编码方法
// ============================================================================

func (a *Assembler) emit(bytes ...byte) {
	if a.finalized {
		panic("asm: emit after finalize")
	}
	a.code = append(a.code, bytes...)
}

func (a *Assembler) emitU32(v uint32) {
	a.emit(binary.LittleEndian.AppendUint32(nil, v)...)
}

func (a *Assembler) emitU64(v uint64) {
	a.emit(binary.LittleEndian.AppendUint64(nil, v)...)
}

// rex 构造 REX 前缀
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm 构造 ModR/M 字节
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

func fitsInt8(v int64) bool {
	return v >= math.MinInt8 && v <= math.MaxInt8
}

func fitsInt32(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

// emitMemOperand 生成 [base+disp] 内存操作数编码
func (a *Assembler) emitMemOperand(reg byte, base Reg, disp int32) {
	// RSP/R12 作为基址需要 SIB 字节
	needSIB := base.LowBits() == 4
	rm := base.LowBits()
	if needSIB {
		rm = 4
	}

	switch {
	case disp == 0 && base.LowBits() != 5:
		a.emit(modrm(0, reg, rm))
		if needSIB {
			a.emit(0x24)
		}
	case fitsInt8(int64(disp)):
		a.emit(modrm(1, reg, rm))
		if needSIB {
			a.emit(0x24)
		}
		a.emit(byte(disp))
	default:
		a.emit(modrm(2, reg, rm))
		if needSIB {
			a.emit(0x24)
		}
		a.emitU32(uint32(disp))
	}
}

// ============================================================================
// 数据移动指令
// ============================================================================

// MovRegReg 寄存器到寄存器: mov dst, src
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x89)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// MovRegImm64 加载 64 位立即数: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xB8 + reg.LowBits())
	a.emitU64(imm)
}

// MovRegImm32 加载 32 位立即数（符号扩展）: mov reg, imm32
func (a *Assembler) MovRegImm32(reg Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xC7)
	a.emit(modrm(3, 0, reg.LowBits()))
	a.emitU32(uint32(imm))
}

// MovRegImm 加载立即数，能符号扩展时使用短编码
func (a *Assembler) MovRegImm(reg Reg, imm uint64) {
	if fitsInt32(int64(imm)) {
		a.MovRegImm32(reg, int32(int64(imm)))
		return
	}
	a.MovRegImm64(reg, imm)
}

// MovRegMem 从内存加载: mov reg, [base+disp]
func (a *Assembler) MovRegMem(dst, base Reg, disp int32) {
	a.emit(rex(true, dst.IsExtended(), false, base.IsExtended()))
	a.emit(0x8B)
	a.emitMemOperand(dst.LowBits(), base, disp)
}

// MovMemReg 存储到内存: mov [base+disp], reg
func (a *Assembler) MovMemReg(base Reg, disp int32, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, base.IsExtended()))
	a.emit(0x89)
	a.emitMemOperand(src.LowBits(), base, disp)
}

// ============================================================================
// 算术与比较
// ============================================================================

// AddRegImm32 立即数加法: add reg, imm32
func (a *Assembler) AddRegImm32(reg Reg, imm int32) {
	a.aluImm(0, reg, imm)
}

// SubRegImm32 立即数减法: sub reg, imm32
func (a *Assembler) SubRegImm32(reg Reg, imm int32) {
	a.aluImm(5, reg, imm)
}

// CmpRegReg 比较: cmp left, right
func (a *Assembler) CmpRegReg(left, right Reg) {
	a.emit(rex(true, right.IsExtended(), false, left.IsExtended()))
	a.emit(0x39)
	a.emit(modrm(3, right.LowBits(), left.LowBits()))
}

// CmpRegImm32 比较立即数: cmp reg, imm32
func (a *Assembler) CmpRegImm32(reg Reg, imm int32) {
	a.aluImm(7, reg, imm)
}

// CmpRegImm 比较 64 位立即数，超出 imm32 范围时经由临时寄存器
func (a *Assembler) CmpRegImm(reg Reg, imm uint64) {
	if fitsInt32(int64(imm)) {
		a.CmpRegImm32(reg, int32(int64(imm)))
		return
	}
	a.MovRegImm64(ScratchReg, imm)
	a.CmpRegReg(reg, ScratchReg)
}

// aluImm 81 /ext id 或 83 /ext ib
func (a *Assembler) aluImm(ext byte, reg Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	if fitsInt8(int64(imm)) {
		a.emit(0x83)
		a.emit(modrm(3, ext, reg.LowBits()))
		a.emit(byte(imm))
	} else {
		a.emit(0x81)
		a.emit(modrm(3, ext, reg.LowBits()))
		a.emitU32(uint32(imm))
	}
}

// ============================================================================
// 栈与调用
// ============================================================================

// Push 压栈: push reg
func (a *Assembler) Push(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 + reg.LowBits())
}

// Pop 出栈: pop reg
func (a *Assembler) Pop(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 + reg.LowBits())
}

// CallReg 间接调用: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF)
	a.emit(modrm(3, 2, reg.LowBits()))
}

// Ret 返回
func (a *Assembler) Ret() {
	a.emit(0xC3)
}
