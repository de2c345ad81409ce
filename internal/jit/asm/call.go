package asm

import "fmt"

// ============================================================================
// 桩调用参数
// ============================================================================

// Special 特殊参数来源
type Special uint8

const (
	SpecialGlue Special = iota
	SpecialSP
	SpecialAcc
	SpecialFunc
	SpecialThis
	SpecialNewTarget
)

var specialNames = [...]string{"GLUE", "SP", "ACC", "FUNC", "THIS", "NEW_TARGET"}

func (s Special) String() string {
	if int(s) < len(specialNames) {
		return specialNames[s]
	}
	return fmt.Sprintf("SPECIAL(%d)", s)
}

// ParamKind 参数种类
type ParamKind uint8

const (
	ParamSpecial ParamKind = iota
	ParamInt32
	ParamVReg
)

// Param 桩调用参数
type Param struct {
	Kind    ParamKind
	Special Special
	Value   int64 // 立即数或虚拟寄存器号
}

// S 特殊参数
func S(s Special) Param {
	return Param{Kind: ParamSpecial, Special: s}
}

// I 32 位立即数参数
func I(v int32) Param {
	return Param{Kind: ParamInt32, Value: int64(v)}
}

// V 虚拟寄存器参数
func V(n int) Param {
	return Param{Kind: ParamVReg, Value: int64(n)}
}

func (p Param) String() string {
	switch p.Kind {
	case ParamSpecial:
		return p.Special.String()
	case ParamInt32:
		return fmt.Sprintf("%d", p.Value)
	case ParamVReg:
		return fmt.Sprintf("v%d", p.Value)
	}
	return "?"
}

// ArgRegs System V 整数参数寄存器
var ArgRegs = [...]Reg{RDI, RSI, RDX, RCX, R8, R9}

// ============================================================================
// 重定位
// ============================================================================

// RelocKind 重定位种类
type RelocKind uint8

const (
	// RelocStubAddr 64 位绝对桩地址（mov r11, imm64 的立即数字段）
	RelocStubAddr RelocKind = iota + 1
)

// RelocInfo 一条重定位记录
type RelocInfo struct {
	Kind   RelocKind
	Offset int    // 立即数字段在 text 中的偏移
	Target uint64 // 当前写入的地址
	Symbol string // 桩名
}

// RelocMap 重定位表，按 Offset 递增
type RelocMap []RelocInfo

// Clone 返回副本
func (m RelocMap) Clone() RelocMap {
	if m == nil {
		return nil
	}
	out := make(RelocMap, len(m))
	copy(out, m)
	return out
}

// ============================================================================
// 桩调用序列
// ============================================================================

// CallBuiltin 调用预编译的运行时桩
//
// 参数依次放入 rdi rsi rdx rcx r8 r9，其余逆序压栈；
// 压栈个数为奇数时先补 8 字节保持 16 字节对齐，调用后恢复 rsp。
// 桩地址经 r11 间接调用，并记入重定位表。
func (a *Assembler) CallBuiltin(symbol string, addr uint64, params ...Param) {
	stackArgs := 0
	if len(params) > len(ArgRegs) {
		stackArgs = len(params) - len(ArgRegs)
	}
	pad := stackArgs % 2

	if pad != 0 {
		a.SubRegImm32(RSP, 8)
	}
	for i := len(params) - 1; i >= len(ArgRegs); i-- {
		a.loadParam(ScratchReg, params[i])
		a.Push(ScratchReg)
	}
	for i := 0; i < len(params) && i < len(ArgRegs); i++ {
		a.loadParam(ArgRegs[i], params[i])
	}

	// mov r11, imm64 的立即数从第 2 字节开始
	a.relocs = append(a.relocs, RelocInfo{
		Kind:   RelocStubAddr,
		Offset: len(a.code) + 2,
		Target: addr,
		Symbol: symbol,
	})
	a.MovRegImm64(ScratchReg, addr)
	a.CallReg(ScratchReg)

	if n := stackArgs + pad; n > 0 {
		a.AddRegImm32(RSP, int32(n*8))
	}
}

// SaveResultIntoAcc 将桩返回值写入累加器
func (a *Assembler) SaveResultIntoAcc() {
	a.MovRegReg(AccReg, RAX)
}

// loadParam 把参数装入寄存器
func (a *Assembler) loadParam(dst Reg, p Param) {
	switch p.Kind {
	case ParamSpecial:
		switch p.Special {
		case SpecialGlue:
			a.MovRegReg(dst, GlueReg)
		case SpecialSP:
			a.MovRegReg(dst, FrameReg)
		case SpecialAcc:
			a.MovRegReg(dst, AccReg)
		case SpecialFunc:
			a.MovRegMem(dst, FrameReg, FuncSlot)
		case SpecialThis:
			a.MovRegMem(dst, FrameReg, ThisSlot)
		case SpecialNewTarget:
			a.MovRegMem(dst, FrameReg, NewTargetSlot)
		default:
			panic(fmt.Sprintf("asm: unknown special parameter %d", p.Special))
		}
	case ParamInt32:
		a.MovRegImm32(dst, int32(p.Value))
	case ParamVReg:
		a.MovRegMem(dst, FrameReg, VRegSlot(int(p.Value)))
	default:
		panic(fmt.Sprintf("asm: unknown parameter kind %d", p.Kind))
	}
}
