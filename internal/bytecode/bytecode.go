// Package bytecode 定义基线 JIT 所消费的字节码格式。
//
// 字节码为累加器 + 虚拟寄存器风格：
//   - 每条指令以 1 字节操作码开头
//   - 操作数紧随其后，多字节立即数采用小端序
//   - 大多数指令隐式读写累加器 (acc)
package bytecode

import (
	"fmt"
	"strings"
)

// OpCode 操作码类型
type OpCode byte

const (
	// 特殊值加载（内联）
	OpLdUndefined OpCode = iota // acc = undefined
	OpLdNull                    // acc = null
	OpLdTrue                    // acc = true
	OpLdFalse                   // acc = false
	OpLdHole                    // acc = hole
	OpLdNaN                     // acc = NaN
	OpLdInfinity                // acc = +Inf
	OpLdFunction                // acc = 当前函数
	OpLdNewTarget               // acc = new.target
	OpLdThis                    // acc = this

	// 累加器 / 寄存器传送（内联）
	OpLdaiImm32  // acc = int32 立即数
	OpFldaiImm64 // acc = float64 立即数
	OpLdaV8      // acc = v8
	OpStaV8      // v8 = acc
	OpMovV4V4    // vA = vB (4 位寄存器号)
	OpMovV8V8    // vA = vB
	OpMovV16V16  // vA = vB (16 位寄存器号)
	OpNop        // 空操作

	// 常量 / 词法环境（桩调用）
	OpLdaStrId16        // acc = 字符串常量
	OpNewLexEnvImm8     // 创建词法环境
	OpLdLexVarImm4Imm4  // acc = 词法变量
	OpStLexVarImm4Imm4  // 词法变量 = acc
	OpTryLdGlobalByName // acc = 全局变量 (imm8 slot, id16)
	OpLdObjByName       // acc = acc.name (imm8 slot, id16)
	OpStObjByName       // vX.name = acc (imm8 slot, id16, v8)

	// 二元运算：acc = vX op acc（桩调用）
	OpAdd2Imm8V8
	OpSub2Imm8V8
	OpMul2Imm8V8
	OpDiv2Imm8V8
	OpMod2Imm8V8
	OpEqImm8V8
	OpNotEqImm8V8
	OpLessImm8V8
	OpLessEqImm8V8
	OpGreaterImm8V8
	OpGreaterEqImm8V8
	OpShl2Imm8V8
	OpShr2Imm8V8
	OpAshr2Imm8V8
	OpAnd2Imm8V8
	OpOr2Imm8V8
	OpXor2Imm8V8

	// 一元运算：acc = op acc（桩调用）
	OpIncImm8
	OpDecImm8
	OpNegImm8
	OpNotImm8
	OpTypeofImm8
	OpIsTrue
	OpIsFalse

	// 调用 / 返回（桩调用）
	OpCallArg0Imm8      // acc = acc()
	OpCallArg1Imm8V8    // acc = acc(vA)
	OpCallArgs2Imm8V8V8 // acc = acc(vA, vB)
	OpReturn            // 返回 acc
	OpReturnUndefined   // 返回 undefined
	OpDebugger          // 调试器断点

	// 跳转（偏移相对于指令起始位置）
	OpJmpImm8
	OpJmpImm16
	OpJmpImm32
	OpJeqzImm8 // acc == false 时跳转
	OpJeqzImm16
	OpJeqzImm32
	OpJnezImm8 // acc != false 时跳转
	OpJnezImm16
	OpJnezImm32
	OpJeqNullImm8
	OpJeqNullImm16
	OpJneNullImm8
	OpJneNullImm16
	OpJeqUndefinedImm8
	OpJeqUndefinedImm16
	OpJneUndefinedImm8
	OpJneUndefinedImm16

	// 基线层不支持的指令（翻译时跳过）
	OpDefineFunc        // imm8 slot, id16 method, imm8 argc
	OpCreateEmptyObject //
	OpThrow             //

	opCount
)

// Format 操作数格式
type Format byte

const (
	FmtNone          Format = iota // op
	FmtImm8                        // op imm8
	FmtImm16                       // op imm16
	FmtImm32                       // op imm32
	FmtImm64                       // op imm64
	FmtV8                          // op v8
	FmtV4V4                        // op v4:v4
	FmtV8V8                        // op v8 v8
	FmtV16V16                      // op v16 v16
	FmtImm4Imm4                    // op imm4:imm4
	FmtId16                        // op id16
	FmtImm8V8                      // op imm8 v8
	FmtImm8V8V8                    // op imm8 v8 v8
	FmtImm8Id16                    // op imm8 id16
	FmtImm8Id16V8                  // op imm8 id16 v8
	FmtImm8Id16Imm8                // op imm8 id16 imm8
)

// formatSizes 每种格式的指令总长度（含操作码）
var formatSizes = [...]int{
	FmtNone:         1,
	FmtImm8:         2,
	FmtImm16:        3,
	FmtImm32:        5,
	FmtImm64:        9,
	FmtV8:           2,
	FmtV4V4:         2,
	FmtV8V8:         3,
	FmtV16V16:       5,
	FmtImm4Imm4:     2,
	FmtId16:         3,
	FmtImm8V8:       3,
	FmtImm8V8V8:     4,
	FmtImm8Id16:     4,
	FmtImm8Id16V8:   5,
	FmtImm8Id16Imm8: 5,
}

// opInfo 操作码元信息
type opInfo struct {
	name   string
	format Format
}

var opInfos = [opCount]opInfo{
	OpLdUndefined: {"LDUNDEFINED", FmtNone},
	OpLdNull:      {"LDNULL", FmtNone},
	OpLdTrue:      {"LDTRUE", FmtNone},
	OpLdFalse:     {"LDFALSE", FmtNone},
	OpLdHole:      {"LDHOLE", FmtNone},
	OpLdNaN:       {"LDNAN", FmtNone},
	OpLdInfinity:  {"LDINFINITY", FmtNone},
	OpLdFunction:  {"LDFUNCTION", FmtNone},
	OpLdNewTarget: {"LDNEWTARGET", FmtNone},
	OpLdThis:      {"LDTHIS", FmtNone},

	OpLdaiImm32:  {"LDAI_IMM32", FmtImm32},
	OpFldaiImm64: {"FLDAI_IMM64", FmtImm64},
	OpLdaV8:      {"LDA_V8", FmtV8},
	OpStaV8:      {"STA_V8", FmtV8},
	OpMovV4V4:    {"MOV_V4_V4", FmtV4V4},
	OpMovV8V8:    {"MOV_V8_V8", FmtV8V8},
	OpMovV16V16:  {"MOV_V16_V16", FmtV16V16},
	OpNop:        {"NOP", FmtNone},

	OpLdaStrId16:        {"LDA_STR_ID16", FmtId16},
	OpNewLexEnvImm8:     {"NEWLEXENV_IMM8", FmtImm8},
	OpLdLexVarImm4Imm4:  {"LDLEXVAR_IMM4_IMM4", FmtImm4Imm4},
	OpStLexVarImm4Imm4:  {"STLEXVAR_IMM4_IMM4", FmtImm4Imm4},
	OpTryLdGlobalByName: {"TRYLDGLOBALBYNAME_IMM8_ID16", FmtImm8Id16},
	OpLdObjByName:       {"LDOBJBYNAME_IMM8_ID16", FmtImm8Id16},
	OpStObjByName:       {"STOBJBYNAME_IMM8_ID16_V8", FmtImm8Id16V8},

	OpAdd2Imm8V8:      {"ADD2_IMM8_V8", FmtImm8V8},
	OpSub2Imm8V8:      {"SUB2_IMM8_V8", FmtImm8V8},
	OpMul2Imm8V8:      {"MUL2_IMM8_V8", FmtImm8V8},
	OpDiv2Imm8V8:      {"DIV2_IMM8_V8", FmtImm8V8},
	OpMod2Imm8V8:      {"MOD2_IMM8_V8", FmtImm8V8},
	OpEqImm8V8:        {"EQ_IMM8_V8", FmtImm8V8},
	OpNotEqImm8V8:     {"NOTEQ_IMM8_V8", FmtImm8V8},
	OpLessImm8V8:      {"LESS_IMM8_V8", FmtImm8V8},
	OpLessEqImm8V8:    {"LESSEQ_IMM8_V8", FmtImm8V8},
	OpGreaterImm8V8:   {"GREATER_IMM8_V8", FmtImm8V8},
	OpGreaterEqImm8V8: {"GREATEREQ_IMM8_V8", FmtImm8V8},
	OpShl2Imm8V8:      {"SHL2_IMM8_V8", FmtImm8V8},
	OpShr2Imm8V8:      {"SHR2_IMM8_V8", FmtImm8V8},
	OpAshr2Imm8V8:     {"ASHR2_IMM8_V8", FmtImm8V8},
	OpAnd2Imm8V8:      {"AND2_IMM8_V8", FmtImm8V8},
	OpOr2Imm8V8:       {"OR2_IMM8_V8", FmtImm8V8},
	OpXor2Imm8V8:      {"XOR2_IMM8_V8", FmtImm8V8},

	OpIncImm8:    {"INC_IMM8", FmtImm8},
	OpDecImm8:    {"DEC_IMM8", FmtImm8},
	OpNegImm8:    {"NEG_IMM8", FmtImm8},
	OpNotImm8:    {"NOT_IMM8", FmtImm8},
	OpTypeofImm8: {"TYPEOF_IMM8", FmtImm8},
	OpIsTrue:     {"ISTRUE", FmtNone},
	OpIsFalse:    {"ISFALSE", FmtNone},

	OpCallArg0Imm8:      {"CALLARG0_IMM8", FmtImm8},
	OpCallArg1Imm8V8:    {"CALLARG1_IMM8_V8", FmtImm8V8},
	OpCallArgs2Imm8V8V8: {"CALLARGS2_IMM8_V8_V8", FmtImm8V8V8},
	OpReturn:            {"RETURN", FmtNone},
	OpReturnUndefined:   {"RETURNUNDEFINED", FmtNone},
	OpDebugger:          {"DEBUGGER", FmtNone},

	OpJmpImm8:           {"JMP_IMM8", FmtImm8},
	OpJmpImm16:          {"JMP_IMM16", FmtImm16},
	OpJmpImm32:          {"JMP_IMM32", FmtImm32},
	OpJeqzImm8:          {"JEQZ_IMM8", FmtImm8},
	OpJeqzImm16:         {"JEQZ_IMM16", FmtImm16},
	OpJeqzImm32:         {"JEQZ_IMM32", FmtImm32},
	OpJnezImm8:          {"JNEZ_IMM8", FmtImm8},
	OpJnezImm16:         {"JNEZ_IMM16", FmtImm16},
	OpJnezImm32:         {"JNEZ_IMM32", FmtImm32},
	OpJeqNullImm8:       {"JEQNULL_IMM8", FmtImm8},
	OpJeqNullImm16:      {"JEQNULL_IMM16", FmtImm16},
	OpJneNullImm8:       {"JNENULL_IMM8", FmtImm8},
	OpJneNullImm16:      {"JNENULL_IMM16", FmtImm16},
	OpJeqUndefinedImm8:  {"JEQUNDEFINED_IMM8", FmtImm8},
	OpJeqUndefinedImm16: {"JEQUNDEFINED_IMM16", FmtImm16},
	OpJneUndefinedImm8:  {"JNEUNDEFINED_IMM8", FmtImm8},
	OpJneUndefinedImm16: {"JNEUNDEFINED_IMM16", FmtImm16},

	OpDefineFunc:        {"DEFINEFUNC_IMM8_ID16_IMM8", FmtImm8Id16Imm8},
	OpCreateEmptyObject: {"CREATEEMPTYOBJECT", FmtNone},
	OpThrow:             {"THROW", FmtNone},
}

// IsValid 检查操作码是否已定义
func (op OpCode) IsValid() bool {
	return op < opCount
}

func (op OpCode) String() string {
	if op.IsValid() {
		return opInfos[op].name
	}
	return fmt.Sprintf("UNKNOWN(%d)", op)
}

// Format 返回操作码的操作数格式
func (op OpCode) Format() Format {
	if !op.IsValid() {
		return FmtNone
	}
	return opInfos[op].format
}

// Size 返回指令长度（含操作码字节）
// 未定义的操作码按 1 字节处理，保证扫描总能前进
func (op OpCode) Size() int {
	return formatSizes[op.Format()]
}

// IsJump 检查是否是跳转指令
func (op OpCode) IsJump() bool {
	return op >= OpJmpImm8 && op <= OpJneUndefinedImm16
}

// IsConditionalJump 检查是否是条件跳转
func (op OpCode) IsConditionalJump() bool {
	return op.IsJump() && op != OpJmpImm8 && op != OpJmpImm16 && op != OpJmpImm32
}

// JumpOffset 读取跳转指令的有符号偏移量
// 偏移按立即数声明宽度符号扩展；code 必须从指令起始处开始
func JumpOffset(code []byte) (int32, bool) {
	if len(code) == 0 {
		return 0, false
	}
	op := OpCode(code[0])
	if !op.IsJump() || len(code) < op.Size() {
		return 0, false
	}
	switch op.Format() {
	case FmtImm8:
		return int32(ReadI8(code, 1)), true
	case FmtImm16:
		return int32(ReadI16(code, 1)), true
	case FmtImm32:
		return ReadI32(code, 1), true
	}
	return 0, false
}

// ============================================================================
// 反汇编
// ============================================================================

// Disassemble 反汇编字节码
func Disassemble(name string, code []byte) string {
	var sb strings.Builder
	sb.Grow(len(code) * 24)

	sb.WriteString("=== ")
	sb.WriteString(name)
	sb.WriteString(" ===\n")

	offset := 0
	for offset < len(code) {
		offset = disassembleInstruction(&sb, code, offset)
	}

	return sb.String()
}

func disassembleInstruction(sb *strings.Builder, code []byte, offset int) int {
	fmt.Fprintf(sb, "%04d ", offset)

	op := OpCode(code[offset])
	size := op.Size()
	if offset+size > len(code) {
		fmt.Fprintf(sb, "%-28s <truncated>\n", op)
		return len(code)
	}

	switch op.Format() {
	case FmtNone:
		fmt.Fprintf(sb, "%s\n", op)
	case FmtImm8:
		if op.IsJump() {
			jump := ReadI8(code, offset+1)
			fmt.Fprintf(sb, "%-28s %4d -> %d\n", op, jump, offset+int(jump))
		} else {
			fmt.Fprintf(sb, "%-28s %4d\n", op, code[offset+1])
		}
	case FmtImm16:
		jump := ReadI16(code, offset+1)
		fmt.Fprintf(sb, "%-28s %4d -> %d\n", op, jump, offset+int(jump))
	case FmtImm32:
		v := ReadI32(code, offset+1)
		if op.IsJump() {
			fmt.Fprintf(sb, "%-28s %4d -> %d\n", op, v, offset+int(v))
		} else {
			fmt.Fprintf(sb, "%-28s %d\n", op, v)
		}
	case FmtImm64:
		fmt.Fprintf(sb, "%-28s %#x\n", op, ReadU64(code, offset+1))
	case FmtV8:
		fmt.Fprintf(sb, "%-28s v%d\n", op, code[offset+1])
	case FmtV4V4:
		fmt.Fprintf(sb, "%-28s v%d, v%d\n", op, code[offset+1]&0xf, code[offset+1]>>4)
	case FmtV8V8:
		fmt.Fprintf(sb, "%-28s v%d, v%d\n", op, code[offset+1], code[offset+2])
	case FmtV16V16:
		fmt.Fprintf(sb, "%-28s v%d, v%d\n", op, ReadU16(code, offset+1), ReadU16(code, offset+3))
	case FmtImm4Imm4:
		fmt.Fprintf(sb, "%-28s %d, %d\n", op, code[offset+1]&0xf, code[offset+1]>>4)
	case FmtId16:
		fmt.Fprintf(sb, "%-28s id:%d\n", op, ReadU16(code, offset+1))
	case FmtImm8V8:
		fmt.Fprintf(sb, "%-28s %d, v%d\n", op, code[offset+1], code[offset+2])
	case FmtImm8V8V8:
		fmt.Fprintf(sb, "%-28s %d, v%d, v%d\n", op, code[offset+1], code[offset+2], code[offset+3])
	case FmtImm8Id16:
		fmt.Fprintf(sb, "%-28s %d, id:%d\n", op, code[offset+1], ReadU16(code, offset+2))
	case FmtImm8Id16V8:
		fmt.Fprintf(sb, "%-28s %d, id:%d, v%d\n", op, code[offset+1], ReadU16(code, offset+2), code[offset+4])
	case FmtImm8Id16Imm8:
		fmt.Fprintf(sb, "%-28s %d, id:%d, %d\n", op, code[offset+1], ReadU16(code, offset+2), code[offset+4])
	}

	return offset + size
}
