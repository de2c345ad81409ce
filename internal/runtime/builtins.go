package runtime

import (
	"fmt"
	"math"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/baseline"
)

// ============================================================================
// 内置桩
// 数值运算桩的快速路径直接在标记值上计算；
// 需要对象模型的桩（属性、调用、词法环境）由宿主虚拟机覆盖登记。
// 所有桩函数使用 //go:noinline 确保有稳定的函数地址
// ============================================================================

var builtinStubs = map[baseline.StubID]interface{}{
	baseline.StubAdd2Imm8V8:      Add2,
	baseline.StubSub2Imm8V8:      Sub2,
	baseline.StubMul2Imm8V8:      Mul2,
	baseline.StubDiv2Imm8V8:      Div2,
	baseline.StubMod2Imm8V8:      Mod2,
	baseline.StubEqImm8V8:        Eq,
	baseline.StubNoteqImm8V8:     NotEq,
	baseline.StubLessImm8V8:      Less,
	baseline.StubLesseqImm8V8:    LessEq,
	baseline.StubGreaterImm8V8:   Greater,
	baseline.StubGreatereqImm8V8: GreaterEq,
	baseline.StubShl2Imm8V8:      Shl2,
	baseline.StubShr2Imm8V8:      Shr2,
	baseline.StubAshr2Imm8V8:     Ashr2,
	baseline.StubAnd2Imm8V8:      And2,
	baseline.StubOr2Imm8V8:       Or2,
	baseline.StubXor2Imm8V8:      Xor2,
	baseline.StubIncImm8:         Inc,
	baseline.StubDecImm8:         Dec,
	baseline.StubNegImm8:         Neg,
	baseline.StubNotImm8:         Not,
	baseline.StubIstrue:          IsTrue,
	baseline.StubIsfalse:         IsFalse,

	baseline.StubUpdateHotness:             hostStub,
	baseline.StubLdaStrID16:                hostStub,
	baseline.StubNewlexenvImm8:             hostStub,
	baseline.StubLdlexvarImm4Imm4:          hostStub,
	baseline.StubStlexvarImm4Imm4:          hostStub,
	baseline.StubTryldglobalbynameImm8ID16: hostStub,
	baseline.StubLdobjbynameImm8ID16:       hostStub,
	baseline.StubStobjbynameImm8ID16V8:     hostStub,
	baseline.StubTypeofImm8:                hostStub,
	baseline.StubCallarg0Imm8:              hostStub,
	baseline.StubCallarg1Imm8V8:            hostStub,
	baseline.StubCallargs2Imm8V8V8:         hostStub,
	baseline.StubReturn:                    hostStub,
	baseline.StubReturnundefined:           hostStub,
	baseline.StubDebugger:                  hostStub,
}

// hostStub 占位：宿主虚拟机未覆盖登记时进入即失败
//
//go:noinline
func hostStub(glue, sp uintptr) uint64 {
	panic(fmt.Sprintf("runtime stub called without host implementation (glue=%#x sp=%#x)", glue, sp))
}

// ============================================================================
// 算术
// ============================================================================

func intOrDouble(v int64) uint64 {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		return bytecode.TaggedInt(int32(v))
	}
	return bytecode.TaggedDouble(float64(v))
}

// Add2 加法；整数溢出时转为浮点
//
//go:noinline
func Add2(lhs, acc uint64) uint64 {
	if bytecode.IsTaggedInt(lhs) && bytecode.IsTaggedInt(acc) {
		return intOrDouble(int64(bytecode.UntagInt(lhs)) + int64(bytecode.UntagInt(acc)))
	}
	return bytecode.TaggedDouble(bytecode.ToFloat(lhs) + bytecode.ToFloat(acc))
}

// Sub2 减法
//
//go:noinline
func Sub2(lhs, acc uint64) uint64 {
	if bytecode.IsTaggedInt(lhs) && bytecode.IsTaggedInt(acc) {
		return intOrDouble(int64(bytecode.UntagInt(lhs)) - int64(bytecode.UntagInt(acc)))
	}
	return bytecode.TaggedDouble(bytecode.ToFloat(lhs) - bytecode.ToFloat(acc))
}

// Mul2 乘法
//
//go:noinline
func Mul2(lhs, acc uint64) uint64 {
	if bytecode.IsTaggedInt(lhs) && bytecode.IsTaggedInt(acc) {
		return intOrDouble(int64(bytecode.UntagInt(lhs)) * int64(bytecode.UntagInt(acc)))
	}
	return bytecode.TaggedDouble(bytecode.ToFloat(lhs) * bytecode.ToFloat(acc))
}

// Div2 除法，结果总是浮点（除零得到 Inf 或 NaN）
//
//go:noinline
func Div2(lhs, acc uint64) uint64 {
	l, r := bytecode.ToFloat(lhs), bytecode.ToFloat(acc)
	q := l / r
	if q == math.Trunc(q) && !math.IsInf(q, 0) && r != 0 {
		if q >= math.MinInt32 && q <= math.MaxInt32 && !(q == 0 && math.Signbit(q)) {
			return bytecode.TaggedInt(int32(q))
		}
	}
	return bytecode.TaggedDouble(q)
}

// Mod2 取模，符号与被除数一致
//
//go:noinline
func Mod2(lhs, acc uint64) uint64 {
	if bytecode.IsTaggedInt(lhs) && bytecode.IsTaggedInt(acc) {
		l, r := bytecode.UntagInt(lhs), bytecode.UntagInt(acc)
		if r != 0 && l >= 0 {
			return bytecode.TaggedInt(int32(int64(l) % int64(r)))
		}
	}
	return bytecode.TaggedDouble(math.Mod(bytecode.ToFloat(lhs), bytecode.ToFloat(acc)))
}

// ============================================================================
// 比较
// ============================================================================

func compare(lhs, acc uint64) (c int, ok bool) {
	if bytecode.IsTaggedInt(lhs) && bytecode.IsTaggedInt(acc) {
		l, r := bytecode.UntagInt(lhs), bytecode.UntagInt(acc)
		switch {
		case l < r:
			return -1, true
		case l > r:
			return 1, true
		}
		return 0, true
	}
	l, r := bytecode.ToFloat(lhs), bytecode.ToFloat(acc)
	switch {
	case math.IsNaN(l) || math.IsNaN(r):
		return 0, false
	case l < r:
		return -1, true
	case l > r:
		return 1, true
	}
	return 0, true
}

// Eq 相等；数值按值比较，其余按标记字比较
//
//go:noinline
func Eq(lhs, acc uint64) uint64 {
	if bytecode.IsNumber(lhs) && bytecode.IsNumber(acc) {
		c, ok := compare(lhs, acc)
		return bytecode.TaggedBool(ok && c == 0)
	}
	return bytecode.TaggedBool(lhs == acc)
}

//go:noinline
func NotEq(lhs, acc uint64) uint64 {
	return bytecode.TaggedBool(Eq(lhs, acc) == bytecode.ValueFalse)
}

//go:noinline
func Less(lhs, acc uint64) uint64 {
	c, ok := compare(lhs, acc)
	return bytecode.TaggedBool(ok && c < 0)
}

//go:noinline
func LessEq(lhs, acc uint64) uint64 {
	c, ok := compare(lhs, acc)
	return bytecode.TaggedBool(ok && c <= 0)
}

//go:noinline
func Greater(lhs, acc uint64) uint64 {
	c, ok := compare(lhs, acc)
	return bytecode.TaggedBool(ok && c > 0)
}

//go:noinline
func GreaterEq(lhs, acc uint64) uint64 {
	c, ok := compare(lhs, acc)
	return bytecode.TaggedBool(ok && c >= 0)
}

// ============================================================================
// 位运算：操作数截断为 int32
// ============================================================================

func toInt32(v uint64) int32 {
	if bytecode.IsTaggedInt(v) {
		return bytecode.UntagInt(v)
	}
	f := bytecode.ToFloat(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int32(uint32(int64(math.Trunc(math.Mod(f, 1<<32)))))
}

//go:noinline
func Shl2(lhs, acc uint64) uint64 {
	return bytecode.TaggedInt(toInt32(lhs) << (uint32(toInt32(acc)) & 31))
}

// Shr2 逻辑右移；结果超出 int32 时为浮点
//
//go:noinline
func Shr2(lhs, acc uint64) uint64 {
	return intOrDouble(int64(uint32(toInt32(lhs)) >> (uint32(toInt32(acc)) & 31)))
}

//go:noinline
func Ashr2(lhs, acc uint64) uint64 {
	return bytecode.TaggedInt(toInt32(lhs) >> (uint32(toInt32(acc)) & 31))
}

//go:noinline
func And2(lhs, acc uint64) uint64 {
	return bytecode.TaggedInt(toInt32(lhs) & toInt32(acc))
}

//go:noinline
func Or2(lhs, acc uint64) uint64 {
	return bytecode.TaggedInt(toInt32(lhs) | toInt32(acc))
}

//go:noinline
func Xor2(lhs, acc uint64) uint64 {
	return bytecode.TaggedInt(toInt32(lhs) ^ toInt32(acc))
}

// ============================================================================
// 一元
// ============================================================================

//go:noinline
func Inc(acc uint64) uint64 {
	return Add2(acc, bytecode.TaggedInt(1))
}

//go:noinline
func Dec(acc uint64) uint64 {
	return Sub2(acc, bytecode.TaggedInt(1))
}

// Neg 取负；0 取负得到 -0.0
//
//go:noinline
func Neg(acc uint64) uint64 {
	if bytecode.IsTaggedInt(acc) {
		if v := bytecode.UntagInt(acc); v != 0 && v != math.MinInt32 {
			return bytecode.TaggedInt(-v)
		}
	}
	return bytecode.TaggedDouble(-bytecode.ToFloat(acc))
}

//go:noinline
func Not(acc uint64) uint64 {
	return bytecode.TaggedInt(^toInt32(acc))
}

// ToBoolean 标记值的真值
func ToBoolean(v uint64) bool {
	switch {
	case v == bytecode.ValueTrue:
		return true
	case v == bytecode.ValueFalse, v == bytecode.ValueNull, v == bytecode.ValueUndefined, v == bytecode.ValueHole:
		return false
	case bytecode.IsTaggedInt(v):
		return bytecode.UntagInt(v) != 0
	case bytecode.IsTaggedDouble(v):
		f := bytecode.UntagDouble(v)
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

//go:noinline
func IsTrue(acc uint64) uint64 {
	return bytecode.TaggedBool(ToBoolean(acc))
}

//go:noinline
func IsFalse(acc uint64) uint64 {
	return bytecode.TaggedBool(!ToBoolean(acc))
}
