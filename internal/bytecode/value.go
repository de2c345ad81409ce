package bytecode

import "math"

// ============================================================================
// 标记值编码
// ============================================================================
//
// 运行时值以 64 位标记字表示，JIT 代码直接与这些规范常量比较：
//   - 整数：高 16 位为 TagInt，低 32 位为值
//   - 浮点：原始位模式加上 DoubleEncodeOffset
//   - 特殊值：低位小常量（false/true/null/undefined/hole）

const (
	TagInt             uint64 = 0xFFFF000000000000
	DoubleEncodeOffset uint64 = 1 << 48

	tagSpecial   uint64 = 0x02
	tagBoolean   uint64 = 0x04
	tagUndefined uint64 = 0x08

	ValueHole      uint64 = 0x05
	ValueNull      uint64 = tagSpecial
	ValueFalse     uint64 = tagBoolean | tagSpecial
	ValueTrue      uint64 = tagBoolean | tagSpecial | 0x01
	ValueUndefined uint64 = tagSpecial | tagUndefined
)

// TaggedInt 编码 int32
func TaggedInt(v int32) uint64 {
	return TagInt | uint64(uint32(v))
}

// TaggedDouble 编码 float64
func TaggedDouble(v float64) uint64 {
	return math.Float64bits(v) + DoubleEncodeOffset
}

// TaggedBool 编码布尔值
func TaggedBool(b bool) uint64 {
	if b {
		return ValueTrue
	}
	return ValueFalse
}

// IsTaggedInt 检查是否是整数标记值
func IsTaggedInt(v uint64) bool {
	return v&TagInt == TagInt
}

// UntagInt 解码整数
func UntagInt(v uint64) int32 {
	return int32(uint32(v))
}

var (
	ValueNaN      = TaggedDouble(math.NaN())
	ValueInfinity = TaggedDouble(math.Inf(1))
)

// IsTaggedDouble 检查是否是浮点标记值
func IsTaggedDouble(v uint64) bool {
	return !IsTaggedInt(v) && v&TagInt != 0
}

// UntagDouble 解码浮点
func UntagDouble(v uint64) float64 {
	return math.Float64frombits(v - DoubleEncodeOffset)
}

// IsNumber 整数或浮点
func IsNumber(v uint64) bool {
	return v&TagInt != 0
}

// ToFloat 数值转 float64；非数值返回 NaN
func ToFloat(v uint64) float64 {
	switch {
	case IsTaggedInt(v):
		return float64(UntagInt(v))
	case IsTaggedDouble(v):
		return UntagDouble(v)
	}
	return math.NaN()
}
