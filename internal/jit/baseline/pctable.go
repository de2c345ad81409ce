package baseline

import "fmt"

// MaxPcDelta 单个字节码步骤允许的最大原生代码增长
const MaxPcDelta = 0xFF

// NativePcOffsetTable 原生 PC / 字节码偏移映射表
//
// 每个字节码步骤一个单字节增量，记录自上一步以来原生代码增长了多少。
// 第 i 项之前所有增量之和即第 i 条字节码对应原生代码的结束位置。
type NativePcOffsetTable struct {
	deltas []byte
	prevPc int
}

// NewNativePcOffsetTable 创建映射表；start 为翻译开始时的原生代码长度
func NewNativePcOffsetTable(start int) *NativePcOffsetTable {
	return &NativePcOffsetTable{prevPc: start}
}

// AddPosition 记录一个字节码步骤结束时的原生 PC
// 增量超过一个字节是翻译器缺陷
func (t *NativePcOffsetTable) AddPosition(nativePc int) {
	delta := nativePc - t.prevPc
	if delta < 0 || delta > MaxPcDelta {
		panic(fmt.Sprintf("baseline: native pc delta overflow: step %d grew by %d bytes", len(t.deltas), delta))
	}
	t.deltas = append(t.deltas, byte(delta))
	t.prevPc = nativePc
}

// Len 返回记录的步骤数
func (t *NativePcOffsetTable) Len() int {
	return len(t.deltas)
}

// Total 返回增量之和
func (t *NativePcOffsetTable) Total() int {
	sum := 0
	for _, d := range t.deltas {
		sum += int(d)
	}
	return sum
}

// Bytes 返回编码后的副表（增量原样拷贝）
func (t *NativePcOffsetTable) Bytes() []byte {
	out := make([]byte, len(t.deltas))
	copy(out, t.deltas)
	return out
}

// Ranges 把编码后的副表还原为每一步的原生代码区间 [start, end)
func Ranges(table []byte, start int) [][2]int {
	out := make([][2]int, 0, len(table))
	pc := start
	for _, d := range table {
		out = append(out, [2]int{pc, pc + int(d)})
		pc += int(d)
	}
	return out
}
