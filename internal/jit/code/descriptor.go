// Package code 定义编译产物：一次性的代码描述符与常驻的机器码对象。
package code

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"

	"github.com/tangzhangming/novajit/internal/jit/asm"
)

// Tier 编译层级
type Tier uint8

const (
	TierBaseline Tier = iota + 1
	TierOptimizing
)

func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierOptimizing:
		return "optimizing"
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// Arch 目标架构
type Arch uint8

const (
	ArchX8664 Arch = iota + 1
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX8664:
		return "x86_64"
	case ArchARM64:
		return "arm64"
	}
	return fmt.Sprintf("arch(%d)", uint8(a))
}

var (
	ErrDescriptorConsumed = errors.New("code descriptor already consumed")
	ErrEmptyText          = errors.New("code descriptor has no instructions")
)

// DescriptorSpec 构造描述符所需的全部字段
type DescriptorSpec struct {
	Method    string
	Tier      Tier
	Arch      Arch
	OSROffset int

	Text      []byte
	TextAlign int // 0 表示默认 16
	Relocs    asm.RelocMap
	SideTable []byte // 原生 PC 偏移表

	RodataBefore []byte // text 之前的只读数据
	RodataAfter  []byte // text 之后的只读数据
	RodataAlign  int    // 0 表示默认 8

	Unwind []byte // 栈展开信息，仅优化层
}

// Descriptor 代码描述符
//
// 构造后不可变，只能被可执行内存管理器消费一次。
// 所有切片在构造时复制，getter 返回的切片不得修改。
type Descriptor struct {
	method    string
	tier      Tier
	arch      Arch
	osrOffset int

	text      []byte
	textAlign int
	relocs    asm.RelocMap
	sideTable []byte

	rodataBefore []byte
	rodataAfter  []byte
	rodataAlign  int

	unwind []byte

	consumed atomic.Bool
}

// NewDescriptor 创建描述符
func NewDescriptor(spec DescriptorSpec) (*Descriptor, error) {
	if len(spec.Text) == 0 {
		return nil, ErrEmptyText
	}
	if spec.TextAlign == 0 {
		spec.TextAlign = 16
	}
	if spec.RodataAlign == 0 {
		spec.RodataAlign = 8
	}
	if !isPow2(spec.TextAlign) || !isPow2(spec.RodataAlign) {
		return nil, fmt.Errorf("code descriptor: alignments must be powers of two (text %d, rodata %d)",
			spec.TextAlign, spec.RodataAlign)
	}
	if len(spec.Unwind) > 0 && spec.Tier != TierOptimizing {
		return nil, fmt.Errorf("code descriptor: unwind info is only valid for the optimizing tier, got %s", spec.Tier)
	}

	return &Descriptor{
		method:       spec.Method,
		tier:         spec.Tier,
		arch:         spec.Arch,
		osrOffset:    spec.OSROffset,
		text:         clone(spec.Text),
		textAlign:    spec.TextAlign,
		relocs:       spec.Relocs.Clone(),
		sideTable:    clone(spec.SideTable),
		rodataBefore: clone(spec.RodataBefore),
		rodataAfter:  clone(spec.RodataAfter),
		rodataAlign:  spec.RodataAlign,
		unwind:       clone(spec.Unwind),
	}, nil
}

func (d *Descriptor) Method() string       { return d.method }
func (d *Descriptor) Tier() Tier           { return d.tier }
func (d *Descriptor) Arch() Arch           { return d.arch }
func (d *Descriptor) OSROffset() int       { return d.osrOffset }
func (d *Descriptor) Text() []byte         { return d.text }
func (d *Descriptor) TextAlign() int       { return d.textAlign }
func (d *Descriptor) Relocs() asm.RelocMap { return d.relocs }
func (d *Descriptor) SideTable() []byte    { return d.sideTable }
func (d *Descriptor) RodataBefore() []byte { return d.rodataBefore }
func (d *Descriptor) RodataAfter() []byte  { return d.rodataAfter }
func (d *Descriptor) RodataAlign() int     { return d.rodataAlign }
func (d *Descriptor) Unwind() []byte       { return d.unwind }

// TextSize 指令字节数
func (d *Descriptor) TextSize() int {
	return len(d.text)
}

// Layout 计算 rodata 与 text 组成的代码段布局
func (d *Descriptor) Layout() CodeLayout {
	var l CodeLayout
	pos := 0
	if n := len(d.rodataBefore); n > 0 {
		l.RodataBeforeOff = 0
		pos = n
	}
	pos = Align(pos, d.textAlign)
	l.TextOff = pos
	pos += len(d.text)
	if n := len(d.rodataAfter); n > 0 {
		pos = Align(pos, d.rodataAlign)
		l.RodataAfterOff = pos
		pos += n
	}
	l.Size = pos
	return l
}

// Consume 标记描述符已被消费；第二次调用返回 ErrDescriptorConsumed
func (d *Descriptor) Consume() error {
	if d.consumed.Swap(true) {
		return ErrDescriptorConsumed
	}
	return nil
}

// Consumed 是否已被消费
func (d *Descriptor) Consumed() bool {
	return d.consumed.Load()
}

// CodeLayout 代码段内各部分的偏移
type CodeLayout struct {
	RodataBeforeOff int
	TextOff         int
	RodataAfterOff  int
	Size            int
}

// Align 向上对齐到 align（2 的幂）
func Align(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
