package asm

import (
	"encoding/binary"
	"fmt"
)

// Label 原生代码中的一个位置
//
// 创建时未绑定；Bind 之后位置固定，且只能绑定一次。
// 绑定前产生的跳转先记录在 refs 中，绑定时统一回填。
type Label struct {
	pos   int
	bound bool
	refs  []int // 待回填 rel32 字段的偏移
}

// IsBound 是否已绑定
func (l *Label) IsBound() bool {
	return l.bound
}

// Pos 返回绑定位置，未绑定时为 -1
func (l *Label) Pos() int {
	if !l.bound {
		return -1
	}
	return l.pos
}

// Cond 条件码（Jcc 第二字节的低 4 位）
type Cond byte

const (
	CondE  Cond = 0x4 // ZF=1
	CondNE Cond = 0x5 // ZF=0
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

var condNames = map[Cond]string{
	CondE: "e", CondNE: "ne", CondL: "l", CondGE: "ge", CondLE: "le", CondG: "g",
}

func (c Cond) String() string {
	if s, ok := condNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cc%#x", byte(c))
}

// NewLabel 创建未绑定标签
func (a *Assembler) NewLabel() *Label {
	l := &Label{pos: -1}
	a.labels = append(a.labels, l)
	return l
}

// Bind 将标签绑定到当前位置
func (a *Assembler) Bind(l *Label) {
	if l.bound {
		panic(fmt.Sprintf("asm: label bound twice (at %#x and %#x)", l.pos, len(a.code)))
	}
	l.pos = len(a.code)
	l.bound = true
	for _, ref := range l.refs {
		a.patchRel32(ref, l.pos)
	}
	l.refs = nil
}

// Jump 无条件跳转: jmp rel32
func (a *Assembler) Jump(l *Label) {
	a.emit(0xE9)
	a.emitRel32(l)
}

// J 条件跳转: jcc rel32
func (a *Assembler) J(cc Cond, l *Label) {
	a.emit(0x0F, 0x80|byte(cc))
	a.emitRel32(l)
}

// Jz 为零（相等）时跳转
func (a *Assembler) Jz(l *Label) { a.J(CondE, l) }

// Jnz 非零（不等）时跳转
func (a *Assembler) Jnz(l *Label) { a.J(CondNE, l) }

// emitRel32 写入相对偏移；目标未绑定时写占位符并记录引用
func (a *Assembler) emitRel32(l *Label) {
	at := len(a.code)
	a.emitU32(0)
	if l.bound {
		a.patchRel32(at, l.pos)
		return
	}
	l.refs = append(l.refs, at)
}

// patchRel32 相对偏移从 rel32 字段结束处计算
func (a *Assembler) patchRel32(at, target int) {
	rel := int32(target - (at + 4))
	binary.LittleEndian.PutUint32(a.code[at:], uint32(rel))
}
