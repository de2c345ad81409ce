package code

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

var (
	ErrEntryAlreadySet = errors.New("machine code object: entry already set")
	ErrObjectFreed     = errors.New("machine code object: already freed")
	ErrObjectInUse     = errors.New("machine code object: still referenced or pinned")
)

// Layout 机器码对象在内存中的位置
type Layout struct {
	Base          uintptr // 主区域起始（对象头）
	Size          int     // 主区域大小
	Fort          bool    // text 是否位于 fort 区域
	TextStart     uintptr
	TextSize      int
	SideTableAddr uintptr
	SideTableSize int
}

// Object 机器码对象
//
// 写入并设置页保护后指令字节不再改变。
// 可变部分只有 OSR 计数、引用计数和固定计数；入口地址只能设置一次。
type Object struct {
	method    string
	tier      Tier
	osrOffset int
	layout    Layout
	unwind    []byte

	entry      atomic.Uint64
	osrCounter atomic.Uint32
	refs       atomic.Int32 // 调用点引用
	pins       atomic.Int32 // 正在执行的帧

	freeOnce sync.Once
	freed    atomic.Bool
	release  func() error
}

// NewObject 创建机器码对象；release 在对象被回收时归还内存
func NewObject(desc *Descriptor, layout Layout, release func() error) *Object {
	return &Object{
		method:    desc.Method(),
		tier:      desc.Tier(),
		osrOffset: desc.OSROffset(),
		layout:    layout,
		unwind:    desc.Unwind(),
		release:   release,
	}
}

func (o *Object) Method() string         { return o.method }
func (o *Object) Tier() Tier             { return o.tier }
func (o *Object) OSROffset() int         { return o.osrOffset }
func (o *Object) Layout() Layout         { return o.layout }
func (o *Object) TextStart() uintptr     { return o.layout.TextStart }
func (o *Object) TextSize() int          { return o.layout.TextSize }
func (o *Object) SideTableAddr() uintptr { return o.layout.SideTableAddr }
func (o *Object) SideTableSize() int     { return o.layout.SideTableSize }
func (o *Object) Unwind() []byte         { return o.unwind }

// InstructionSize 指令字节数
func (o *Object) InstructionSize() int {
	return o.layout.TextSize
}

// Entry 返回入口地址，未设置时为 0
func (o *Object) Entry() uintptr {
	return uintptr(o.entry.Load())
}

// SetEntry 设置入口地址，只能成功一次
func (o *Object) SetEntry(addr uintptr) error {
	if addr == 0 {
		return fmt.Errorf("machine code object %s: zero entry", o.method)
	}
	if !o.entry.CAS(0, uint64(addr)) {
		return ErrEntryAlreadySet
	}
	return nil
}

// BumpOSR 增加 OSR 计数并返回新值
func (o *Object) BumpOSR() uint32 {
	return o.osrCounter.Inc()
}

// OSRCount 返回 OSR 计数
func (o *Object) OSRCount() uint32 {
	return o.osrCounter.Load()
}

// AddRef 增加调用点引用
func (o *Object) AddRef() {
	o.refs.Inc()
}

// DropRef 减少调用点引用
func (o *Object) DropRef() {
	if o.refs.Dec() < 0 {
		panic(fmt.Sprintf("machine code object %s: negative reference count", o.method))
	}
}

// Refs 返回调用点引用数
func (o *Object) Refs() int32 {
	return o.refs.Load()
}

// Pin 固定对象（有帧正在执行它）
func (o *Object) Pin() {
	o.pins.Inc()
}

// Unpin 解除固定
func (o *Object) Unpin() {
	if o.pins.Dec() < 0 {
		panic(fmt.Sprintf("machine code object %s: negative pin count", o.method))
	}
}

// Pins 返回固定计数
func (o *Object) Pins() int32 {
	return o.pins.Load()
}

// Reclaimable 没有调用点引用也没有被固定
func (o *Object) Reclaimable() bool {
	return o.refs.Load() == 0 && o.pins.Load() == 0
}

// Free 归还对象占用的内存；只执行一次
func (o *Object) Free() error {
	err := ErrObjectFreed
	o.freeOnce.Do(func() {
		o.freed.Store(true)
		err = nil
		if o.release != nil {
			err = o.release()
		}
	})
	return err
}

// Freed 是否已归还
func (o *Object) Freed() bool {
	return o.freed.Load()
}

func (o *Object) String() string {
	return fmt.Sprintf("code(%s %s text=%#x+%d entry=%#x)", o.method, o.tier, o.layout.TextStart, o.layout.TextSize, o.Entry())
}
