package runtime

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/code"
)

var ErrNoEntry = errors.New("function: code object has no entry")

// InterpreterEntry 未编译函数的入口：回到解释器
var InterpreterEntry = funcAddr(interpreterEntry)

func interpreterEntry() {}

// funcAddr 获取 Go 函数地址
func funcAddr(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// Function 运行时函数对象
//
// 入口地址默认指向解释器，安装机器码后指向其 text 起始；
// OSR 代码按字节码偏移单独保存。
type Function struct {
	name   string
	method *bytecode.Method
	ctx    *Context

	hotness atomic.Int32

	mu        sync.Mutex
	entry     uintptr
	code      *code.Object
	osr       map[int]*code.Object
	compiling map[compileKey]struct{}
}

type compileKey struct {
	tier      code.Tier
	osrOffset int
}

// NewFunction 创建函数
func NewFunction(ctx *Context, method *bytecode.Method) *Function {
	return &Function{
		name:      method.Name,
		method:    method,
		ctx:       ctx,
		entry:     InterpreterEntry,
		osr:       make(map[int]*code.Object),
		compiling: make(map[compileKey]struct{}),
	}
}

func (f *Function) Name() string             { return f.name }
func (f *Function) Method() *bytecode.Method { return f.method }
func (f *Function) Context() *Context        { return f.ctx }

// Entry 当前入口地址
func (f *Function) Entry() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entry
}

// Compiled 是否已安装机器码
func (f *Function) Compiled() bool {
	return f.Entry() != InterpreterEntry
}

// Code 当前安装的机器码对象
func (f *Function) Code() *code.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

// OSRCode 指定偏移的 OSR 机器码
func (f *Function) OSRCode(offset int) *code.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.osr[offset]
}

// Enter 开始一次执行：返回当前入口，并固定当前机器码直到调用 exit
//
// 执行期间被替换的机器码仍被固定，回收会跳过它。
func (f *Function) Enter() (entry uintptr, exit func()) {
	f.mu.Lock()
	obj, entry := f.code, f.entry
	if obj != nil {
		obj.Pin()
	}
	f.mu.Unlock()
	if obj == nil {
		return entry, func() {}
	}
	return entry, obj.Unpin
}

// EnterOSR 在字节码偏移 offset 处转入 OSR 代码并累计 OSR 次数；没有 OSR 代码时 ok 为 false
func (f *Function) EnterOSR(offset int) (entry uintptr, exit func(), ok bool) {
	f.mu.Lock()
	obj := f.osr[offset]
	if obj != nil {
		obj.Pin()
	}
	f.mu.Unlock()
	if obj == nil {
		return 0, nil, false
	}
	obj.BumpOSR()
	return obj.Entry(), obj.Unpin, true
}

// AddHotness 累加热度，返回新值
func (f *Function) AddHotness(n int32) int32 {
	return f.hotness.Add(n)
}

// Hotness 当前热度
func (f *Function) Hotness() int32 {
	return f.hotness.Load()
}

// ResetHotness 热度清零
func (f *Function) ResetHotness() {
	f.hotness.Store(0)
}

// TryMarkCompiling 标记 (tier, osrOffset) 正在编译；已在编译时返回 false
func (f *Function) TryMarkCompiling(tier code.Tier, osrOffset int) bool {
	k := compileKey{tier, osrOffset}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.compiling[k]; ok {
		return false
	}
	f.compiling[k] = struct{}{}
	return true
}

// ClearCompiling 清除编译标记
func (f *Function) ClearCompiling(tier code.Tier, osrOffset int) {
	f.mu.Lock()
	delete(f.compiling, compileKey{tier, osrOffset})
	f.mu.Unlock()
}

// InstallCode 安装机器码：新对象引用加一，被替换的对象引用减一
func (f *Function) InstallCode(obj *code.Object) error {
	if obj.Freed() {
		return fmt.Errorf("install %s: %w", f.name, code.ErrObjectFreed)
	}
	entry := obj.Entry()
	if entry == 0 {
		return fmt.Errorf("install %s: %w", f.name, ErrNoEntry)
	}

	obj.AddRef()
	f.mu.Lock()
	var old *code.Object
	if off := obj.OSROffset(); off != bytecode.NoOSR {
		old = f.osr[off]
		f.osr[off] = obj
	} else {
		old = f.code
		f.code = obj
		f.entry = entry
	}
	f.mu.Unlock()

	if old != nil {
		old.DropRef()
	}
	if f.ctx != nil {
		f.ctx.heap.Register(obj)
	}
	return nil
}

// ResetCode 回到解释器入口并放弃所有机器码引用
func (f *Function) ResetCode() {
	f.mu.Lock()
	old, osr := f.code, f.osr
	f.code = nil
	f.entry = InterpreterEntry
	f.osr = make(map[int]*code.Object)
	f.mu.Unlock()

	if old != nil {
		old.DropRef()
	}
	for _, obj := range osr {
		obj.DropRef()
	}
}

func (f *Function) String() string {
	return f.name
}
