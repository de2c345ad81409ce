package runtime

import (
	"fmt"
	"sync"

	"github.com/tangzhangming/novajit/internal/jit/baseline"
)

// ============================================================================
// 桩表
// 为基线编译器提供运行时桩的入口地址
// ============================================================================

// StubTable 桩编号到实现函数及其地址的登记表
type StubTable struct {
	mu    sync.RWMutex
	fns   [baseline.NumStubs]interface{}
	addrs [baseline.NumStubs]uintptr
}

// NewStubTable 创建空表
func NewStubTable() *StubTable {
	return &StubTable{}
}

// DefaultStubTable 登记所有内置桩
func DefaultStubTable() *StubTable {
	t := NewStubTable()
	for id, fn := range builtinStubs {
		t.Register(id, fn)
	}
	return t
}

// Register 登记桩实现并缓存其地址
func (t *StubTable) Register(id baseline.StubID, fn interface{}) {
	if id < 0 || id >= baseline.NumStubs {
		panic(fmt.Sprintf("stub table: invalid stub id %d", int(id)))
	}
	t.mu.Lock()
	t.fns[id] = fn
	t.addrs[id] = funcAddr(fn)
	t.mu.Unlock()
}

// Lookup 返回桩实现
func (t *StubTable) Lookup(id baseline.StubID) interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fns[id]
}

// StubAddress 实现 baseline.StubResolver；未登记的桩是配置错误
func (t *StubTable) StubAddress(id baseline.StubID) uint64 {
	t.mu.RLock()
	addr := t.addrs[id]
	t.mu.RUnlock()
	if addr == 0 {
		panic(fmt.Sprintf("stub table: %s not registered", id))
	}
	return uint64(addr)
}

// Missing 未登记的桩
func (t *StubTable) Missing() []baseline.StubID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []baseline.StubID
	for id := baseline.StubID(0); id < baseline.NumStubs; id++ {
		if t.addrs[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}
