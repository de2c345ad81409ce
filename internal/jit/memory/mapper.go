// Package memory 管理 JIT 生成代码所在的可执行内存。
//
// 内存按页分配，每个机器码对象独占若干整页，因而可以逐对象切换页保护：
// 先以 RW 写入，再降为 RX；写入窗口结束时降级总会发生，失败路径也不例外。
package memory

import "fmt"

// Prot 页保护
type Prot int

const (
	ProtNone Prot = iota
	ProtRW
	ProtRX
)

func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "---"
	case ProtRW:
		return "rw-"
	case ProtRX:
		return "r-x"
	}
	return fmt.Sprintf("prot(%d)", int(p))
}

// Mapper 操作系统页映射
type Mapper interface {
	PageSize() int
	// Map 映射 size 字节（页对齐）的匿名内存
	Map(size int, prot Prot) ([]byte, error)
	Protect(mem []byte, prot Prot) error
	Unmap(mem []byte) error
}

// DefaultMapper 返回当前平台的映射实现
func DefaultMapper() Mapper {
	return newSystemMapper()
}
