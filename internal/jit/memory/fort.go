package memory

import "fmt"

// Fort 启动时一次性预留的独立代码区域
//
// 预留后整体不可访问，只有写入窗口内的区域临时可写；
// 空间用尽时不增长。
type Fort struct {
	alloc *pageAllocator
	size  int
}

func newFort(mapper Mapper, size int) (*Fort, error) {
	a := newPageAllocator(mapper, size, 0, false)
	if err := a.reserve(size); err != nil {
		return nil, fmt.Errorf("reserve fort: %w", err)
	}
	return &Fort{alloc: a, size: a.mapped}, nil
}

// Size 预留字节数
func (f *Fort) Size() int {
	return f.size
}

func (f *Fort) allocate(size int) (*Region, error) {
	return f.alloc.alloc(size)
}

func (f *Fort) free(r *Region) error {
	return f.alloc.free(r)
}

func (f *Fort) close() error {
	return f.alloc.close()
}
