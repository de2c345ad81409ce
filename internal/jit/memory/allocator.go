package memory

import (
	stderrors "errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// MaxClassPages 最大尺寸类（页数）；更大的请求使用独立映射
const MaxClassPages = 64

var (
	ErrCodeSpaceExhausted = stderrors.New("executable memory: code space exhausted")
	ErrAllocatorClosed    = stderrors.New("executable memory: allocator closed")
)

// sizeClass 把页数向上取整到 2 的幂尺寸类；超过 MaxClassPages 时返回 dedicated
func sizeClass(pages int) (class int, dedicated bool) {
	if pages > MaxClassPages {
		return pages, true
	}
	class = 1
	for class < pages {
		class <<= 1
	}
	return class, false
}

// span 一段连续空闲页
type span struct {
	chunk int
	start int // 块内页序号
	pages int
}

func lessBySize(a, b span) bool {
	if a.pages != b.pages {
		return a.pages < b.pages
	}
	if a.chunk != b.chunk {
		return a.chunk < b.chunk
	}
	return a.start < b.start
}

func lessByAddr(a, b span) bool {
	if a.chunk != b.chunk {
		return a.chunk < b.chunk
	}
	return a.start < b.start
}

// chunk 一次映射得到的连续内存
type chunk struct {
	id        int
	mem       []byte
	pages     int
	dedicated bool
}

// Region 分配结果：整页、页对齐
type Region struct {
	mem       []byte
	chunk     int
	start     int
	pages     int
	dedicated bool
}

// Addr 起始地址
func (r *Region) Addr() uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Size 字节数
func (r *Region) Size() int {
	return len(r.mem)
}

// Bytes 底层内存
func (r *Region) Bytes() []byte {
	return r.mem
}

// Contains 地址是否落在区域内
func (r *Region) Contains(addr uintptr) bool {
	base := r.Addr()
	return addr >= base && addr < base+uintptr(len(r.mem))
}

// pageAllocator 按页分配、按尺寸类取整的可执行内存分配器
//
// 空闲段同时以 (页数, 地址) 和地址两种顺序放在 btree 中：
// 前者用于最佳适配，后者用于释放时与相邻空闲段合并。
type pageAllocator struct {
	mu sync.Mutex

	mapper     Mapper
	pageSize   int
	chunkPages int
	limit      int // 映射总量上限（字节），0 不限
	grow       bool

	chunks map[int]*chunk
	nextID int
	bySize *btree.BTreeG[span]
	byAddr *btree.BTreeG[span]

	mapped int
	inUse  int
	allocs int
	frees  int
	closed bool
}

func newPageAllocator(mapper Mapper, chunkSize, limit int, grow bool) *pageAllocator {
	ps := mapper.PageSize()
	chunkPages := chunkSize / ps
	if chunkPages < MaxClassPages {
		chunkPages = MaxClassPages
	}
	return &pageAllocator{
		mapper:     mapper,
		pageSize:   ps,
		chunkPages: chunkPages,
		limit:      limit,
		grow:       grow,
		chunks:     make(map[int]*chunk),
		bySize:     btree.NewG(8, lessBySize),
		byAddr:     btree.NewG(8, lessByAddr),
	}
}

// reserve 预先映射 size 字节作为一个普通块（fort 使用）
func (p *pageAllocator) reserve(size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages := (size + p.pageSize - 1) / p.pageSize
	_, err := p.mapChunk(pages, false)
	return err
}

// alloc 分配至少 size 字节
func (p *pageAllocator) alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("executable memory: invalid allocation size %d", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrAllocatorClosed
	}

	pages := (size + p.pageSize - 1) / p.pageSize
	class, dedicated := sizeClass(pages)

	// 不增长的分配器（fort）只能从预留范围内切分
	if dedicated && p.grow {
		c, err := p.mapChunk(class, true)
		if err != nil {
			return nil, err
		}
		// 独立映射整体作为一个区域，不进入空闲表
		p.removeFree(span{chunk: c.id, start: 0, pages: class})
		return p.take(c, 0, class), nil
	}

	s, ok := p.bestFit(class)
	if !ok {
		if !p.grow {
			return nil, errors.WithStack(fmt.Errorf("%w: no free span of %d pages", ErrCodeSpaceExhausted, class))
		}
		n := p.chunkPages
		if class > n {
			n = class
		}
		if _, err := p.mapChunk(n, false); err != nil {
			return nil, err
		}
		if s, ok = p.bestFit(class); !ok {
			return nil, errors.WithStack(fmt.Errorf("%w: fresh chunk cannot hold %d pages", ErrCodeSpaceExhausted, class))
		}
	}

	p.removeFree(s)
	if s.pages > class {
		p.addFree(span{chunk: s.chunk, start: s.start + class, pages: s.pages - class})
	}
	return p.take(p.chunks[s.chunk], s.start, class), nil
}

// free 归还区域；独立映射直接解除映射
func (p *pageAllocator) free(r *Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	p.inUse -= r.pages * p.pageSize
	p.frees++

	if r.dedicated {
		c := p.chunks[r.chunk]
		delete(p.chunks, r.chunk)
		p.mapped -= len(c.mem)
		return p.mapper.Unmap(c.mem)
	}

	// 不可访问，防止执行已回收的代码
	err := p.mapper.Protect(r.mem, ProtNone)

	s := span{chunk: r.chunk, start: r.start, pages: r.pages}
	var prev span
	found := false
	p.byAddr.DescendLessOrEqual(span{chunk: s.chunk, start: s.start - 1}, func(it span) bool {
		prev, found = it, it.chunk == s.chunk && it.start+it.pages == s.start
		return false
	})
	if found {
		p.removeFree(prev)
		s.start, s.pages = prev.start, prev.pages+s.pages
	}
	if next, ok := p.byAddr.Get(span{chunk: s.chunk, start: s.start + s.pages}); ok {
		p.removeFree(next)
		s.pages += next.pages
	}
	p.addFree(s)
	return err
}

// close 解除所有映射
func (p *pageAllocator) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	for id, c := range p.chunks {
		err = multierr.Append(err, p.mapper.Unmap(c.mem))
		delete(p.chunks, id)
	}
	p.bySize.Clear(false)
	p.byAddr.Clear(false)
	p.mapped, p.inUse = 0, 0
	return err
}

func (p *pageAllocator) bestFit(pages int) (span, bool) {
	var out span
	found := false
	p.bySize.AscendGreaterOrEqual(span{pages: pages, chunk: -1}, func(it span) bool {
		out, found = it, true
		return false
	})
	return out, found
}

func (p *pageAllocator) addFree(s span) {
	p.bySize.ReplaceOrInsert(s)
	p.byAddr.ReplaceOrInsert(s)
}

func (p *pageAllocator) removeFree(s span) {
	p.bySize.Delete(s)
	p.byAddr.Delete(s)
}

// mapChunk 映射新块并把它整体加入空闲表；调用方持有锁
func (p *pageAllocator) mapChunk(pages int, dedicated bool) (*chunk, error) {
	size := pages * p.pageSize
	if p.limit > 0 && p.mapped+size > p.limit {
		return nil, errors.WithStack(fmt.Errorf("%w: mapping %d bytes would exceed limit %d (mapped %d)",
			ErrCodeSpaceExhausted, size, p.limit, p.mapped))
	}
	mem, err := p.mapper.Map(size, ProtNone)
	if err != nil {
		return nil, errors.WithStack(fmt.Errorf("%w: %v", ErrCodeSpaceExhausted, err))
	}
	c := &chunk{id: p.nextID, mem: mem, pages: pages, dedicated: dedicated}
	p.nextID++
	p.chunks[c.id] = c
	p.mapped += size
	p.addFree(span{chunk: c.id, start: 0, pages: pages})
	return c, nil
}

func (p *pageAllocator) take(c *chunk, start, pages int) *Region {
	p.inUse += pages * p.pageSize
	p.allocs++
	off := start * p.pageSize
	return &Region{
		mem:       c.mem[off : off+pages*p.pageSize : off+pages*p.pageSize],
		chunk:     c.id,
		start:     start,
		pages:     pages,
		dedicated: c.dedicated,
	}
}

// AllocStats 分配器统计
type AllocStats struct {
	PageSize  int         `json:"page_size"`
	Mapped    int         `json:"mapped"`
	InUse     int         `json:"in_use"`
	Allocs    int         `json:"allocs"`
	Frees     int         `json:"frees"`
	Chunks    []ChunkInfo `json:"chunks"`
	FreeSpans map[int]int `json:"free_spans"` // 页数 -> 段数
}

type ChunkInfo struct {
	ID        int    `json:"id"`
	Addr      string `json:"addr"`
	Pages     int    `json:"pages"`
	Dedicated bool   `json:"dedicated"`
}

func (p *pageAllocator) stats() AllocStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := AllocStats{
		PageSize:  p.pageSize,
		Mapped:    p.mapped,
		InUse:     p.inUse,
		Allocs:    p.allocs,
		Frees:     p.frees,
		FreeSpans: make(map[int]int),
	}
	p.byAddr.Ascend(func(s span) bool {
		st.FreeSpans[s.pages]++
		return true
	})
	for _, c := range p.chunks {
		st.Chunks = append(st.Chunks, ChunkInfo{
			ID:        c.id,
			Addr:      fmt.Sprintf("%#x", uintptr(unsafe.Pointer(&c.mem[0]))),
			Pages:     c.pages,
			Dedicated: c.dedicated,
		})
	}
	return st
}
