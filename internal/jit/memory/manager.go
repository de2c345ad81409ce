package memory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novajit/internal/jit/code"
)

var (
	ErrCopyFailed    = errors.New("executable memory: code copy failed")
	ErrManagerClosed = errors.New("executable memory: manager closed")
)

// FatalHandler 处理无法恢复的内存耗尽
type FatalHandler func(err error)

// Options 管理器配置
type Options struct {
	ChunkSize      int  // 每次向系统映射的块大小
	CodeSpaceLimit int  // 代码空间映射上限，0 不限
	Fort           bool // text 放入预留的 fort 区域
	FortSize       int
	DiagnosticsDir string // 诊断快照目录，空则使用临时目录

	Mapper Mapper
	Logger *zap.Logger
	// Fatal 默认记录日志后退出进程
	Fatal FatalHandler
}

// Manager 可执行内存管理器
type Manager struct {
	opts   Options
	mapper Mapper
	logger *zap.Logger
	fatal  FatalHandler

	space *pageAllocator
	fort *Fort

	mu      sync.Mutex
	objects map[*code.Object]struct{}
	closed  bool

	collected atomic.Int64
	failed    atomic.Int64
}

// NewManager 创建管理器；启用 fort 时立即预留
func NewManager(opts Options) (*Manager, error) {
	if opts.Mapper == nil {
		opts.Mapper = DefaultMapper()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 256 * units.KiB
	}

	m := &Manager{
		opts:    opts,
		mapper:  opts.Mapper,
		logger:  opts.Logger.Named("jit.memory"),
		objects: make(map[*code.Object]struct{}),
	}
	m.fatal = opts.Fatal
	if m.fatal == nil {
		m.fatal = func(err error) {
			m.logger.Fatal("executable memory exhausted", zap.Error(err))
		}
	}

	m.space = newPageAllocator(opts.Mapper, opts.ChunkSize, opts.CodeSpaceLimit, true)
	if opts.Fort {
		f, err := newFort(opts.Mapper, opts.FortSize)
		if err != nil {
			return nil, err
		}
		m.fort = f
		m.logger.Info("fort reserved", zap.String("size", units.BytesSize(float64(f.Size()))))
	}
	return m, nil
}

// PageSize 页大小
func (m *Manager) PageSize() int {
	return m.mapper.PageSize()
}

// Fort 是否把 text 放入 fort
func (m *Manager) Fort() bool {
	return m.fort != nil
}

// CollectCode 把描述符物化为机器码对象
//
//  1. 计算对象头、text、副表所需字节，按页分配区域（fort 模式下 text 单独分配）
//  2. 在写入窗口内写对象头、复制 text（有签名服务时经由签名服务）、复制副表
//  3. 窗口结束时区域降为 RX，入口地址记为 text 起始
//
// 复制失败返回错误，已分配的区域经对象的正常回收路径归还；
// 分配失败视为进程级致命错误。
func (m *Manager) CollectCode(desc *code.Descriptor, signer CodeSigner) (*code.Object, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if err := desc.Consume(); err != nil {
		return nil, err
	}

	fort := m.fort != nil
	hdr := code.Align(code.HeaderSize(fort, desc.Tier(), len(desc.Unwind())), code.HeaderAlign)
	cl := desc.Layout()
	side := desc.SideTable()

	var codeOff, sideOff, mainSize int
	if fort {
		sideOff = hdr
		mainSize = hdr + len(side)
	} else {
		codeOff = code.Align(hdr, desc.TextAlign())
		sideOff = codeOff + cl.Size
		mainSize = sideOff + len(side)
	}

	main, err := m.space.alloc(mainSize)
	if err != nil {
		return nil, m.exhausted(err)
	}
	textRegion := main
	if fort {
		if textRegion, err = m.fort.allocate(cl.Size); err != nil {
			m.space.free(main)
			return nil, m.exhausted(err)
		}
		codeOff = 0
	}

	textStart := textRegion.Addr() + uintptr(codeOff+cl.TextOff)
	layout := code.Layout{
		Base:          main.Addr(),
		Size:          main.Size(),
		Fort:          fort,
		TextStart:     textStart,
		TextSize:      desc.TextSize(),
		SideTableAddr: main.Addr() + uintptr(sideOff),
		SideTableSize: len(side),
	}
	obj := code.NewObject(desc, layout, m.releaseFunc(main, textRegion, fort))

	header := code.Header{
		InstructionSize: uint32(desc.TextSize()),
		SideTableSize:   uint32(len(side)),
		Entry:           uint64(textStart),
		Unwind:          desc.Unwind(),
	}
	if fort {
		header.InstructionsAddr = uint64(textStart)
	}

	writeCode := func(buf []byte) error {
		if n := len(desc.RodataBefore()); n > 0 {
			copy(buf[codeOff+cl.RodataBeforeOff:], desc.RodataBefore())
		}
		dst := buf[codeOff+cl.TextOff : codeOff+cl.TextOff+desc.TextSize()]
		if signer != nil {
			if err := signer.CopyCode(dst, desc.Text()); err != nil {
				return err
			}
		} else if n := copy(dst, desc.Text()); n != desc.TextSize() {
			return fmt.Errorf("copied %d of %d bytes", n, desc.TextSize())
		}
		if n := len(desc.RodataAfter()); n > 0 {
			copy(buf[codeOff+cl.RodataAfterOff:], desc.RodataAfter())
		}
		return nil
	}

	err = WithWritable(m.mapper, main.Bytes(), func(buf []byte) error {
		if _, err := header.Encode(buf, fort, desc.Tier()); err != nil {
			return err
		}
		copy(buf[sideOff:], side)
		if !fort {
			return writeCode(buf)
		}
		return nil
	})
	if err == nil && fort {
		err = WithWritable(m.mapper, textRegion.Bytes(), writeCode)
	}
	if err != nil {
		m.failed.Inc()
		err = multierr.Append(fmt.Errorf("%w: %s: %v", ErrCopyFailed, desc.Method(), err), obj.Free())
		return nil, err
	}

	if err := obj.SetEntry(textStart); err != nil {
		return nil, multierr.Append(err, obj.Free())
	}

	m.mu.Lock()
	m.objects[obj] = struct{}{}
	m.mu.Unlock()
	m.collected.Inc()

	m.logger.Debug("code collected",
		zap.String("method", desc.Method()),
		zap.Stringer("tier", desc.Tier()),
		zap.Uintptr("entry", textStart),
		zap.Int("text", desc.TextSize()),
		zap.Int("side_table", len(side)),
		zap.String("region", units.BytesSize(float64(main.Size()))),
	)
	return obj, nil
}

// releaseFunc 对象回收时归还区域
func (m *Manager) releaseFunc(main, text *Region, fort bool) func() error {
	return func() error {
		err := m.space.free(main)
		if fort {
			err = multierr.Append(err, m.fort.free(text))
		}
		return err
	}
}

// Release 回收机器码对象
func (m *Manager) Release(obj *code.Object) error {
	m.mu.Lock()
	delete(m.objects, obj)
	m.mu.Unlock()
	return obj.Free()
}

// exhausted 写诊断快照，交给致命处理器；处理器返回时把错误交还调用方
func (m *Manager) exhausted(err error) error {
	snap := m.snapshot(err)
	path, werr := WriteSnapshot(m.opts.DiagnosticsDir, snap)
	m.logger.Error("executable memory allocation failed",
		zap.Error(err),
		zap.String("snapshot", path),
		zap.NamedError("snapshot_error", werr),
		zap.String("mapped", units.BytesSize(float64(snap.Code.Mapped))),
		zap.String("in_use", units.BytesSize(float64(snap.Code.InUse))),
	)
	m.fatal(err)
	return err
}

func (m *Manager) snapshot(reason error) *Snapshot {
	m.mu.Lock()
	objects := len(m.objects)
	m.mu.Unlock()

	snap := &Snapshot{
		Time:      time.Now(),
		Reason:    reason.Error(),
		Stack:     fmt.Sprintf("%+v", reason),
		Limit:     m.opts.CodeSpaceLimit,
		ChunkSize: m.opts.ChunkSize,
		Objects:   objects,
		Code:      m.space.stats(),
	}
	if m.fort != nil {
		st := m.fort.alloc.stats()
		snap.Fort = &st
	}
	return snap
}

// Stats 管理器统计
type Stats struct {
	PageSize  int
	Mapped    int
	InUse     int
	Objects   int
	Collected int64
	Failed    int64
	FortSize  int
	FortInUse int
}

func (s Stats) String() string {
	out := fmt.Sprintf("code space %s mapped, %s in use, %d objects (%d collected, %d failed)",
		units.BytesSize(float64(s.Mapped)), units.BytesSize(float64(s.InUse)), s.Objects, s.Collected, s.Failed)
	if s.FortSize > 0 {
		out += fmt.Sprintf(", fort %s/%s", units.BytesSize(float64(s.FortInUse)), units.BytesSize(float64(s.FortSize)))
	}
	return out
}

// Stats 返回统计
func (m *Manager) Stats() Stats {
	cs := m.space.stats()
	m.mu.Lock()
	objects := len(m.objects)
	m.mu.Unlock()

	st := Stats{
		PageSize:  cs.PageSize,
		Mapped:    cs.Mapped,
		InUse:     cs.InUse,
		Objects:   objects,
		Collected: m.collected.Load(),
		Failed:    m.failed.Load(),
	}
	if m.fort != nil {
		fs := m.fort.alloc.stats()
		st.FortSize, st.FortInUse = m.fort.Size(), fs.InUse
	}
	return st
}

// Close 解除所有映射；之后的 CollectCode 返回 ErrManagerClosed
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.objects = make(map[*code.Object]struct{})
	m.mu.Unlock()

	err := m.space.close()
	if m.fort != nil {
		err = multierr.Append(err, m.fort.close())
	}
	m.logger.Debug("closed", zap.Int64("collected", m.collected.Load()))
	return err
}
