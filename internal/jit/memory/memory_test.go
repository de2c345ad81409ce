package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/baseline"
	"github.com/tangzhangming/novajit/internal/jit/code"
)

// fakeMapper 在 Go 堆上模拟页映射，记录保护变更
type fakeMapper struct {
	mu        sync.Mutex
	pageSize  int
	mapped    int
	failMap   bool
	protLog   []Prot
	unmapped  int
	protByMem map[uintptr]Prot
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{pageSize: 4096, protByMem: make(map[uintptr]Prot)}
}

func (f *fakeMapper) PageSize() int { return f.pageSize }

func (f *fakeMapper) Map(size int, prot Prot) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMap {
		return nil, errors.New("fake: out of address space")
	}
	f.mapped += size
	mem := make([]byte, size)
	f.protByMem[uintptr(unsafe.Pointer(&mem[0]))] = prot
	return mem, nil
}

func (f *fakeMapper) Protect(mem []byte, prot Prot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protLog = append(f.protLog, prot)
	f.protByMem[uintptr(unsafe.Pointer(&mem[0]))] = prot
	return nil
}

func (f *fakeMapper) Unmap(mem []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmapped += len(mem)
	return nil
}

func (f *fakeMapper) protOf(addr uintptr) Prot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.protByMem[addr]
}

// TestSizeClass 测试尺寸类取整
func TestSizeClass(t *testing.T) {
	tests := []struct {
		pages, class int
		dedicated    bool
	}{
		{1, 1, false},
		{2, 2, false},
		{3, 4, false},
		{33, 64, false},
		{64, 64, false},
		{65, 65, true},
	}
	for _, tt := range tests {
		class, dedicated := sizeClass(tt.pages)
		if class != tt.class || dedicated != tt.dedicated {
			t.Errorf("sizeClass(%d) = %d,%v want %d,%v", tt.pages, class, dedicated, tt.class, tt.dedicated)
		}
	}
}

// TestAllocatorCoalesce 测试分配、释放与相邻空闲段合并
func TestAllocatorCoalesce(t *testing.T) {
	fm := newFakeMapper()
	p := newPageAllocator(fm, 64*4096, 0, true)

	a, err := p.alloc(100)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.alloc(3 * 4096) // 尺寸类 4 页
	if err != nil {
		t.Fatal(err)
	}
	c, err := p.alloc(4096)
	if err != nil {
		t.Fatal(err)
	}
	if a.Size() != 4096 || b.Size() != 4*4096 || c.Size() != 4096 {
		t.Fatalf("region sizes %d %d %d", a.Size(), b.Size(), c.Size())
	}

	st := p.stats()
	if st.InUse != 6*4096 || len(st.Chunks) != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	for _, r := range []*Region{b, a, c} {
		if err := p.free(r); err != nil {
			t.Fatal(err)
		}
	}
	st = p.stats()
	if diff := cmp.Diff(map[int]int{64: 1}, st.FreeSpans); diff != "" {
		t.Errorf("free spans not coalesced (-want +got):\n%s", diff)
	}
	if st.InUse != 0 || st.Allocs != 3 || st.Frees != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

// TestAllocatorDedicated 测试超大请求使用独立映射
func TestAllocatorDedicated(t *testing.T) {
	fm := newFakeMapper()
	p := newPageAllocator(fm, 64*4096, 0, true)

	r, err := p.alloc(100 * 4096)
	if err != nil {
		t.Fatal(err)
	}
	if !r.dedicated || r.Size() != 100*4096 {
		t.Fatalf("expected dedicated 100 page region, got %d pages", r.pages)
	}
	if err := p.free(r); err != nil {
		t.Fatal(err)
	}
	if fm.unmapped != 100*4096 {
		t.Errorf("dedicated mapping not unmapped: %d", fm.unmapped)
	}
	if st := p.stats(); st.Mapped != 0 || len(st.FreeSpans) != 0 {
		t.Errorf("unexpected stats after free %+v", st)
	}
}

// TestAllocatorLimit 测试代码空间上限
func TestAllocatorLimit(t *testing.T) {
	fm := newFakeMapper()
	p := newPageAllocator(fm, 64*4096, 64*4096, true)

	if _, err := p.alloc(32 * 4096); err != nil {
		t.Fatal(err)
	}
	if _, err := p.alloc(32 * 4096); err != nil {
		t.Fatal(err)
	}
	_, err := p.alloc(4096)
	if !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("got %v, want ErrCodeSpaceExhausted", err)
	}
	// pkg/errors 附带调用栈
	if s := fmt.Sprintf("%+v", err); len(s) <= len(err.Error()) {
		t.Errorf("expected stack trace in %%+v output, got %q", s)
	}
}

// TestFortDoesNotGrow 测试 fort 空间不增长
func TestFortDoesNotGrow(t *testing.T) {
	fm := newFakeMapper()
	f, err := newFort(fm, 2*4096)
	if err != nil {
		t.Fatal(err)
	}
	if f.Size() != 2*4096 {
		t.Fatalf("fort size %d", f.Size())
	}
	r, err := f.allocate(2 * 4096)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.allocate(1); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Errorf("got %v, want ErrCodeSpaceExhausted", err)
	}
	if err := f.free(r); err != nil {
		t.Fatal(err)
	}
	if fm.mapped != 2*4096 {
		t.Errorf("fort mapped %d bytes", fm.mapped)
	}
}

// TestFortLargeSpanInsideReservation 测试超过最大尺寸类的请求也只从 fort 预留范围内切分
func TestFortLargeSpanInsideReservation(t *testing.T) {
	fm := newFakeMapper()
	f, err := newFort(fm, 128*4096)
	if err != nil {
		t.Fatal(err)
	}
	var base []byte
	for _, c := range f.alloc.chunks {
		base = c.mem
	}
	lo := uintptr(unsafe.Pointer(&base[0]))
	hi := lo + uintptr(len(base))

	r, err := f.allocate(80 * 4096)
	if err != nil {
		t.Fatal(err)
	}
	if r.Addr() < lo || r.Addr()+uintptr(r.Size()) > hi {
		t.Errorf("region [%#x,+%d) outside fort [%#x,%#x)", r.Addr(), r.Size(), lo, hi)
	}
	if _, err := f.allocate(80 * 4096); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Errorf("got %v, want ErrCodeSpaceExhausted", err)
	}
	if fm.mapped != 128*4096 || len(f.alloc.chunks) != 1 {
		t.Errorf("fort grew: mapped %d, chunks %d", fm.mapped, len(f.alloc.chunks))
	}
	if err := f.free(r); err != nil {
		t.Fatal(err)
	}
	if _, err := f.allocate(100 * 4096); err != nil {
		t.Errorf("freed span not reusable: %v", err)
	}
}

// TestWithWritable 测试写入窗口总以 RX 结束
func TestWithWritable(t *testing.T) {
	fm := newFakeMapper()
	mem := make([]byte, 4096)

	if err := WithWritable(fm, mem, func(buf []byte) error {
		buf[0] = 0xC3
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	if err := WithWritable(fm, mem, func([]byte) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("got %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		_ = WithWritable(fm, mem, func([]byte) error { panic("write fault") })
	}()

	want := []Prot{ProtRW, ProtRX, ProtRW, ProtRX, ProtRW, ProtRX}
	if diff := cmp.Diff(want, fm.protLog); diff != "" {
		t.Errorf("protection sequence (-want +got):\n%s", diff)
	}
}

// TestDigestSigner 测试签名复制
func TestDigestSigner(t *testing.T) {
	text := []byte{0x49, 0x89, 0xC4, 0xC3}
	s := NewDigestSigner()

	if err := s.CopyCode(make([]byte, 4), text); !errors.Is(err, ErrSignerNotRegistered) {
		t.Errorf("unregistered: got %v", err)
	}
	if err := s.Register(text); err != nil {
		t.Fatal(err)
	}
	dst := make([]byte, 8)
	if err := s.CopyCode(dst, text); err != nil {
		t.Fatalf("CopyCode: %v", err)
	}
	if string(dst[:4]) != string(text) {
		t.Error("code not copied")
	}

	tampered := append([]byte(nil), text...)
	tampered[0] = 0x90
	if err := s.CopyCode(dst, tampered); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("tampered: got %v", err)
	}
	if err := s.CopyCode(make([]byte, 2), text); !errors.Is(err, ErrCopySizeMismatch) {
		t.Errorf("short dst: got %v", err)
	}
}

func compileScenario(t *testing.T, signer baseline.Registrar) *code.Descriptor {
	t.Helper()
	m := bytecode.NewBuilder().
		Ldai(5).
		Emit(bytecode.OpAdd2Imm8V8, 0, 0).
		Emit(bytecode.OpReturn).
		MustBuild("add5", 1, 1)
	desc, err := baseline.NewTranslator(baseline.FakeStubs).CompileWith(m, signer)
	if err != nil {
		t.Fatal(err)
	}
	return desc
}

func readMem(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// TestCollectCode 测试物化：对象头、text、副表与入口地址
func TestCollectCode(t *testing.T) {
	fm := newFakeMapper()
	m, err := NewManager(Options{Mapper: fm})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	signer := NewDigestSigner()
	desc := compileScenario(t, signer)
	obj, err := m.CollectCode(desc, signer)
	if err != nil {
		t.Fatalf("CollectCode: %v", err)
	}

	if obj.InstructionSize() <= 0 || obj.InstructionSize() != desc.TextSize() {
		t.Errorf("instruction size %d", obj.InstructionSize())
	}
	if obj.Entry() != obj.TextStart() {
		t.Errorf("entry %#x != text start %#x", obj.Entry(), obj.TextStart())
	}
	if obj.TextStart()%uintptr(desc.TextAlign()) != 0 {
		t.Errorf("text start %#x not aligned", obj.TextStart())
	}
	if got := readMem(obj.TextStart(), obj.TextSize()); string(got) != string(desc.Text()) {
		t.Error("text bytes differ from descriptor")
	}
	if got := readMem(obj.SideTableAddr(), obj.SideTableSize()); string(got) != string(desc.SideTable()) {
		t.Error("side table differs from descriptor")
	}

	h, err := code.DecodeHeader(readMem(obj.Layout().Base, 64), false, code.TierBaseline)
	if err != nil {
		t.Fatal(err)
	}
	want := code.Header{InstructionSize: uint32(desc.TextSize()), SideTableSize: 3, Entry: uint64(obj.Entry())}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if p := fm.protOf(obj.Layout().Base); p != ProtRX {
		t.Errorf("region protection %s, want r-x", p)
	}

	if _, err := m.CollectCode(desc, nil); !errors.Is(err, code.ErrDescriptorConsumed) {
		t.Errorf("second CollectCode: got %v", err)
	}

	if st := m.Stats(); st.Objects != 1 || st.Collected != 1 || st.InUse == 0 {
		t.Errorf("stats %s", st)
	}
	if err := m.Release(obj); err != nil {
		t.Fatal(err)
	}
	if st := m.Stats(); st.Objects != 0 || st.InUse != 0 {
		t.Errorf("stats after release %s", st)
	}
	if p := fm.protOf(obj.Layout().Base); p != ProtNone {
		t.Errorf("released region protection %s, want ---", p)
	}
}

type failingSigner struct{}

func (failingSigner) Register([]byte) error        { return nil }
func (failingSigner) CopyCode(dst, src []byte) error { return errors.New("signer rejected code") }

// TestCollectCodeSignerFailure 测试签名失败时不泄漏内存
func TestCollectCodeSignerFailure(t *testing.T) {
	fm := newFakeMapper()
	m, err := NewManager(Options{Mapper: fm})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_, err = m.CollectCode(compileScenario(t, nil), failingSigner{})
	if !errors.Is(err, ErrCopyFailed) {
		t.Fatalf("got %v, want ErrCopyFailed", err)
	}
	st := m.Stats()
	if st.InUse != 0 || st.Objects != 0 || st.Failed != 1 {
		t.Errorf("stats after failure %s", st)
	}
	// 失败路径也先降为 RX，再由回收路径设为不可访问
	if n := len(fm.protLog); n < 3 || fm.protLog[n-3] != ProtRW || fm.protLog[n-2] != ProtRX || fm.protLog[n-1] != ProtNone {
		t.Errorf("protection sequence %v", fm.protLog)
	}
}

// TestCollectCodeFort 测试 fort 模式
func TestCollectCodeFort(t *testing.T) {
	fm := newFakeMapper()
	m, err := NewManager(Options{Mapper: fm, Fort: true, FortSize: 16 * 4096})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	signer := NewDigestSigner()
	desc := compileScenario(t, signer)
	obj, err := m.CollectCode(desc, signer)
	if err != nil {
		t.Fatal(err)
	}
	if !obj.Layout().Fort {
		t.Fatal("expected fort layout")
	}
	h, err := code.DecodeHeader(readMem(obj.Layout().Base, 64), true, code.TierBaseline)
	if err != nil {
		t.Fatal(err)
	}
	if h.InstructionsAddr != uint64(obj.TextStart()) || h.Entry != uint64(obj.Entry()) {
		t.Errorf("fort header %+v, text %#x", h, obj.TextStart())
	}
	if got := readMem(obj.TextStart(), obj.TextSize()); string(got) != string(desc.Text()) {
		t.Error("fort text differs")
	}
	if st := m.Stats(); st.FortInUse != 4096 || st.FortSize != 16*4096 {
		t.Errorf("fort stats %s", st)
	}
}

// TestCollectCodeExhausted 测试分配失败走致命路径并写诊断快照
func TestCollectCodeExhausted(t *testing.T) {
	fm := newFakeMapper()
	fm.failMap = true
	core, logs := observer.New(zapcore.ErrorLevel)
	dir := t.TempDir()

	var fatalErr error
	m, err := NewManager(Options{
		Mapper:         fm,
		Logger:         zap.New(core),
		DiagnosticsDir: dir,
		Fatal:          func(err error) { fatalErr = err },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_, err = m.CollectCode(compileScenario(t, nil), nil)
	if !errors.Is(err, ErrCodeSpaceExhausted) || !errors.Is(fatalErr, ErrCodeSpaceExhausted) {
		t.Fatalf("got %v / fatal %v", err, fatalErr)
	}

	entries := logs.FilterMessage("executable memory allocation failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	path, _ := entries[0].ContextMap()["snapshot"].(string)
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot(%q): %v", path, err)
	}
	if snap.Code.PageSize != 4096 || snap.Reason == "" || snap.Stack == "" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

// TestCollectCodeFortTooSmall 测试 text 超过 fort 剩余空间时走致命路径而不是另行映射
func TestCollectCodeFortTooSmall(t *testing.T) {
	fm := newFakeMapper()
	var fatalErr error
	m, err := NewManager(Options{
		Mapper:         fm,
		Fort:           true,
		FortSize:       64 * 4096,
		DiagnosticsDir: t.TempDir(),
		Fatal:          func(err error) { fatalErr = err },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	desc, err := code.NewDescriptor(code.DescriptorSpec{
		Method: "big",
		Tier:   code.TierBaseline,
		Arch:   code.ArchX8664,
		Text:   make([]byte, 300*1024),
	})
	if err != nil {
		t.Fatal(err)
	}
	before := m.Stats()
	if _, err := m.CollectCode(desc, nil); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("got %v, want ErrCodeSpaceExhausted", err)
	}
	if !errors.Is(fatalErr, ErrCodeSpaceExhausted) {
		t.Errorf("fatal handler got %v", fatalErr)
	}
	after := m.Stats()
	if after.FortSize != 64*4096 || after.FortInUse != 0 || after.InUse != before.InUse {
		t.Errorf("stats before %s, after %s", before, after)
	}
}

// TestManagerClosed 测试关闭后拒绝物化
func TestManagerClosed(t *testing.T) {
	m, err := NewManager(Options{Mapper: newFakeMapper()})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CollectCode(compileScenario(t, nil), nil); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("got %v", err)
	}
}
