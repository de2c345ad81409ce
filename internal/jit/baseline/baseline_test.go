package baseline

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/asm"
)

func newTranslator() *Translator {
	return NewTranslator(FakeStubs)
}

// stepSites 按原生 PC 表把指令流切分为每个字节码步骤的指令
func stepSites(t *testing.T, text, table []byte) [][]asm.Inst {
	t.Helper()
	insts, err := asm.Decode(text)
	if err != nil {
		t.Fatalf("decode: %v\n%s", err, asm.Format(text))
	}
	var out [][]asm.Inst
	for _, r := range Ranges(table, 0) {
		var step []asm.Inst
		for _, in := range insts {
			if in.Offset >= r[0] && in.Offset < r[1] {
				step = append(step, in)
			}
		}
		out = append(out, step)
	}
	return out
}

func countOp(insts []asm.Inst, op asm.Mnemonic) int {
	n := 0
	for _, in := range insts {
		if in.Op == op {
			n++
		}
	}
	return n
}

func findOp(insts []asm.Inst, op asm.Mnemonic) (asm.Inst, bool) {
	for _, in := range insts {
		if in.Op == op {
			return in, true
		}
	}
	return asm.Inst{}, false
}

// TestConcreteCompileScenario [LDAI 5][ADD2 v0][RETURN]
func TestConcreteCompileScenario(t *testing.T) {
	m := bytecode.NewBuilder().
		Ldai(5).
		Emit(bytecode.OpAdd2Imm8V8, 0, 0).
		Emit(bytecode.OpReturn).
		MustBuild("add5", 1, 1)

	desc, err := newTranslator().Compile(m)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	table := desc.SideTable()
	if len(table) != 3 {
		t.Fatalf("expected 3 pc table entries, got %d", len(table))
	}

	steps := stepSites(t, desc.Text(), table)

	// 第一步：内联 mov r12, tagged(5)
	if len(steps[0]) != 1 || steps[0][0].Op != asm.MMovImm || steps[0][0].Dst != asm.AccReg {
		t.Errorf("step 0: expected a single inline move into acc, got %v", steps[0])
	}
	if uint64(steps[0][0].Imm) != bytecode.TaggedInt(5) {
		t.Errorf("step 0: immediate %#x, want %#x", uint64(steps[0][0].Imm), bytecode.TaggedInt(5))
	}
	for i := 1; i < 3; i++ {
		if n := countOp(steps[i], asm.MCall); n != 1 {
			t.Errorf("step %d: expected 1 stub call, got %d", i, n)
		}
	}

	var symbols []string
	for _, r := range desc.Relocs() {
		symbols = append(symbols, r.Symbol)
	}
	want := []string{"BaselineAdd2Imm8V8", "BaselineReturn"}
	if diff := cmp.Diff(want, symbols); diff != "" {
		t.Errorf("stub calls mismatch (-want +got):\n%s", diff)
	}

	// ADD2 的结果写回累加器，RETURN 不写
	if last := steps[1][len(steps[1])-1]; last.Op != asm.MMov || last.Dst != asm.AccReg || last.Src != asm.RAX {
		t.Errorf("ADD2 should end with mov r12, rax, got %v", last)
	}
}

// TestTableLengthInvariant 测试表项数与增量和
func TestTableLengthInvariant(t *testing.T) {
	m := bytecode.NewBuilder().
		Emit(bytecode.OpLdUndefined).
		Emit(bytecode.OpStaV8, 1).
		Emit(bytecode.OpNop).
		Emit(bytecode.OpMovV4V4, 1, 2).
		Emit(bytecode.OpMovV16V16, 300, 2).
		Fldai(1.5).
		Emit(bytecode.OpLdaStrId16, 7).
		Emit(bytecode.OpIncImm8, 0).
		Emit(bytecode.OpReturnUndefined).
		MustBuild("seq", 0, 301)

	c, err := newTranslator().translate(m)
	if err != nil {
		t.Fatal(err)
	}
	if c.table.Len() != 9 {
		t.Errorf("table has %d entries, want 9", c.table.Len())
	}
	if c.table.Total() != c.a.Len() {
		t.Errorf("sum of deltas %d != emitted size %d", c.table.Total(), c.a.Len())
	}
	// NOP 不发射代码
	if c.table.Bytes()[2] != 0 {
		t.Errorf("NOP delta = %d, want 0", c.table.Bytes()[2])
	}
}

// jumpMethod 前向与后向跳转指向同一偏移
//
//	0  LDAI 1
//	5  JMP_IMM8   -> 8
//	7  NOP
//	8  NOP                 <- L
//	9  JEQZ_IMM16 -> 8
//	12 RETURNUNDEFINED
func jumpMethod() *bytecode.Method {
	return bytecode.NewBuilder().
		Ldai(1).
		Jump(bytecode.OpJmpImm8, "L").
		Emit(bytecode.OpNop).
		Mark("L").
		Emit(bytecode.OpNop).
		Jump(bytecode.OpJeqzImm16, "L").
		Emit(bytecode.OpReturnUndefined).
		MustBuild("loop", 0, 1)
}

// TestCollectBranchTargets 测试跳转目标扫描与符号扩展
func TestCollectBranchTargets(t *testing.T) {
	got := CollectBranchTargets(jumpMethod().Code)
	want := map[int]struct{}{8: {}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}

	// 各宽度的负偏移
	code := []byte{
		byte(bytecode.OpNop),                   // 0
		byte(bytecode.OpJmpImm8), 0xFF,         // 1: -1 -> 0
		byte(bytecode.OpJnezImm16), 0xFD, 0xFF, // 3: -3 -> 0
		byte(bytecode.OpJeqzImm32), 0xFA, 0xFF, 0xFF, 0xFF, // 6: -6 -> 0
		byte(bytecode.OpJneNullImm8), 0x02, // 11: +2 -> 13
		byte(bytecode.OpReturn), // 13
	}
	got = CollectBranchTargets(code)
	want = map[int]struct{}{0: {}, 13: {}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sign-extended targets mismatch (-want +got):\n%s", diff)
	}
}

// TestLabelCompleteness 测试翻译结束后所有标签都已绑定
func TestLabelCompleteness(t *testing.T) {
	m := bytecode.NewBuilder().
		Mark("top").
		Ldai(0).
		Jump(bytecode.OpJeqzImm8, "end").
		Jump(bytecode.OpJnezImm32, "mid").
		Emit(bytecode.OpNop).
		Mark("mid").
		Jump(bytecode.OpJeqNullImm16, "top").
		Jump(bytecode.OpJneUndefinedImm8, "mid").
		Jump(bytecode.OpJmpImm16, "top").
		Mark("end").
		Emit(bytecode.OpReturnUndefined).
		MustBuild("labels", 0, 0)

	c, err := newTranslator().translate(m)
	if err != nil {
		t.Fatal(err)
	}
	if c.resolver.Labels() != 3 {
		t.Errorf("expected 3 labels, got %d", c.resolver.Labels())
	}
	if u := c.resolver.Unbound(); len(u) != 0 {
		t.Errorf("unbound labels at %v", u)
	}
	for off, l := range c.resolver.labels {
		if !l.IsBound() {
			t.Errorf("label for offset %d not bound", off)
		}
	}
}

// TestJumpParity 测试前向与后向跳转解析到同一标签
func TestJumpParity(t *testing.T) {
	m := jumpMethod()
	c, err := newTranslator().translate(m)
	if err != nil {
		t.Fatal(err)
	}
	if c.resolver.Labels() != 1 {
		t.Fatalf("expected one label for offset 8, got %d", c.resolver.Labels())
	}
	l := c.resolver.ResolveOrCreate(8)
	if l != c.resolver.ResolveOrCreate(8) {
		t.Fatal("ResolveOrCreate returned different labels for the same offset")
	}

	text := c.a.Finalize()
	steps := stepSites(t, text, c.table.Bytes())
	ranges := Ranges(c.table.Bytes(), 0)

	fwd, ok := findOp(steps[1], asm.MJmp)
	if !ok {
		t.Fatalf("forward JMP emitted no jmp: %v", steps[1])
	}
	back, ok := findOp(steps[4], asm.MJmp)
	if !ok {
		t.Fatalf("backward JEQZ emitted no jmp: %v", steps[4])
	}
	// 标签绑定在第 3 步（偏移 8）的起始处
	if fwd.Target != l.Pos() || back.Target != l.Pos() || l.Pos() != ranges[3][0] {
		t.Errorf("targets fwd=%#x back=%#x label=%#x step3=%#x", fwd.Target, back.Target, l.Pos(), ranges[3][0])
	}
}

// TestConditionalBranchComparesCanonicalFalse 测试条件跳转与规范布尔值比较
func TestConditionalBranchComparesCanonicalFalse(t *testing.T) {
	tests := []struct {
		op   bytecode.OpCode
		val  uint64
		exit asm.Cond
	}{
		{bytecode.OpJeqzImm8, bytecode.ValueFalse, asm.CondNE},
		{bytecode.OpJnezImm8, bytecode.ValueFalse, asm.CondE},
		{bytecode.OpJeqNullImm8, bytecode.ValueNull, asm.CondNE},
		{bytecode.OpJneNullImm8, bytecode.ValueNull, asm.CondE},
		{bytecode.OpJeqUndefinedImm8, bytecode.ValueUndefined, asm.CondNE},
		{bytecode.OpJneUndefinedImm8, bytecode.ValueUndefined, asm.CondE},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			m := bytecode.NewBuilder().
				Jump(tt.op, "out").
				Mark("out").
				Emit(bytecode.OpReturnUndefined).
				MustBuild("cond", 0, 0)
			desc, err := newTranslator().Compile(m)
			if err != nil {
				t.Fatal(err)
			}
			steps := stepSites(t, desc.Text(), desc.SideTable())
			cmpInst, ok := findOp(steps[0], asm.MCmpImm)
			if !ok || cmpInst.Dst != asm.AccReg || uint64(cmpInst.Imm) != tt.val {
				t.Errorf("expected cmp r12, %#x, got %v", tt.val, steps[0])
			}
			jcc, ok := findOp(steps[0], asm.MJcc)
			if !ok || jcc.Cond != tt.exit {
				t.Errorf("expected exit j%s, got %v", tt.exit, jcc)
			}
			// 不跳转路径越过热度更新与 jmp
			if jcc.Target != int(desc.SideTable()[0]) {
				t.Errorf("exit label at %#x, want end of step", jcc.Target)
			}
			if n := countOp(steps[0], asm.MCall); n != 1 {
				t.Errorf("expected hotness stub call on taken path, got %d calls", n)
			}
		})
	}
}

// TestUnsupportedOpcodeSkipped 测试不支持的操作码被跳过
func TestUnsupportedOpcodeSkipped(t *testing.T) {
	m := bytecode.NewBuilder().
		Ldai(1).
		Emit(bytecode.OpDefineFunc, 0, 3, 1).
		Emit(bytecode.OpCreateEmptyObject).
		Emit(bytecode.OpReturn).
		MustBuild("partial", 0, 0)

	c, err := newTranslator().translate(m)
	if err != nil {
		t.Fatalf("unsupported opcodes must not fail translation: %v", err)
	}
	deltas := c.table.Bytes()
	if len(deltas) != 4 || deltas[1] != 0 || deltas[2] != 0 {
		t.Errorf("unexpected deltas %v", deltas)
	}
	if c.skipped != 2 {
		t.Errorf("skipped %d opcodes, want 2", c.skipped)
	}
	if Supported(bytecode.OpThrow) || !Supported(bytecode.OpAdd2Imm8V8) {
		t.Error("Supported reports wrong subset")
	}
}

// TestMaxStepExpansion 每个支持的操作码在最坏操作数下的原生代码增长不超过一个字节
func TestMaxStepExpansion(t *testing.T) {
	maxDelta, maxOp := 0, bytecode.OpNop
	for i := 0; i < 256; i++ {
		op := bytecode.OpCode(i)
		if !op.IsValid() || !Supported(op) {
			continue
		}
		ins := make([]byte, op.Size())
		ins[0] = byte(op)
		if !op.IsJump() {
			for j := 1; j < len(ins); j++ {
				ins[j] = 0xFF
			}
		}
		// 跳转偏移为 0：目标即自身
		c, err := newTranslator().translate(bytecode.NewMethod(op.String(), ins, 0, 0xFFFF))
		if err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		if d := int(c.table.Bytes()[0]); d > maxDelta {
			maxDelta, maxOp = d, op
		}
	}
	if maxDelta > MaxPcDelta {
		t.Fatalf("%s expands to %d bytes, exceeds one-byte delta", maxOp, maxDelta)
	}
	t.Logf("largest step: %s = %d bytes", maxOp, maxDelta)
}

// TestPcDeltaOverflowPanics 测试增量溢出属于翻译器缺陷
func TestPcDeltaOverflowPanics(t *testing.T) {
	defer func() {
		r := recover()
		if msg, _ := r.(string); !strings.Contains(msg, "native pc delta overflow") {
			t.Fatalf("expected overflow panic, got %v", r)
		}
	}()
	tbl := NewNativePcOffsetTable(0)
	tbl.AddPosition(10)
	tbl.AddPosition(10 + MaxPcDelta + 1)
}

// TestBadBranchTarget 测试跳入指令中间或越界
func TestBadBranchTarget(t *testing.T) {
	tests := map[string][]byte{
		"mid instruction": {byte(bytecode.OpJmpImm8), 0x03, byte(bytecode.OpLdaiImm32), 1, 0, 0, 0},
		"past end":        {byte(bytecode.OpJmpImm8), 0x10, byte(bytecode.OpReturn)},
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := newTranslator().Compile(bytecode.NewMethod(name, code, 0, 0))
			if !errors.Is(err, ErrBadBranchTarget) {
				t.Errorf("got %v, want ErrBadBranchTarget", err)
			}
		})
	}

	if _, err := newTranslator().Compile(bytecode.NewMethod("trunc", []byte{byte(bytecode.OpLdaiImm32), 1}, 0, 0)); err == nil {
		t.Error("expected error for truncated method")
	}
}

type recordingRegistrar struct {
	text []byte
	err  error
}

func (r *recordingRegistrar) Register(text []byte) error {
	r.text = append([]byte(nil), text...)
	return r.err
}

// TestCompileRegistersWithSigner 测试代码签名登记
func TestCompileRegistersWithSigner(t *testing.T) {
	m := jumpMethod()

	reg := &recordingRegistrar{}
	desc, err := newTranslator().CompileWith(m, reg)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(reg.text, desc.Text()) {
		t.Error("registered text differs from descriptor text")
	}

	reg = &recordingRegistrar{err: errors.New("signer offline")}
	if _, err := newTranslator().CompileWith(m, reg); err == nil || !strings.Contains(err.Error(), "signer offline") {
		t.Errorf("expected signer error, got %v", err)
	}
}

// TestTranslateTrace 测试逐条翻译的调试日志
func TestTranslateTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tr := NewTranslator(FakeStubs, WithLogger(zap.New(core)))

	if _, err := tr.Compile(jumpMethod()); err != nil {
		t.Fatal(err)
	}
	if n := logs.FilterMessage("translate").Len(); n != 6 {
		t.Errorf("expected 6 translate entries, got %d", n)
	}
	if n := logs.FilterMessage("compiled").Len(); n != 1 {
		t.Errorf("expected 1 compiled entry, got %d", n)
	}
	if e := logs.FilterMessage("compiled").All()[0]; e.LoggerName != "baseline" {
		t.Errorf("logger name %q", e.LoggerName)
	}
}
