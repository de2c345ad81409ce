package baseline

import (
	"sort"

	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/asm"
)

// CollectBranchTargets 扫描方法中所有跳转指令，返回可达的跳转目标偏移
// 目标 = 跳转指令起始偏移 + 按声明宽度符号扩展的立即数
func CollectBranchTargets(code []byte) map[int]struct{} {
	targets := make(map[int]struct{})
	for offset := 0; offset < len(code); {
		op := bytecode.OpCode(code[offset])
		if rel, ok := bytecode.JumpOffset(code[offset:]); ok {
			targets[offset+int(rel)] = struct{}{}
		}
		offset += op.Size()
	}
	return targets
}

// LabelResolver 跳转标签解析器
//
// 标签按字节码偏移惰性创建：后向跳转引用时目标已绑定，
// 前向跳转引用时先创建未绑定标签，游标到达目标时再绑定。
type LabelResolver struct {
	a       *asm.Assembler
	targets map[int]struct{}
	labels  map[int]*asm.Label
}

// NewLabelResolver 预扫描方法并创建解析器
func NewLabelResolver(a *asm.Assembler, code []byte) *LabelResolver {
	return &LabelResolver{
		a:       a,
		targets: CollectBranchTargets(code),
		labels:  make(map[int]*asm.Label),
	}
}

// IsTarget 偏移是否是跳转目标
func (r *LabelResolver) IsTarget(offset int) bool {
	_, ok := r.targets[offset]
	return ok
}

// ResolveOrCreate 返回 offset 处的标签，不存在则创建未绑定标签
func (r *LabelResolver) ResolveOrCreate(offset int) *asm.Label {
	if l, ok := r.labels[offset]; ok {
		return l
	}
	l := r.a.NewLabel()
	r.labels[offset] = l
	return l
}

// BindIfTarget 游标到达 offset 时调用；若它是跳转目标则绑定标签
func (r *LabelResolver) BindIfTarget(offset int) {
	if !r.IsTarget(offset) {
		return
	}
	r.a.Bind(r.ResolveOrCreate(offset))
}

// Unbound 返回仍未绑定的标签偏移（升序）
func (r *LabelResolver) Unbound() []int {
	var out []int
	for off, l := range r.labels {
		if !l.IsBound() {
			out = append(out, off)
		}
	}
	sort.Ints(out)
	return out
}

// Labels 返回已创建的标签数
func (r *LabelResolver) Labels() int {
	return len(r.labels)
}
