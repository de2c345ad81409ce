package runtime

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novajit/internal/jit/code"
)

// CodeReleaser 归还机器码对象占用的可执行内存
type CodeReleaser interface {
	Release(obj *code.Object) error
}

// Heap 已安装机器码对象的登记表
//
// Collect 在宿主线程的 JIT 锁内回收没有调用点引用、也没有被执行帧固定的对象，
// 与编译工作线程写入代码区互斥。
type Heap struct {
	releaser CodeReleaser
	logger   *zap.Logger

	mu      sync.Mutex
	objects map[*code.Object]struct{}

	reclaimed atomic.Int64
}

// NewHeap 创建登记表
func NewHeap(releaser CodeReleaser, logger *zap.Logger) *Heap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heap{
		releaser: releaser,
		logger:   logger.Named("heap"),
		objects:  make(map[*code.Object]struct{}),
	}
}

// Register 登记对象；重复登记无副作用
func (h *Heap) Register(obj *code.Object) {
	h.mu.Lock()
	h.objects[obj] = struct{}{}
	h.mu.Unlock()
}

// Len 登记的对象数
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

// Reclaimed 累计回收数
func (h *Heap) Reclaimed() int64 {
	return h.reclaimed.Load()
}

// Collect 回收可回收的对象，返回回收数量
func (h *Heap) Collect(t *Thread) (int, error) {
	lock := t.JITLock()
	lock.Lock(t.Owner())
	defer lock.Unlock(t.Owner())

	h.mu.Lock()
	var dead []*code.Object
	for obj := range h.objects {
		if obj.Reclaimable() {
			dead = append(dead, obj)
			delete(h.objects, obj)
		}
	}
	h.mu.Unlock()

	var err error
	for _, obj := range dead {
		if h.releaser != nil {
			err = multierr.Append(err, h.releaser.Release(obj))
		} else {
			err = multierr.Append(err, obj.Free())
		}
	}
	h.reclaimed.Add(int64(len(dead)))
	if len(dead) > 0 {
		h.logger.Debug("code objects reclaimed", zap.Int("count", len(dead)), zap.Stringer("thread", t))
	}
	return len(dead), err
}
