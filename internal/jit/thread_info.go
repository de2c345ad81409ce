package jit

import (
	"sync"

	"github.com/tangzhangming/novajit/internal/runtime"
)

// ThreadTaskInfo 单个宿主线程的编译任务记录
//
// live 为已提交但尚未结束的任务；queue 为已结束、等待在安全点安装的异步任务。
// 设置 skipInstall 后结束的任务直接丢弃。
type ThreadTaskInfo struct {
	thread *runtime.Thread

	mu          sync.Mutex
	cond        *sync.Cond
	live        map[*CompileTask]struct{}
	queue       []*CompileTask
	skipInstall bool
}

func newThreadTaskInfo(thread *runtime.Thread) *ThreadTaskInfo {
	info := &ThreadTaskInfo{
		thread: thread,
		live:   make(map[*CompileTask]struct{}),
	}
	info.cond = sync.NewCond(&info.mu)
	return info
}

// Thread 所属线程
func (i *ThreadTaskInfo) Thread() *runtime.Thread { return i.thread }

// Live 未结束的任务数
func (i *ThreadTaskInfo) Live() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.live)
}

// Pending 等待安装的任务数
func (i *ThreadTaskInfo) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queue)
}

// Skipping 是否已停止接收安装
func (i *ThreadTaskInfo) Skipping() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.skipInstall
}

// add 登记新提交的任务；已停止接收时返回 false
func (i *ThreadTaskInfo) add(t *CompileTask) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.skipInstall {
		return false
	}
	i.live[t] = struct{}{}
	return true
}

// done 任务结束：异步任务进入安装队列并请求安全点，停止接收时丢弃队列引用
//
// 丢弃在移出 live 之前完成，等待排空的一方返回时任务已不再占用资源。
func (i *ThreadTaskInfo) done(t *CompileTask) {
	i.mu.Lock()
	enqueue := t.mode == ModeAsync && !i.skipInstall
	if enqueue {
		i.queue = append(i.queue, t)
	}
	i.mu.Unlock()

	if !enqueue && t.mode == ModeAsync {
		t.discard()
	}

	i.mu.Lock()
	delete(i.live, t)
	i.cond.Broadcast()
	i.mu.Unlock()

	if enqueue {
		i.thread.RequestInstall()
	}
}

// abandon 任务未能进入线程池，只从未结束集合中移除
func (i *ThreadTaskInfo) abandon(t *CompileTask) {
	i.mu.Lock()
	delete(i.live, t)
	i.cond.Broadcast()
	i.mu.Unlock()
}

// takeAll 取出所有待安装任务
func (i *ThreadTaskInfo) takeAll() []*CompileTask {
	i.mu.Lock()
	defer i.mu.Unlock()
	q := i.queue
	i.queue = nil
	return q
}

// cancel 停止接收安装，清空队列，并等待所有未结束任务结束
func (i *ThreadTaskInfo) cancel() int {
	i.mu.Lock()
	i.skipInstall = true
	for t := range i.live {
		t.Cancel()
	}
	q := i.queue
	i.queue = nil
	for len(i.live) > 0 {
		i.cond.Wait()
	}
	i.mu.Unlock()

	for _, t := range q {
		t.discard()
	}
	return len(q)
}

// resume 重新接收安装
func (i *ThreadTaskInfo) resume() {
	i.mu.Lock()
	i.skipInstall = false
	i.mu.Unlock()
}
