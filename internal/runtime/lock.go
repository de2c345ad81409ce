package runtime

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Owner 锁持有者标识；同一持有者可重入
type Owner uint64

// NoOwner 表示锁空闲
const NoOwner Owner = 0

var ownerSeq atomic.Uint64

// NewOwner 分配新的持有者标识
func NewOwner() Owner {
	return Owner(ownerSeq.Inc())
}

// RecursiveMutex 可重入互斥锁
//
// 同一 Owner 可重复加锁，解锁次数与加锁次数相同后才真正释放。
// 从首次加锁到最终释放的时长超过阈值时记录 Warn 日志并计数。
type RecursiveMutex struct {
	name      string
	warnAfter time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	owner    Owner
	depth    int
	acquired time.Time

	longHolds atomic.Int64
	maxHold   atomic.Duration
}

// NewRecursiveMutex 创建锁；warnAfter 为 0 时不检查持有时长
func NewRecursiveMutex(name string, warnAfter time.Duration, logger *zap.Logger) *RecursiveMutex {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &RecursiveMutex{
		name:      name,
		warnAfter: warnAfter,
		logger:    logger.Named("lock"),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock 以 owner 身份加锁
func (m *RecursiveMutex) Lock(owner Owner) {
	if owner == NoOwner {
		panic("recursive mutex: lock without owner")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.owner != NoOwner && m.owner != owner {
		m.cond.Wait()
	}
	if m.depth == 0 {
		m.owner = owner
		m.acquired = time.Now()
	}
	m.depth++
}

// TryLock 不等待地尝试加锁
func (m *RecursiveMutex) TryLock(owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != NoOwner && m.owner != owner {
		return false
	}
	if m.depth == 0 {
		m.owner = owner
		m.acquired = time.Now()
	}
	m.depth++
	return true
}

// Unlock 释放一层；非持有者解锁是程序错误
func (m *RecursiveMutex) Unlock(owner Owner) {
	m.mu.Lock()
	if m.owner != owner || m.depth == 0 {
		m.mu.Unlock()
		panic(fmt.Sprintf("recursive mutex %s: unlock by non-owner %d (owner %d)", m.name, owner, m.owner))
	}
	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return
	}
	held := time.Since(m.acquired)
	m.owner = NoOwner
	m.cond.Signal()
	m.mu.Unlock()

	m.observe(owner, held)
}

func (m *RecursiveMutex) observe(owner Owner, held time.Duration) {
	for {
		max := m.maxHold.Load()
		if held <= max || m.maxHold.CAS(max, held) {
			break
		}
	}
	if m.warnAfter > 0 && held > m.warnAfter {
		m.longHolds.Inc()
		m.logger.Warn("lock held too long",
			zap.String("lock", m.name),
			zap.Uint64("owner", uint64(owner)),
			zap.Duration("held", held),
			zap.Duration("threshold", m.warnAfter),
		)
	}
}

// HeldBy 是否由 owner 持有
func (m *RecursiveMutex) HeldBy(owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0 && m.owner == owner
}

// LongHolds 超过阈值的持有次数
func (m *RecursiveMutex) LongHolds() int64 {
	return m.longHolds.Load()
}

// MaxHold 观察到的最长持有时间
func (m *RecursiveMutex) MaxHold() time.Duration {
	return m.maxHold.Load()
}

// Locker 把某个持有者绑定到锁上，得到 sync.Locker
func (m *RecursiveMutex) Locker(owner Owner) sync.Locker {
	return ownedLocker{m: m, owner: owner}
}

type ownedLocker struct {
	m     *RecursiveMutex
	owner Owner
}

func (l ownedLocker) Lock()   { l.m.Lock(l.owner) }
func (l ownedLocker) Unlock() { l.m.Unlock(l.owner) }
