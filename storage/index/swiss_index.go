package index

import (
	"sync"
	"sync/atomic"

	"github.com/dolthub/swiss"
)

// slot 保存一个键当前的指针，覆盖写只需原子替换，不修改表结构
type slot[V any] struct {
	ptr atomic.Pointer[V]
}

// SwissIndex 是一个基于瑞士表的单分片索引
// mu 只保护表结构（插入新键、删除键）；已有键的值通过 slot 原子读写
type SwissIndex[K comparable, V any] struct {
	swissTable *swiss.Map[K, *slot[V]]
	mu         sync.RWMutex
}

// NewSwissIndex 创建一个新的 SwissIndex 实例
func NewSwissIndex[K comparable, V any](size uint32) *SwissIndex[K, V] {
	return &SwissIndex[K, V]{
		swissTable: swiss.NewMap[K, *slot[V]](size),
	}
}

func (s *SwissIndex[K, V]) slotOf(key K) (*slot[V], bool) {
	s.mu.RLock()
	sl, ok := s.swissTable.Get(key)
	s.mu.RUnlock()
	return sl, ok
}

// Get 根据键获取对应的值
func (s *SwissIndex[K, V]) Get(key K) (V, bool) {
	var zero V
	sl, ok := s.slotOf(key)
	if !ok {
		return zero, false
	}
	p := sl.ptr.Load()
	if p == nil {
		return zero, false
	}
	return *p, true
}

// Put 写入键值对，返回被替换的旧值
// 调用方负责串行化所有修改操作
func (s *SwissIndex[K, V]) Put(key K, value V) (V, bool) {
	var zero V
	v := value
	if sl, ok := s.slotOf(key); ok {
		old := sl.ptr.Swap(&v)
		if old == nil {
			return zero, false
		}
		return *old, true
	}

	sl := &slot[V]{}
	sl.ptr.Store(&v)
	s.mu.Lock()
	s.swissTable.Put(key, sl)
	s.mu.Unlock()
	return zero, false
}

// Swap 仅当键存在时替换它的值，返回旧值
func (s *SwissIndex[K, V]) Swap(key K, value V) (V, bool) {
	var zero V
	sl, ok := s.slotOf(key)
	if !ok {
		return zero, false
	}
	v := value
	old := sl.ptr.Swap(&v)
	if old == nil {
		return zero, false
	}
	return *old, true
}

// Del 删除指定键，返回被删除的值
func (s *SwissIndex[K, V]) Del(key K) (V, bool) {
	var zero V
	s.mu.Lock()
	sl, ok := s.swissTable.Get(key)
	if ok {
		s.swissTable.Delete(key)
	}
	s.mu.Unlock()
	if !ok {
		return zero, false
	}
	p := sl.ptr.Load()
	if p == nil {
		return zero, false
	}
	return *p, true
}

// Foreach 遍历分片中的所有键值对，f 返回 false 时停止
func (s *SwissIndex[K, V]) Foreach(f func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.swissTable.Iter(func(key K, sl *slot[V]) bool {
		p := sl.ptr.Load()
		if p == nil {
			return false
		}
		return !f(key, *p)
	})
}

// Count 返回分片中的键数量
func (s *SwissIndex[K, V]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.swissTable.Count()
}

// Clear 清空分片
func (s *SwissIndex[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swissTable.Clear()
}
