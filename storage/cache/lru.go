package cache

import (
	"container/list"
	"fmt"
	"sync"
)

// LRUCache 定义 LRUCache 结构体，并发安全
type LRUCache[K comparable, V any] struct {
	// capacity 是缓存的最大容量
	capacity int
	// cache 是用于快速查找的哈希表
	cache map[K]*list.Element
	// list 是用于维护最近使用顺序的双向链表
	list *list.List
	mu   sync.Mutex
}

// entry 定义双向链表节点存储的数据
type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRUCache 初始化一个新的 LRUCache
func NewLRUCache[K comparable, V any](capacity int) *LRUCache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		cache:    make(map[K]*list.Element),
		list:     list.New(),
	}
}

// Insert 插入或更新键值对
func (c *LRUCache[K, V]) Insert(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exist := c.cache[key]; exist {
		c.list.MoveToFront(elem)
		elem.Value.(*entry[K, V]).value = value
		return nil
	}

	newElem := c.list.PushFront(&entry[K, V]{key: key, value: value})
	c.cache[key] = newElem
	// 如果超出容量，移除最久未使用的元素
	if c.list.Len() > c.capacity {
		c.removeOldest()
	}
	return nil
}

// Find 查找键对应的值
func (c *LRUCache[K, V]) Find(key K) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	var zero V
	return zero, fmt.Errorf("cannot find value [%v] in LRU cache", key)
}

// Get 查找键对应的值，并返回布尔值表示是否存在
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if elem, exist := c.cache[key]; exist {
		c.list.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, true
	}
	return zero, false
}

// Delete 删除指定键
func (c *LRUCache[K, V]) Delete(key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exist := c.cache[key]; exist {
		c.list.Remove(elem)
		delete(c.cache, key)
		return nil
	}
	return fmt.Errorf("cannot find value [%v] in LRU cache", key)
}

// Exist 判断键是否存在
func (c *LRUCache[K, V]) Exist(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exist := c.cache[key]
	return exist
}

// Len 返回缓存项数量
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// DeleteFunc 删除所有满足条件的键
func (c *LRUCache[K, V]) DeleteFunc(match func(key K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.list.Front(); elem != nil; {
		next := elem.Next()
		if e := elem.Value.(*entry[K, V]); match(e.key) {
			c.list.Remove(elem)
			delete(c.cache, e.key)
			removed++
		}
		elem = next
	}
	return removed
}

// Purge 清空整个缓存
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.cache = make(map[K]*list.Element)
}

// removeOldest 移除最久未使用的元素，调用方持有锁
func (c *LRUCache[K, V]) removeOldest() {
	if oldest := c.list.Back(); oldest != nil {
		c.list.Remove(oldest)
		delete(c.cache, oldest.Value.(*entry[K, V]).key)
	}
}
