// Package index 实现键到日志指针的并发索引
package index

import (
	"hash/fnv"
	"sync"

	"LogKV/storage"
)

// KeyIndex 是一个分片的键索引，实现 storage.KeyIndex
//
// 读者只在单个分片上短暂持有读锁，不会等待整个修改路径；
// 所有修改（Publish/Delete/CompareAndPublish）由 mu 串行化，
// 指针以整值原子发布，并发读者只会看到旧值或新值。
type KeyIndex struct {
	shardCount int
	shards     []*SwissIndex[string, storage.Pointer]
	mu         sync.Mutex // 修改操作互斥，与读者无关
}

var _ storage.KeyIndex = (*KeyIndex)(nil)

// NewKeyIndex 创建一个新的分片索引
// shardCount 分片数量，swissTableSize 每个分片的初始容量
func NewKeyIndex(shardCount int, swissTableSize uint32) *KeyIndex {
	if shardCount <= 0 {
		shardCount = 1
	}
	if swissTableSize == 0 {
		swissTableSize = 1 << 10 // 默认大小为 1024
	}
	idx := &KeyIndex{
		shardCount: shardCount,
		shards:     make([]*SwissIndex[string, storage.Pointer], shardCount),
	}
	for i := range idx.shards {
		idx.shards[i] = NewSwissIndex[string, storage.Pointer](swissTableSize)
	}
	return idx
}

// getShard 根据键计算哈希值并返回对应的分片
func (idx *KeyIndex) getShard(key string) *SwissIndex[string, storage.Pointer] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return idx.shards[h.Sum32()%uint32(idx.shardCount)]
}

// Lookup 查找键当前的日志指针
func (idx *KeyIndex) Lookup(key string) (storage.Pointer, bool) {
	return idx.getShard(key).Get(key)
}

// Publish 发布键的新指针，返回被替换的旧指针
func (idx *KeyIndex) Publish(key string, ptr storage.Pointer) (storage.Pointer, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.getShard(key).Put(key, ptr)
}

// Delete 删除键，返回被删除的指针
func (idx *KeyIndex) Delete(key string) (storage.Pointer, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.getShard(key).Del(key)
}

// CompareAndPublish 仅当键当前指针等于 expected 时发布 ptr
// 键已被删除或已被更新的写入覆盖时返回 false
func (idx *KeyIndex) CompareAndPublish(key string, expected, ptr storage.Pointer) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	shard := idx.getShard(key)
	cur, ok := shard.Get(key)
	if !ok || cur != expected {
		return false
	}
	shard.Swap(key, ptr)
	return true
}

// Snapshot 返回所有 (键, 指针) 的拷贝
// 不同分片的拷贝不在同一时刻完成；合并依赖 CompareAndPublish 处理期间的变化
func (idx *KeyIndex) Snapshot() []storage.IndexItem {
	items := make([]storage.IndexItem, 0, idx.Len())
	for _, shard := range idx.shards {
		shard.Foreach(func(key string, ptr storage.Pointer) bool {
			items = append(items, storage.IndexItem{Key: key, Ptr: ptr})
			return true
		})
	}
	return items
}

// Len 返回键的数量
func (idx *KeyIndex) Len() int {
	n := 0
	for _, shard := range idx.shards {
		n += shard.Count()
	}
	return n
}

// Clear 清空所有分片
func (idx *KeyIndex) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var wg sync.WaitGroup
	for _, shard := range idx.shards {
		wg.Add(1)
		go func(s *SwissIndex[string, storage.Pointer]) {
			defer wg.Done()
			s.Clear()
		}(shard)
	}
	wg.Wait()
}
