// Package storage 定义了LogKV的存储引擎接口和常量
// 实现了基于日志结构（Bitcask模型）的键值存储系统
// 提供了持久化、索引、回收、合并等核心功能
package storage

// 存储引擎相关常量
var (
	FilePrefix = "data-" // 数据文件前缀，用于标识存储引擎的段文件
	FileSuffix = ".log"  // 数据文件后缀，表示这是一个追加写的日志段
	// RetiredSuffix 已退役段文件的后缀，等待最后一个读者释放后物理删除
	RetiredSuffix = ".del"
	// HeaderSize 记录头部大小: timestamp(8) + flags(4) + keyLen(4) + valueLen(4) = 20 bytes
	HeaderSize = 20
	// ChecksumSize 记录尾部 CRC64 校验和大小
	ChecksumSize = 8
	// MaxKeySize 键最大长度 32MB (限制单个键的最大大小，防止异常数据导致内存溢出)
	MaxKeySize = 32 << 20
	// MaxValueSize 值最大长度 32MB
	MaxValueSize = 32 << 20
)

// Engine 是 get/set/remove 的一致性契约
// 内置引擎与第三方引擎（pebble）都实现它，服务端只依赖这个接口
type Engine interface {
	Set(key string, value []byte) error // 写入键值对，覆盖旧值
	Get(key string) ([]byte, error)     // 读取键对应的值，不存在时返回 err_def.ErrKeyNotFound
	Remove(key string) error            // 删除键，不存在时返回 err_def.ErrKeyNotFound
	Close() error                       // 关闭引擎，刷盘并释放所有文件句柄
}

// Compactor 由支持手动合并的引擎实现
type Compactor interface {
	Compact(force bool) error
}

// KeyLister 由支持列出所有键的引擎实现
type KeyLister interface {
	ListKeys() ([]string, error)
}

// StatsReporter 由能够报告运行统计信息的引擎实现
type StatsReporter interface {
	Stats() EngineStats
}

// KeyIndex 定义了键索引接口：键 -> 日志指针
// 任意数量的 Lookup 可以并发执行；所有修改操作之间互斥
type KeyIndex interface {
	Lookup(key string) (Pointer, bool)                        // 查找键当前的日志指针
	Publish(key string, ptr Pointer) (Pointer, bool)          // 发布新指针，返回被替换的旧指针
	Delete(key string) (Pointer, bool)                        // 删除键，返回被删除的指针
	CompareAndPublish(key string, expected, ptr Pointer) bool // 仅当当前指针等于 expected 时发布
	Snapshot() []IndexItem                                    // 当前所有 (键, 指针) 的快照
	Len() int                                                 // 键的数量
}

// MemCache 定义了内存缓存接口
// 缓存热点数据，减少磁盘IO
type MemCache[KeyType comparable, ValueType any] interface {
	Insert(key KeyType, value ValueType) error // 插入缓存项
	Find(key KeyType) (ValueType, error)       // 查找缓存项
	Delete(key KeyType) error                  // 删除缓存项
	Exist(key KeyType) bool                    // 检查缓存项是否存在
	Purge()                                    // 清空缓存
}
