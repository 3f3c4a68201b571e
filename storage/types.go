package storage

import (
	"os"
	"sync/atomic"

	"LogKV/storage/reclaim"
)

// CommandKind 日志命令的类型
type CommandKind uint32

const (
	CmdSet    CommandKind = iota // 写入
	CmdRemove                    // 删除（墓碑）
)

func (k CommandKind) String() string {
	switch k {
	case CmdSet:
		return "set"
	case CmdRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Command 是持久化到日志中的最小单位，写入后不可变
type Command struct {
	Kind      CommandKind // 命令类型
	Timestamp int64       // 写入时间戳（纳秒）
	Key       string      // 键
	Value     []byte      // 值，删除命令为空
}

// SetCommand 构造一条写入命令
func SetCommand(key string, value []byte) Command {
	return Command{Kind: CmdSet, Key: key, Value: value}
}

// RemoveCommand 构造一条删除命令
func RemoveCommand(key string) Command {
	return Command{Kind: CmdRemove, Key: key}
}

// Pointer 日志指针，唯一定位段内的一条序列化记录
// 它是可比较的值类型，索引以整值原子发布
type Pointer struct {
	SegmentID int    // 段ID
	Offset    int64  // 记录在段中的偏移量
	Size      uint32 // 记录的大小（字节数）
}

// IndexItem 是索引快照中的一项
type IndexItem struct {
	Key string
	Ptr Pointer
}

// Segment 表示一个追加写的段文件
type Segment struct {
	ID     int          // 段ID（代数），单调递增
	Path   string       // 文件的完整路径
	File   *os.File     // 文件句柄，读者通过 ReadAt 共享，不存在共享的 seek 位置
	Offset atomic.Int64 // 当前写入位置，即已写入的字节数
	Stale  atomic.Int64 // 被更新的写入或删除覆盖掉的字节数
	Sealed atomic.Bool  // 是否已封存，封存后不再接受追加
	Slot   reclaim.Slot // 回收槽位：读者固定计数 + 退役标志
}

// Size 返回段当前的字节数
func (s *Segment) Size() int64 {
	return s.Offset.Load()
}

// StaleRatio 返回段中失效数据的比例
func (s *Segment) StaleRatio() float64 {
	size := s.Offset.Load()
	if size == 0 {
		return 0
	}
	return float64(s.Stale.Load()) / float64(size)
}

// SegmentInfo 是段状态的只读快照
type SegmentInfo struct {
	ID     int
	Size   int64
	Stale  int64
	Sealed bool
}

// EngineStats 存储引擎的运行统计
type EngineStats struct {
	Keys              int   `json:"keys"`
	Segments          int   `json:"segments"`
	ActiveSegment     int   `json:"active_segment"`
	TotalBytes        int64 `json:"total_bytes"`
	StaleBytes        int64 `json:"stale_bytes"`
	Compactions       int64 `json:"compactions"`
	RaceSkips         int64 `json:"race_skips"`
	ReclaimedSegments int64 `json:"reclaimed_segments"`
	CacheHits         int64 `json:"cache_hits"`
}
