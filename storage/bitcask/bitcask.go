package bitcask

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"LogKV/err_def"
	"LogKV/storage"
	"LogKV/storage/cache"
	"LogKV/storage/codec"
	"LogKV/storage/file_manager"
	"LogKV/storage/index"
)

// Bitcask 实现
type Bitcask struct {
	cfg    *storage.Options
	logger *slog.Logger

	fm       *file_manager.FileManager
	memIndex *index.KeyIndex
	memCache storage.MemCache[storage.Pointer, []byte]

	writeMu sync.Mutex // 串行化 Set/Remove 的追加与发布；合并在预留输出段和快照时也持有

	// 合并状态
	mergeRunning  atomic.Bool
	mergeMu       sync.Mutex    // 合并过程与 Close 互斥
	minMergeRatio atomic.Uint64 // float64 的位模式，可热更新
	tickerMu      sync.Mutex
	mergeStop     chan struct{}
	mergeDone     chan struct{}

	// 快照之后、重写之前调用，只在测试中设置
	afterSnapshot func()
	// Set/Remove 追加之后、发布之前调用，只在测试中设置
	afterAppend func()

	compactions atomic.Int64
	raceSkips   atomic.Int64
	cacheHits   atomic.Int64

	closed atomic.Bool
}

var (
	_ storage.Engine        = (*Bitcask)(nil)
	_ storage.Compactor     = (*Bitcask)(nil)
	_ storage.KeyLister     = (*Bitcask)(nil)
	_ storage.StatsReporter = (*Bitcask)(nil)
)

// Open 打开或创建一个 Bitcask 实例
// 按段ID升序重放所有段以重建内存索引；任何完整但损坏的记录都会使 Open 失败
func Open(options ...storage.Option) (*Bitcask, error) {
	// 初始化默认配置
	cfg := storage.DefaultOptions()
	for _, opt := range options {
		opt(cfg)
	}

	var memCache storage.MemCache[storage.Pointer, []byte]
	if cfg.OpenMemCache {
		switch cfg.MemCacheDS {
		case storage.LRU:
			memCache = cache.NewLRUCache[storage.Pointer, []byte](cfg.MemCacheSize)
		default:
			return nil, fmt.Errorf("unsupported memcache DS: %s", cfg.MemCacheDS)
		}
	}

	// 创建文件管理器
	fm, err := file_manager.NewFileManager(
		cfg.DataDir,
		cfg.MaxFileSize,
		cfg.SyncInterval,
		cfg.SyncWrites,
		cfg.Logger,
	)
	if err != nil {
		return nil, fmt.Errorf("create file manager failed: %w", err)
	}

	db := &Bitcask{
		cfg:      cfg,
		logger:   cfg.Logger,
		fm:       fm,
		memIndex: index.NewKeyIndex(cfg.MemIndexShardCount, cfg.SwissTableSize),
		memCache: memCache,
	}
	db.SetMinMergeRatio(cfg.MinMergeRatio)

	// 加载数据文件，重建内存索引
	if err := db.loadDataFiles(); err != nil {
		_ = fm.Close()
		return nil, fmt.Errorf("load data files failed: %w", err)
	}

	// 启动自动 Merge
	if cfg.AutoMerge {
		db.StartMerge(cfg.MergeInterval)
	}

	db.logger.Info("engine opened",
		"dir", cfg.DataDir,
		"keys", db.memIndex.Len(),
		"segments", len(fm.SegmentIDs()),
		"active", fm.ActiveID())
	return db, nil
}

// loadDataFiles 按段ID升序重放所有段并重建索引，随后计算每个段的失效字节数
func (db *Bitcask) loadDataFiles() error {
	for _, id := range db.fm.SegmentIDs() {
		if err := db.loadDataFile(id); err != nil {
			return fmt.Errorf("load data file %d failed: %w", id, err)
		}
	}

	// 段大小减去索引仍引用的字节数即为失效字节数
	live := make(map[int]int64)
	for _, item := range db.memIndex.Snapshot() {
		live[item.Ptr.SegmentID] += int64(item.Ptr.Size)
	}
	for _, id := range db.fm.SegmentIDs() {
		if seg := db.fm.Segment(id); seg != nil {
			seg.Stale.Store(seg.Size() - live[id])
		}
	}
	return nil
}

// loadDataFile 重放单个段，崩溃留下的半条尾部记录被截断
func (db *Bitcask) loadDataFile(id int) error {
	seg := db.fm.Segment(id)
	if seg == nil {
		return err_def.ErrFileNotFound
	}

	valid, err := codec.Scan(seg.File, seg.Size(), func(offset int64, size uint32, cmd storage.Command) error {
		switch cmd.Kind {
		case storage.CmdSet:
			db.memIndex.Publish(cmd.Key, storage.Pointer{SegmentID: id, Offset: offset, Size: size})
		case storage.CmdRemove:
			db.memIndex.Delete(cmd.Key)
		}
		return nil
	})
	if errors.Is(err, err_def.ErrTruncatedTail) {
		db.logger.Warn("truncating torn segment tail",
			"segment", id, "size", seg.Size(), "valid", valid, "cause", err)
		return db.fm.TruncateTail(id, valid)
	}
	return err
}

// Set 写入键值对
func (db *Bitcask) Set(key string, value []byte) error {
	if db.closed.Load() {
		return err_def.ErrDBClosed
	}

	data, err := codec.Encode(storage.Command{
		Kind:      storage.CmdSet,
		Timestamp: time.Now().UnixNano(),
		Key:       key,
		Value:     value,
	})
	if err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if db.closed.Load() {
		return err_def.ErrDBClosed
	}

	ptr, err := db.fm.Append(data)
	if err != nil {
		return fmt.Errorf("write record failed: %w", err)
	}
	if db.afterAppend != nil {
		db.afterAppend()
	}

	// 更新内存索引，被替换的旧记录计入其所在段的失效字节
	if old, replaced := db.memIndex.Publish(key, ptr); replaced {
		db.fm.AddStale(old.SegmentID, int64(old.Size))
	}

	if db.memCache != nil {
		_ = db.memCache.Insert(ptr, cloneBytes(value))
	}
	return nil
}

// Get 读取键值对，不持有任何引擎锁
func (db *Bitcask) Get(key string) ([]byte, error) {
	if db.closed.Load() {
		return nil, err_def.ErrDBClosed
	}
	if len(key) == 0 {
		return nil, err_def.ErrEmptyKey
	}

	var last storage.Pointer
	for {
		ptr, ok := db.memIndex.Lookup(key)
		if !ok {
			return nil, err_def.ErrKeyNotFound
		}

		// 指针不可变，缓存项不会过期
		if db.memCache != nil {
			if value, err := db.memCache.Find(ptr); err == nil {
				db.cacheHits.Add(1)
				return cloneBytes(value), nil
			}
		}

		cmd, err := db.readCommand(key, ptr)
		if errors.Is(err, err_def.ErrSegmentReclaimed) && ptr != last {
			// 合并已把键迁到新段，指针变化时重新查找
			last = ptr
			continue
		}
		if err != nil {
			return nil, err
		}

		if db.memCache != nil {
			_ = db.memCache.Insert(ptr, cloneBytes(cmd.Value))
		}
		return cmd.Value, nil
	}
}

// readCommand 固定指针所在段，读出并解码记录
func (db *Bitcask) readCommand(key string, ptr storage.Pointer) (storage.Command, error) {
	guard, err := db.fm.Pin(ptr.SegmentID)
	if err != nil {
		return storage.Command{}, err
	}
	defer guard.Release()

	data, err := db.fm.Read(ptr)
	if err != nil {
		return storage.Command{}, fmt.Errorf("read record failed: %w", err)
	}
	cmd, err := codec.Decode(data)
	if err != nil {
		return storage.Command{}, fmt.Errorf("segment %d offset %d: %w", ptr.SegmentID, ptr.Offset, err)
	}
	if cmd.Key != key || cmd.Kind != storage.CmdSet {
		return storage.Command{}, fmt.Errorf("%w: segment %d offset %d holds %s record for %q, expected set for %q",
			err_def.ErrCorruptRecord, ptr.SegmentID, ptr.Offset, cmd.Kind, cmd.Key, key)
	}
	return cmd, nil
}

// Remove 删除键；键不存在时不写入任何记录
func (db *Bitcask) Remove(key string) error {
	if db.closed.Load() {
		return err_def.ErrDBClosed
	}

	data, err := codec.Encode(storage.Command{
		Kind:      storage.CmdRemove,
		Timestamp: time.Now().UnixNano(),
		Key:       key,
	})
	if err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if db.closed.Load() {
		return err_def.ErrDBClosed
	}

	if _, ok := db.memIndex.Lookup(key); !ok {
		return err_def.ErrKeyNotFound
	}

	// 写入删除标记记录
	ptr, err := db.fm.Append(data)
	if err != nil {
		return fmt.Errorf("write delete record failed: %w", err)
	}
	if db.afterAppend != nil {
		db.afterAppend()
	}

	// 合并可能在查找之后迁移了指针，以实际删除的指针计账
	if old, ok := db.memIndex.Delete(key); ok {
		db.fm.AddStale(old.SegmentID, int64(old.Size))
	}
	// 墓碑本身从写入起就是失效数据
	db.fm.AddStale(ptr.SegmentID, int64(ptr.Size))
	return nil
}

// ListKeys 按字典序列出所有键
func (db *Bitcask) ListKeys() ([]string, error) {
	if db.closed.Load() {
		return nil, err_def.ErrDBClosed
	}

	items := db.memIndex.Snapshot()
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Fold 遍历所有键值对，f 返回 false 时停止
// 遍历期间被删除的键会被跳过
func (db *Bitcask) Fold(f func(key string, value []byte) bool) error {
	if db.closed.Load() {
		return err_def.ErrDBClosed
	}

	for _, item := range db.memIndex.Snapshot() {
		value, err := db.Get(item.Key)
		if errors.Is(err, err_def.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !f(item.Key, value) {
			return nil
		}
	}
	return nil
}

// Stats 返回引擎运行统计
func (db *Bitcask) Stats() storage.EngineStats {
	infos := db.fm.Segments()
	stats := storage.EngineStats{
		Keys:              db.memIndex.Len(),
		Segments:          len(infos),
		ActiveSegment:     db.fm.ActiveID(),
		Compactions:       db.compactions.Load(),
		RaceSkips:         db.raceSkips.Load(),
		ReclaimedSegments: db.fm.ReclaimedSegments(),
		CacheHits:         db.cacheHits.Load(),
	}
	for _, info := range infos {
		stats.TotalBytes += info.Size
		stats.StaleBytes += info.Stale
	}
	return stats
}

// SetMinMergeRatio 更新触发合并的失效数据比例
func (db *Bitcask) SetMinMergeRatio(ratio float64) {
	db.minMergeRatio.Store(math.Float64bits(ratio))
}

// MinMergeRatio 返回当前触发合并的失效数据比例
func (db *Bitcask) MinMergeRatio() float64 {
	return math.Float64frombits(db.minMergeRatio.Load())
}

// GetDataDir 返回数据目录
func (db *Bitcask) GetDataDir() string {
	return db.cfg.DataDir
}

// Sync 同步数据到磁盘
func (db *Bitcask) Sync() error {
	if db.closed.Load() {
		return err_def.ErrDBClosed
	}
	return db.fm.Sync()
}

// Close 关闭数据库：停止自动合并，等待进行中的合并与写入结束，刷盘并关闭所有段
func (db *Bitcask) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return err_def.ErrDBClosed
	}

	db.StopMerge()

	db.mergeMu.Lock()
	defer db.mergeMu.Unlock()
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if db.memCache != nil {
		db.memCache.Purge()
	}
	db.logger.Info("engine closed", "dir", db.cfg.DataDir)
	return db.fm.Close()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
