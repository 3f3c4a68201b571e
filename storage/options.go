package storage

import (
	"log/slog"
	"os"
	"time"
)

// MemCacheType 定义了内存缓存的类型
type MemCacheType string

// LRU 支持的内存缓存类型常量
const (
	LRU MemCacheType = "lru" // 最近最少使用缓存策略
)

// Options 存储引擎的配置选项
type Options struct {
	// 基本配置
	DataDir string       // 数据目录路径，所有段文件存放在此目录下
	Logger  *slog.Logger // 结构化日志

	// 索引相关配置
	MemIndexShardCount int    // 索引分片数量，减少修改与读取之间的冲突
	SwissTableSize     uint32 // 每个分片 SwissTable 的初始大小

	// 内存缓存相关配置（以日志指针为键，指针不可变，缓存项不会过期）
	OpenMemCache bool
	MemCacheDS   MemCacheType
	MemCacheSize int

	// 文件管理器相关配置
	MaxFileSize  int64         // 每个段文件的最大大小，超过此大小将轮转
	SyncInterval time.Duration // 活动段定期 fsync 的间隔
	SyncWrites   bool          // 每次追加后立即 fsync

	// 合并操作相关配置
	AutoMerge     bool          // 是否按 MergeInterval 定期检查并执行合并
	MergeInterval time.Duration // 自动合并检查的时间间隔
	MinMergeRatio float64       // 失效数据比例达到此值时执行合并
}

// Option 定义了配置选项的函数类型
type Option func(opt *Options)

// DefaultOptions 返回存储引擎的默认配置选项
func DefaultOptions() *Options {
	return &Options{
		DataDir: "/tmp/logkv",
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),

		MemIndexShardCount: 1 << 8,  // 默认256个分片
		SwissTableSize:     1 << 10, // 每个分片初始1024

		OpenMemCache: false,
		MemCacheDS:   LRU,
		MemCacheSize: 1 << 10,

		MaxFileSize:  64 << 20,        // 单个段最大64MB
		SyncInterval: 5 * time.Second, // 每5秒同步一次
		SyncWrites:   false,

		AutoMerge:     false,
		MergeInterval: 5 * time.Second,
		MinMergeRatio: 0.5,
	}
}

// WithDataDir 设置数据目录路径
func WithDataDir(dataDir string) Option {
	return func(opt *Options) {
		opt.DataDir = dataDir
	}
}

// WithLogger 设置日志
func WithLogger(logger *slog.Logger) Option {
	return func(opt *Options) {
		if logger != nil {
			opt.Logger = logger
		}
	}
}

func WithMemIndexShardCount(memIndexShardCount int) Option {
	return func(opt *Options) {
		opt.MemIndexShardCount = memIndexShardCount
	}
}

func WithSwissTableSize(size uint32) Option {
	return func(opt *Options) {
		opt.SwissTableSize = size
	}
}

func WithOpenMemCache(openMemCache bool) Option {
	return func(opt *Options) {
		opt.OpenMemCache = openMemCache
	}
}

func WithMemCacheDS(memCacheDS MemCacheType) Option {
	return func(opt *Options) {
		opt.MemCacheDS = memCacheDS
	}
}

func WithMemCacheSize(memCacheSize int) Option {
	return func(opt *Options) {
		opt.MemCacheSize = memCacheSize
	}
}

func WithMaxFileSize(maxFileSize int64) Option {
	return func(opt *Options) {
		opt.MaxFileSize = maxFileSize
	}
}

func WithSyncInterval(interval time.Duration) Option {
	return func(opt *Options) {
		opt.SyncInterval = interval
	}
}

func WithSyncWrites(syncWrites bool) Option {
	return func(opt *Options) {
		opt.SyncWrites = syncWrites
	}
}

func WithAutoMerge(autoMerge bool) Option {
	return func(opt *Options) {
		opt.AutoMerge = autoMerge
	}
}

func WithMergeInterval(interval time.Duration) Option {
	return func(opt *Options) {
		opt.MergeInterval = interval
	}
}

func WithMinMergeRatio(minMergeRatio float64) Option {
	return func(opt *Options) {
		opt.MinMergeRatio = minMergeRatio
	}
}
