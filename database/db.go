// Package database 根据配置选择并打开存储引擎
package database

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"LogKV/config"
	"LogKV/database/pebble"
	"LogKV/err_def"
	"LogKV/storage"
	"LogKV/storage/bitcask"
	"LogKV/storage/file_manager"
)

// 支持的引擎
const (
	EngineKVS    = "kvs"    // 内置日志结构引擎
	EnginePebble = "pebble" // cockroachdb/pebble
)

const (
	markerFile = "engine.json" // 记录数据目录所属引擎
	pebbleDir  = "pebble"      // pebble 数据所在的子目录
)

// OptionsFromConfig 将全局配置转换为内置引擎的选项
func OptionsFromConfig(conf *config.Config) []storage.Option {
	// 存储引擎选项列表
	var bcOpts []storage.Option
	defaults := storage.DefaultOptions()

	if conf.Base.DataDir != "" {
		bcOpts = append(bcOpts, storage.WithDataDir(conf.Base.DataDir))
	}

	// 设置内存索引分片数量与初始大小
	if conf.MemIndex.ShardCount > 0 {
		bcOpts = append(bcOpts, storage.WithMemIndexShardCount(conf.MemIndex.ShardCount))
	}
	if conf.MemIndex.SwissTableInitialSize > 0 {
		bcOpts = append(bcOpts, storage.WithSwissTableSize(uint32(conf.MemIndex.SwissTableInitialSize)))
	}

	// 配置内存缓存
	if conf.MemCache.Enable {
		bcOpts = append(bcOpts, storage.WithOpenMemCache(true))
		bcOpts = append(bcOpts, storage.WithMemCacheDS(storage.MemCacheType(conf.MemCache.DataStructure)))
		bcOpts = append(bcOpts, storage.WithMemCacheSize(max(conf.MemCache.Size, 1)))
	} else {
		bcOpts = append(bcOpts, storage.WithOpenMemCache(false))
	}

	// 配置文件管理器参数
	if conf.FileManager.MaxSize > 0 {
		bcOpts = append(bcOpts, storage.WithMaxFileSize(conf.FileManager.MaxSize))
	}
	if conf.FileManager.SyncInterval > 0 {
		bcOpts = append(bcOpts, storage.WithSyncInterval(conf.FileManager.SyncInterval))
	}
	bcOpts = append(bcOpts, storage.WithSyncWrites(conf.Engine.SyncWrites))

	// 配置合并策略
	bcOpts = append(bcOpts, storage.WithAutoMerge(conf.Merge.Auto))
	if conf.Merge.Interval > 0 {
		bcOpts = append(bcOpts, storage.WithMergeInterval(conf.Merge.Interval))
	} else {
		bcOpts = append(bcOpts, storage.WithMergeInterval(defaults.MergeInterval))
	}
	if conf.Merge.MinRatio > 0 {
		bcOpts = append(bcOpts, storage.WithMinMergeRatio(conf.Merge.MinRatio))
	}

	return bcOpts
}

// Open 打开 dataDir 下的指定引擎
// 目录第一次成功打开后写入 engine.json，之后用其他引擎打开会返回 err_def.ErrEngineMismatch
func Open(kind, dataDir string, logger *slog.Logger, opts ...storage.Option) (storage.Engine, error) {
	if kind != EngineKVS && kind != EnginePebble {
		return nil, fmt.Errorf("%w: %q", err_def.ErrUnknownEngine, kind)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	marked, err := checkEngineMarker(dataDir, kind)
	if err != nil {
		return nil, err
	}

	// 参数中的目录和日志优先于选项
	opts = append(opts, storage.WithDataDir(dataDir), storage.WithLogger(logger))

	var eng storage.Engine
	switch kind {
	case EnginePebble:
		cfg := storage.DefaultOptions()
		for _, opt := range opts {
			opt(cfg)
		}
		store, err := pebble.Open(filepath.Join(dataDir, pebbleDir), cfg.SyncWrites, logger)
		if err != nil {
			return nil, err
		}
		eng = store
	default:
		db, err := bitcask.Open(opts...)
		if err != nil {
			return nil, err
		}
		eng = db
	}

	if !marked {
		if err := writeEngineMarker(dataDir, kind); err != nil {
			_ = eng.Close()
			return nil, err
		}
	}
	return eng, nil
}

// checkEngineMarker 校验引擎标记，返回标记文件是否已经存在
func checkEngineMarker(dataDir, kind string) (bool, error) {
	existing, err := readEngineMarker(filepath.Join(dataDir, markerFile))
	if err != nil {
		return false, err
	}
	marked := existing != ""
	if !marked {
		// 没有标记文件的旧目录，根据已有数据推断
		existing = detectEngine(dataDir)
	}
	if existing != "" && existing != kind {
		return false, fmt.Errorf("%w: %s was created by %q, requested %q", err_def.ErrEngineMismatch, dataDir, existing, kind)
	}
	return marked, nil
}

func writeEngineMarker(dataDir, kind string) error {
	v := viper.New()
	v.Set("engine", kind)
	if err := v.WriteConfigAs(filepath.Join(dataDir, markerFile)); err != nil {
		return fmt.Errorf("write engine marker: %w", err)
	}
	return nil
}

func readEngineMarker(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read engine marker: %w", err)
	}
	return v.GetString("engine"), nil
}

func detectEngine(dataDir string) string {
	if stat, err := os.Stat(filepath.Join(dataDir, pebbleDir)); err == nil && stat.IsDir() {
		return EnginePebble
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if _, ok := file_manager.ParseSegmentName(e.Name()); ok {
			return EngineKVS
		}
	}
	return ""
}
