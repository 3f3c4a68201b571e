package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper" // 用于识别配置文件，并且支持热更新
)

type BaseConfig struct {
	DataDir  string // 数据目录
	LogLevel string // 日志级别 debug/info/warn/error
}

type NetworkConfig struct {
	Addr         string        // 地址
	IdleTimeout  time.Duration // 空闲超时
	MaxConns     int           // 最大连接数
	ReadTimeout  time.Duration // 读超时时间
	WriteTimeout time.Duration // 写超时时间
}

type EngineConfig struct {
	Kind       string // 存储引擎 kvs/pebble
	SyncWrites bool   // 每次写入后 fsync
}

type MemIndexConfig struct {
	ShardCount            int // 分片数量
	SwissTableInitialSize int // SwissTable 初始大小
}

type MemCacheConfig struct {
	Enable        bool   // 启用缓存
	DataStructure string // 数据结构
	Size          int    // 缓存大小
}

type FileManagerConfig struct {
	MaxSize      int64         // 单个文件最大大小
	SyncInterval time.Duration // 同步间隔
}

type MergeConfig struct {
	Auto     bool          // 自动合并
	Interval time.Duration // 自动合并间隔
	MinRatio float64       // 最小合并比例
}

type Config struct {
	Base        BaseConfig        // 基础配置
	Network     NetworkConfig     // 网络配置
	Engine      EngineConfig      // 引擎配置
	MemIndex    MemIndexConfig    // 索引配置
	MemCache    MemCacheConfig    // 缓存配置
	FileManager FileManagerConfig // 文件管理配置
	Merge       MergeConfig       // 合并配置
}

var (
	conf      *Config      // 全局配置
	confOnce  sync.Once    // 确保配置只初始化一次
	mu        sync.RWMutex // 配置读写锁
	listeners []func(*Config)
)

// Get 获取配置，未初始化时返回默认配置
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if conf == nil {
		return loadConfig(newViper())
	}
	return conf
}

// OnChange 注册配置热更新的回调，回调在配置替换之后执行
func OnChange(fn func(*Config)) {
	mu.Lock()
	defer mu.Unlock()
	listeners = append(listeners, fn)
}

// setDefaults 配置文件中缺省的项使用的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("base.data_dir", "/tmp/logkv")
	v.SetDefault("base.log_level", "info")

	v.SetDefault("network.addr", "127.0.0.1:4000")
	v.SetDefault("network.idle_timeout", 5*time.Minute)
	v.SetDefault("network.max_conns", 1024)
	v.SetDefault("network.read_timeout", 10*time.Second)
	v.SetDefault("network.write_timeout", 10*time.Second)

	v.SetDefault("engine.kind", "kvs")
	v.SetDefault("engine.sync_writes", false)

	v.SetDefault("mem_index.shard_count", 256)
	v.SetDefault("mem_index.swiss_table_initial_size", 1024)

	v.SetDefault("mem_cache.enable", false)
	v.SetDefault("mem_cache.data_structure", "lru")
	v.SetDefault("mem_cache.size", 1024)

	v.SetDefault("file_manager.max_size", 64<<20)
	v.SetDefault("file_manager.sync_interval", 5*time.Second)

	v.SetDefault("merge.auto", true)
	v.SetDefault("merge.interval", 5*time.Second)
	v.SetDefault("merge.min_ratio", 0.5)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// 加载配置文件
func loadConfig(v *viper.Viper) *Config {
	cfg := &Config{} // 创建配置实例

	cfg.Base.DataDir = v.GetString("base.data_dir")
	cfg.Base.LogLevel = v.GetString("base.log_level")

	// 加载网络配置
	cfg.Network.Addr = v.GetString("network.addr")
	cfg.Network.IdleTimeout = v.GetDuration("network.idle_timeout")
	cfg.Network.MaxConns = v.GetInt("network.max_conns")
	cfg.Network.ReadTimeout = v.GetDuration("network.read_timeout")
	cfg.Network.WriteTimeout = v.GetDuration("network.write_timeout")

	// 加载引擎配置
	cfg.Engine.Kind = v.GetString("engine.kind")
	cfg.Engine.SyncWrites = v.GetBool("engine.sync_writes")

	// 加载索引配置
	cfg.MemIndex.ShardCount = v.GetInt("mem_index.shard_count")
	cfg.MemIndex.SwissTableInitialSize = v.GetInt("mem_index.swiss_table_initial_size")

	// 加载缓存配置
	cfg.MemCache.Enable = v.GetBool("mem_cache.enable")
	cfg.MemCache.DataStructure = v.GetString("mem_cache.data_structure")
	cfg.MemCache.Size = v.GetInt("mem_cache.size")

	// 加载文件管理配置
	cfg.FileManager.MaxSize = v.GetInt64("file_manager.max_size")
	cfg.FileManager.SyncInterval = v.GetDuration("file_manager.sync_interval")

	// 加载合并配置
	cfg.Merge.Auto = v.GetBool("merge.auto")
	cfg.Merge.Interval = v.GetDuration("merge.interval")
	cfg.Merge.MinRatio = v.GetFloat64("merge.min_ratio")

	return cfg
}

// Load 读取配置文件，不修改全局配置
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath) // 设置配置文件路径
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	return loadConfig(v), nil
}

// Init 初始化全局配置并监听配置文件变化
func Init(configPath string) error {
	var initErr error
	confOnce.Do(func() {
		v := newViper()
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("read config file %s: %w", configPath, err)
			return
		}

		mu.Lock()
		conf = loadConfig(v)
		mu.Unlock()

		// 配置文件热更新监听
		v.OnConfigChange(func(e fsnotify.Event) {
			reload(configPath, e)
		})
		v.WatchConfig()
	})
	return initErr
}

// reload 重新读取配置文件并通知所有回调
func reload(configPath string, e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	slog.Info("config file changed", "file", e.Name, "op", e.Op.String())

	newConfig, err := Load(configPath)
	if err != nil {
		slog.Error("reload config failed", "error", err)
		return
	}

	mu.Lock()
	conf = newConfig
	fns := append([]func(*Config){}, listeners...)
	mu.Unlock()

	for _, fn := range fns {
		fn(newConfig)
	}
	slog.Info("config reloaded")
}

// LogLevel 将配置中的日志级别转换为 slog.Level
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Base.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
