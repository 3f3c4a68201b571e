package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LogKV/config"   // 引入配置文件模块
	"LogKV/database" // 引擎选择
	"LogKV/network/server"
	"LogKV/storage/bitcask"
)

func main() {
	confPath := flag.String("conf", "./conf.yaml", "path to conf file") // 配置文件路径
	addr := flag.String("addr", "", "listen address, overrides network.addr")
	dataDir := flag.String("dir", "", "path to data, overrides base.data_dir")
	engine := flag.String("engine", "", "storage engine: kvs or pebble, overrides engine.kind")

	flag.Parse() // 解析命令行参数

	// 没有配置文件时使用默认配置
	if _, err := os.Stat(*confPath); err == nil {
		if err := config.Init(*confPath); err != nil {
			log.Fatal(err)
		}
	} else {
		log.Printf("conf file %s not found, using defaults", *confPath)
	}
	conf := config.Get()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: conf.LogLevel()}))
	slog.SetDefault(logger)

	if *dataDir != "" {
		conf.Base.DataDir = *dataDir
	}
	kind := conf.Engine.Kind
	if *engine != "" {
		kind = *engine
	}

	// 创建数据库实例
	db, err := database.Open(kind, conf.Base.DataDir, logger, database.OptionsFromConfig(conf)...)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close() // 确保程序退出前关闭数据库

	// 合并参数支持热更新
	if bc, ok := db.(*bitcask.Bitcask); ok {
		config.OnChange(func(c *config.Config) {
			if c.Merge.MinRatio > 0 {
				bc.SetMinMergeRatio(c.Merge.MinRatio)
			}
			if c.Merge.Auto && c.Merge.Interval > 0 {
				bc.StartMerge(c.Merge.Interval)
			} else {
				bc.StopMerge()
			}
		})
	}

	srv, err := server.New(db, server.NewConfig(conf, *addr), logger)
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		log.Fatal(err)
	}
	logger.Info("LogKV started", "engine", kind, "dir", conf.Base.DataDir, "addr", srv.Addr().String())

	// 设置信号处理，用于优雅关闭
	sigCh := make(chan os.Signal, 1)                      // 创建信号通道
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM) // 监听中断和终止信号

	// 在后台启动服务器
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// 等待接收终止信号
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
		}
	}

	// 停止服务器
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("error shutting down", "error", err)
	}
}
