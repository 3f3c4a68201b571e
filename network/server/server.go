package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/netpoll"

	"LogKV/config"
	"LogKV/network/conn"
	"LogKV/network/handler"
	"LogKV/network/protocol"
	"LogKV/storage"
)

var (
	ErrServerClosed = errors.New("server is already closed")
	ErrMaxConns     = errors.New("max connections reached")
)

// 超过该耗时的命令计为慢命令
const slowThreshold = 10 * time.Millisecond

type Config struct {
	Addr           string        // 地址
	IdleTimeout    time.Duration // 空闲超时
	MaxConnections int           // 最大连接数
	ReadTimeout    time.Duration // 读超时时间
	WriteTimeout   time.Duration // 写超时时间
}

// NewConfig 从全局配置生成网络配置，addr 非空时覆盖配置文件中的地址
func NewConfig(conf *config.Config, addr string) *Config {
	cfg := &Config{
		Addr:           "127.0.0.1:4000",
		IdleTimeout:    5 * time.Minute,
		MaxConnections: 1024,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	} // 如果没有进行配置，则使用默认配置

	if addr != "" {
		cfg.Addr = addr
	} else if conf.Network.Addr != "" {
		cfg.Addr = conf.Network.Addr
	}
	if conf.Network.IdleTimeout > 0 {
		cfg.IdleTimeout = conf.Network.IdleTimeout
	}
	if conf.Network.MaxConns > 0 {
		cfg.MaxConnections = conf.Network.MaxConns
	}
	if conf.Network.ReadTimeout > 0 {
		cfg.ReadTimeout = conf.Network.ReadTimeout
	}
	if conf.Network.WriteTimeout > 0 {
		cfg.WriteTimeout = conf.Network.WriteTimeout
	}
	return cfg
}

type Server struct {
	cfg       *Config           // 网络配置
	handler   *handler.Handler  // 命令处理器
	logger    *slog.Logger      // 日志
	eventLoop netpoll.EventLoop // 事件循环
	listener  netpoll.Listener  // 监听器

	conns  sync.Map       // 活跃连接集合
	connWg sync.WaitGroup // 连接等待组

	stats *Stats // 统计信息
	// 已断开连接的累计字节数
	closedRead    atomic.Int64
	closedWritten atomic.Int64

	ctx     context.Context    // 上下文
	cancel  context.CancelFunc // 取消函数
	closed  bool               // 关闭状态
	closeMu sync.RWMutex       // 关闭锁

	metricsCancel context.CancelFunc // 指标取消函数
}

// New 创建服务器
func New(engine storage.Engine, cfg *Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		stats:  &Stats{StartTime: time.Now()},
		ctx:    ctx,
		cancel: cancel,
	}

	// 初始化命令处理器
	s.handler = handler.New(engine, logger)
	s.handler.SetServerStats(s.snapshot)

	opts := []netpoll.Option{
		netpoll.WithOnPrepare(func(connection netpoll.Connection) context.Context {
			return s.ctx
		}),
	}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, netpoll.WithIdleTimeout(cfg.IdleTimeout))
	}
	if cfg.ReadTimeout > 0 {
		opts = append(opts, netpoll.WithReadTimeout(cfg.ReadTimeout))
	}
	if cfg.WriteTimeout > 0 {
		opts = append(opts, netpoll.WithWriteTimeout(cfg.WriteTimeout))
	}

	eventLoop, err := netpoll.NewEventLoop(
		func(ctx context.Context, c netpoll.Connection) error {
			return s.handleConnection(ctx, c)
		},
		opts...,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create netpoll eventLoop: %w", err)
	}
	s.eventLoop = eventLoop

	return s, nil
}

// Listen 创建监听器，之后可以通过 Addr 获取实际地址
func (s *Server) Listen() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	listener, err := netpoll.CreateListener("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr 监听地址，Listen 之前返回 nil
func (s *Server) Addr() net.Addr {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start 启动服务器，阻塞直到 Stop 被调用
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.closeMu.RLock()
	listener := s.listener
	s.closeMu.RUnlock()

	s.startMetricsCollection()

	s.logger.Info("server listening", "addr", listener.Addr().String())
	if err := s.eventLoop.Serve(listener); err != nil {
		s.closeMu.RLock()
		closed := s.closed
		s.closeMu.RUnlock()
		if closed {
			return nil
		}
		return fmt.Errorf("failed to start eventLoop: %w", err)
	}

	return nil
}

// Stop 停止服务器，关闭所有连接并等待处理中的命令结束
func (s *Server) Stop(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	metricsCancel := s.metricsCancel
	s.closeMu.Unlock()

	s.cancel()

	if metricsCancel != nil {
		metricsCancel()
	}

	s.conns.Range(func(key, value any) bool {
		if c, ok := key.(*conn.Connection); ok {
			_ = c.Close()
		}
		return true
	})

	s.connWg.Wait()

	err := s.eventLoop.Shutdown(ctx)
	s.logger.Info("server stopped", "stats", s.snapshot())
	return err
}

// 处理连接
func (s *Server) handleConnection(ctx context.Context, c netpoll.Connection) error {
	return s.serveConn(ctx, c)
}

// serveConn 在一个连接上循环读取并执行命令，直到连接关闭
func (s *Server) serveConn(ctx context.Context, nc net.Conn) error {
	if s.stats.Conns() >= int64(s.cfg.MaxConnections) {
		_ = nc.Close()
		s.logger.Warn("connection rejected", "peer", nc.RemoteAddr(), "error", ErrMaxConns)
		return ErrMaxConns
	}

	connection := conn.New(s.ctx, nc)
	s.conns.Store(connection, struct{}{})
	s.stats.IncrConnCount()
	s.connWg.Add(1)
	s.logger.Debug("connection accepted", "peer", connection.RemoteAddr())

	defer func() {
		_ = connection.Close()
		s.conns.Delete(connection)
		st := connection.Stats()
		s.closedRead.Add(st.ReadBytes)
		s.closedWritten.Add(st.WriteBytes)
		s.stats.DecrConnCount()
		s.connWg.Done()
		s.logger.Debug("connection closed", "peer", connection.RemoteAddr(), "commands", st.ReadCmds)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-connection.Context().Done():
			return nil
		default:
		}

		start := time.Now()
		cmd, err := connection.ReadCommand()
		if err != nil {
			if !errors.Is(err, protocol.ErrInvalidRESP) {
				// 对端断开、超时或服务器关闭
				return nil
			}
			// 协议错误后无法定位下一条命令的边界，回复后断开
			s.stats.IncrErrorCount()
			s.logger.Warn("failed to read command", "peer", connection.RemoteAddr(), "error", err)
			_ = connection.WriteError(fmt.Errorf("ERR protocol error: %v", err))
			_ = connection.Flush()
			return nil
		}

		if err := s.handler.Handle(connection, cmd); err != nil {
			s.stats.IncrErrorCount()
			s.logger.Warn("failed to write response", "peer", connection.RemoteAddr(), "error", err)
			return nil
		}
		if err := connection.Flush(); err != nil {
			s.stats.IncrErrorCount()
			s.logger.Warn("failed to flush response", "peer", connection.RemoteAddr(), "error", err)
			return nil
		}

		s.stats.IncrCmdCount()
		if time.Since(start) > slowThreshold {
			s.stats.IncrSlowCount()
		}
	}
}

// 启动指标收集
func (s *Server) startMetricsCollection() {
	ctx, cancel := context.WithCancel(s.ctx)
	s.closeMu.Lock()
	s.metricsCancel = cancel
	s.closeMu.Unlock()

	ticker := time.NewTicker(1 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.collectMetrics()
			}
		}
	}()
}

// 收集指标
func (s *Server) collectMetrics() {
	totalReadBytes := s.closedRead.Load()
	totalWriteBytes := s.closedWritten.Load()

	s.conns.Range(func(key, value any) bool {
		if c, ok := key.(*conn.Connection); ok {
			stats := c.Stats()
			totalReadBytes += stats.ReadBytes
			totalWriteBytes += stats.WriteBytes
		}
		return true
	})

	atomic.StoreInt64(&s.stats.BytesReceived, totalReadBytes)
	atomic.StoreInt64(&s.stats.BytesSent, totalWriteBytes)
}

// snapshot 供 INFO 使用，先刷新字节统计
func (s *Server) snapshot() map[string]int64 {
	s.collectMetrics()
	return s.stats.Snapshot()
}
