package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"LogKV/network/protocol"
)

type Stats struct { // 连接统计信息
	Created    time.Time // 创建时间
	LastActive time.Time // 最后活跃时间
	ReadBytes  int64     // 读取字节数
	WriteBytes int64     // 写入字节数
	ReadCmds   int64     // 读取命令数
	WriteCmds  int64     // 写入响应数
	Errors     int64     // 错误计数
}

// countingConn 统计底层连接的读写字节数
type countingConn struct {
	net.Conn
	read    atomic.Int64
	written atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

type Connection struct { // 连接封装
	conn   *countingConn      // 底层连接
	parser *protocol.Parser   // RESP协议解析器
	writer *protocol.Writer   // RESP协议写入器
	stats  Stats              // 统计信息
	ctx    context.Context    // 上下文
	cancel context.CancelFunc // 取消函数
	closed atomic.Bool        // 关闭状态
	mu     sync.Mutex         // 保护 writer 与 stats；读取只在连接自己的协程中进行
}

// New 创建一个连接
func New(parent context.Context, nc net.Conn) *Connection {
	ctx, cancel := context.WithCancel(parent)
	cc := &countingConn{Conn: nc}
	now := time.Now()

	return &Connection{
		conn:   cc,
		parser: protocol.NewParser(cc),
		writer: protocol.NewWriter(cc),
		stats:  Stats{Created: now, LastActive: now},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context 连接的上下文，连接关闭时取消
func (c *Connection) Context() context.Context {
	return c.ctx
}

// RemoteAddr 对端地址
func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Close 关闭连接
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	return c.conn.Close()
}

// Closed 连接是否已关闭
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// ReadCommand 读取命令
func (c *Connection) ReadCommand() (*protocol.Command, error) {
	cmd, err := c.parser.Parse()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stats.Errors++
		return nil, err
	}
	c.stats.ReadCmds++
	c.stats.LastActive = time.Now()
	return cmd, nil
}

// write 在锁内执行一次写入并更新统计
func (c *Connection) write(fn func(w *protocol.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := fn(c.writer); err != nil {
		c.stats.Errors++
		return err
	}
	c.stats.WriteCmds++
	c.stats.LastActive = time.Now()
	return nil
}

// WriteString 写入字符串
func (c *Connection) WriteString(s string) error {
	return c.write(func(w *protocol.Writer) error { return w.WriteString(s) })
}

// WriteError 写入错误
func (c *Connection) WriteError(err error) error {
	return c.write(func(w *protocol.Writer) error { return w.WriteError(err) })
}

// WriteInteger 写入整数
func (c *Connection) WriteInteger(n int64) error {
	return c.write(func(w *protocol.Writer) error { return w.WriteInteger(n) })
}

// WriteBulk 写入一个批量字符串
func (c *Connection) WriteBulk(b []byte) error {
	return c.write(func(w *protocol.Writer) error { return w.WriteBulk(b) })
}

// WriteNull 写入空批量字符串
func (c *Connection) WriteNull() error {
	return c.write(func(w *protocol.Writer) error { return w.WriteNull() })
}

// WriteArray 写入一堆批量字符串
func (c *Connection) WriteArray(arr [][]byte) error {
	return c.write(func(w *protocol.Writer) error { return w.WriteArray(arr) })
}

// Flush 把缓冲的响应发送出去
func (c *Connection) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.Flush()
}

// Stats 获取统计信息
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ReadBytes = c.conn.read.Load()
	s.WriteBytes = c.conn.written.Load()
	return s
}
