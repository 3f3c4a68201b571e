// Package client 是 LogKV 服务端的 RESP 客户端
package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"LogKV/err_def"
	"LogKV/network/protocol"
)

var ErrUnexpectedReply = errors.New("unexpected reply")

// ServerError 服务端返回的错误响应
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return e.Msg
}

// Client 一条连接上的同步客户端，可以被多个协程共用
type Client struct {
	conn    net.Conn
	parser  *protocol.Parser
	writer  *protocol.Writer
	timeout time.Duration
	mu      sync.Mutex
}

// Dial 连接服务端，timeout 同时作为每条命令的读写超时，0 表示不超时
func Dial(addr string, timeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	c := New(nc)
	c.timeout = timeout
	return c, nil
}

// New 在已有连接上创建客户端
func New(nc net.Conn) *Client {
	return &Client{
		conn:   nc,
		parser: protocol.NewParser(nc),
		writer: protocol.NewWriter(nc),
	}
}

// Do 发送一条命令并读取响应
func (c *Client) Do(args ...string) (*protocol.Reply, error) {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return c.do(raw...)
}

func (c *Client) do(args ...[]byte) (*protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := c.writer.WriteCommand(args...); err != nil {
		return nil, err
	}
	return c.parser.ReadReply()
}

// replyErr 把错误响应转换为 error，"key not found" 映射为 err_def.ErrKeyNotFound
func replyErr(r *protocol.Reply) error {
	if r.Type != protocol.ERROR {
		return nil
	}
	if strings.TrimPrefix(r.Str, "ERR ") == err_def.ErrKeyNotFound.Error() {
		return err_def.ErrKeyNotFound
	}
	return &ServerError{Msg: r.Str}
}

// expectOK 命令成功时服务端返回 +OK
func (c *Client) expectOK(args ...[]byte) error {
	r, err := c.do(args...)
	if err != nil {
		return err
	}
	if err := replyErr(r); err != nil {
		return err
	}
	if r.Type != protocol.STRING || r.Str != "OK" {
		return fmt.Errorf("%w: %+v", ErrUnexpectedReply, r)
	}
	return nil
}

// Ping 测试连接
func (c *Client) Ping() error {
	r, err := c.Do("PING")
	if err != nil {
		return err
	}
	if err := replyErr(r); err != nil {
		return err
	}
	if r.Type != protocol.STRING || r.Str != "PONG" {
		return fmt.Errorf("%w: %+v", ErrUnexpectedReply, r)
	}
	return nil
}

// Set 写入键值对
func (c *Client) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return c.expectOK([]byte("SET"), []byte(key), value)
}

// Get 读取值，键不存在时返回 err_def.ErrKeyNotFound
func (c *Client) Get(key string) ([]byte, error) {
	r, err := c.Do("GET", key)
	if err != nil {
		return nil, err
	}
	if err := replyErr(r); err != nil {
		return nil, err
	}
	if r.Type != protocol.BULK {
		return nil, fmt.Errorf("%w: %+v", ErrUnexpectedReply, r)
	}
	if r.Null {
		return nil, err_def.ErrKeyNotFound
	}
	return r.Bulk, nil
}

// Remove 删除键，键不存在时返回 err_def.ErrKeyNotFound
func (c *Client) Remove(key string) error {
	return c.expectOK([]byte("RM"), []byte(key))
}

// Compact 触发一次强制压缩
func (c *Client) Compact() error {
	return c.expectOK([]byte("COMPACT"))
}

// Info 返回 INFO 的 JSON 内容
func (c *Client) Info() ([]byte, error) {
	r, err := c.Do("INFO")
	if err != nil {
		return nil, err
	}
	if err := replyErr(r); err != nil {
		return nil, err
	}
	if r.Type != protocol.BULK || r.Null {
		return nil, fmt.Errorf("%w: %+v", ErrUnexpectedReply, r)
	}
	return r.Bulk, nil
}

// Keys 列出所有键
func (c *Client) Keys() ([]string, error) {
	r, err := c.Do("KEYS")
	if err != nil {
		return nil, err
	}
	if err := replyErr(r); err != nil {
		return nil, err
	}
	if r.Type != protocol.ARRAY {
		return nil, fmt.Errorf("%w: %+v", ErrUnexpectedReply, r)
	}
	keys := make([]string, 0, len(r.Array))
	for _, item := range r.Array {
		keys = append(keys, string(item.Bulk))
	}
	return keys, nil
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.conn.Close()
}
