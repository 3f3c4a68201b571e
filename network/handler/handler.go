package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"LogKV/err_def"
	"LogKV/network/conn"
	"LogKV/network/protocol"
	"LogKV/storage"
)

var (
	ErrWrongArgCount = errors.New("wrong number of arguments")
	ErrUnsupported   = errors.New("command not supported by engine")
)

// Info INFO 命令返回的 JSON 内容
type Info struct {
	Engine *storage.EngineStats `json:"engine,omitempty"`
	Server map[string]int64     `json:"server,omitempty"`
}

type Handler struct {
	engine      storage.Engine
	logger      *slog.Logger
	serverStats func() map[string]int64
}

// New 创建handler
func New(engine storage.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// SetServerStats 设置 INFO 中服务端统计的来源
func (h *Handler) SetServerStats(fn func() map[string]int64) {
	h.serverStats = fn
}

// Handle 处理命令，返回值只表示响应写入失败
func (h *Handler) Handle(c *conn.Connection, cmd *protocol.Command) error {
	start := time.Now()
	name := strings.ToUpper(cmd.Name)
	h.logger.Info("request received", "peer", c.RemoteAddr(), "cmd", name, "args", len(cmd.Args))

	var status string
	var err error
	switch name {
	//system
	case "PING":
		status, err = h.handlePing(c, cmd)
	case "INFO":
		status, err = h.handleInfo(c, cmd)
	case "COMPACT":
		status, err = h.handleCompact(c, cmd)
	// kv
	case "SET":
		status, err = h.handleSet(c, cmd)
	case "GET":
		status, err = h.handleGet(c, cmd)
	case "RM", "DEL":
		status, err = h.handleRemove(c, cmd)
	case "KEYS":
		status, err = h.handleKeys(c, cmd)
	default:
		status, err = reply(c, fmt.Errorf("unknown command '%s'", cmd.Name))
	}

	h.logger.Info("response sent",
		"peer", c.RemoteAddr(),
		"cmd", name,
		"status", status,
		"elapsed", time.Since(start))
	return err
}

// reply 写错误响应，返回日志中的状态
func reply(c *conn.Connection, cause error) (string, error) {
	return "error: " + cause.Error(), c.WriteError(fmt.Errorf("ERR %v", cause))
}

// 返回pong,用于ping-pong测试连接
func (h *Handler) handlePing(c *conn.Connection, cmd *protocol.Command) (string, error) {
	if len(cmd.Args) > 1 {
		return reply(c, ErrWrongArgCount)
	}
	if len(cmd.Args) == 1 {
		return "ok", c.WriteBulk(cmd.Args[0])
	}
	return "ok", c.WriteString("PONG")
}

// 处理set请求
func (h *Handler) handleSet(c *conn.Connection, cmd *protocol.Command) (string, error) {
	if len(cmd.Args) != 2 {
		return reply(c, ErrWrongArgCount)
	}

	if err := h.engine.Set(string(cmd.Args[0]), cmd.Args[1]); err != nil {
		return reply(c, err)
	}
	return "ok", c.WriteString("OK")
}

// 处理get请求，键不存在时返回空批量字符串
func (h *Handler) handleGet(c *conn.Connection, cmd *protocol.Command) (string, error) {
	if len(cmd.Args) != 1 {
		return reply(c, ErrWrongArgCount)
	}

	val, err := h.engine.Get(string(cmd.Args[0]))
	if errors.Is(err, err_def.ErrKeyNotFound) {
		return "not found", c.WriteNull()
	}
	if err != nil {
		return reply(c, err)
	}
	return "ok", c.WriteBulk(val)
}

// 处理rm/del请求
func (h *Handler) handleRemove(c *conn.Connection, cmd *protocol.Command) (string, error) {
	if len(cmd.Args) != 1 {
		return reply(c, ErrWrongArgCount)
	}

	if err := h.engine.Remove(string(cmd.Args[0])); err != nil {
		return reply(c, err)
	}
	return "ok", c.WriteString("OK")
}

// 处理compact请求
func (h *Handler) handleCompact(c *conn.Connection, cmd *protocol.Command) (string, error) {
	if len(cmd.Args) != 0 {
		return reply(c, ErrWrongArgCount)
	}

	compactor, ok := h.engine.(storage.Compactor)
	if !ok {
		return reply(c, ErrUnsupported)
	}
	if err := compactor.Compact(true); err != nil {
		return reply(c, err)
	}
	return "ok", c.WriteString("OK")
}

// 处理keys请求
func (h *Handler) handleKeys(c *conn.Connection, cmd *protocol.Command) (string, error) {
	if len(cmd.Args) != 0 {
		return reply(c, ErrWrongArgCount)
	}

	lister, ok := h.engine.(storage.KeyLister)
	if !ok {
		return reply(c, ErrUnsupported)
	}
	keys, err := lister.ListKeys()
	if err != nil {
		return reply(c, err)
	}

	arr := make([][]byte, len(keys))
	for i, k := range keys {
		arr[i] = []byte(k)
	}
	return "ok", c.WriteArray(arr)
}

// 处理info请求
func (h *Handler) handleInfo(c *conn.Connection, cmd *protocol.Command) (string, error) {
	if len(cmd.Args) != 0 {
		return reply(c, ErrWrongArgCount)
	}

	var info Info
	if reporter, ok := h.engine.(storage.StatsReporter); ok {
		stats := reporter.Stats()
		info.Engine = &stats
	}
	if h.serverStats != nil {
		info.Server = h.serverStats()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return reply(c, err)
	}
	return "ok", c.WriteBulk(data)
}
