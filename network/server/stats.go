package server

import (
	"sync/atomic"
	"time"
)

type Stats struct {
	StartTime     time.Time
	ConnCount     int64
	CmdCount      int64
	BytesReceived int64
	BytesSent     int64
	ErrorCount    int64
	SlowCount     int64
}

func (s *Stats) IncrConnCount() {
	atomic.AddInt64(&s.ConnCount, 1)
}

func (s *Stats) DecrConnCount() {
	atomic.AddInt64(&s.ConnCount, -1)
}

func (s *Stats) Conns() int64 {
	return atomic.LoadInt64(&s.ConnCount)
}

func (s *Stats) IncrCmdCount() {
	atomic.AddInt64(&s.CmdCount, 1)
}

func (s *Stats) IncrErrorCount() {
	atomic.AddInt64(&s.ErrorCount, 1)
}

func (s *Stats) IncrSlowCount() {
	atomic.AddInt64(&s.SlowCount, 1)
}

// Snapshot 以 INFO 使用的键名返回当前统计
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"uptime_seconds": int64(time.Since(s.StartTime).Seconds()),
		"connections":    atomic.LoadInt64(&s.ConnCount),
		"commands":       atomic.LoadInt64(&s.CmdCount),
		"bytes_received": atomic.LoadInt64(&s.BytesReceived),
		"bytes_sent":     atomic.LoadInt64(&s.BytesSent),
		"errors":         atomic.LoadInt64(&s.ErrorCount),
		"slow_commands":  atomic.LoadInt64(&s.SlowCount),
	}
}
