package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"LogKV/network/conn"
	"LogKV/network/protocol"
	"LogKV/storage"
	"LogKV/storage/bitcask"
)

type pipe struct {
	t      *testing.T
	conn   *conn.Connection
	writer *protocol.Writer
	parser *protocol.Parser
	h      *Handler
}

func newPipe(t *testing.T) *pipe {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := bitcask.Open(
		storage.WithDataDir(t.TempDir()),
		storage.WithLogger(logger),
		storage.WithSyncInterval(time.Hour),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	h := New(db, logger)
	h.SetServerStats(func() map[string]int64 { return map[string]int64{"conns": 1} })

	sc := conn.New(context.Background(), server)
	t.Cleanup(func() { sc.Close() })
	return &pipe{
		t:      t,
		conn:   sc,
		writer: protocol.NewWriter(client),
		parser: protocol.NewParser(client),
		h:      h,
	}
}

// do 发送一条命令，由 handler 处理后读回响应
func (p *pipe) do(args ...string) *protocol.Reply {
	p.t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}

	go func() {
		if err := p.writer.WriteCommand(raw...); err != nil {
			p.t.Errorf("WriteCommand: %v", err)
		}
	}()
	cmd, err := p.conn.ReadCommand()
	if err != nil {
		p.t.Fatalf("ReadCommand: %v", err)
	}

	replyCh := make(chan *protocol.Reply, 1)
	go func() {
		r, err := p.parser.ReadReply()
		if err != nil {
			p.t.Errorf("ReadReply: %v", err)
		}
		replyCh <- r
	}()
	if err := p.h.Handle(p.conn, cmd); err != nil {
		p.t.Fatalf("Handle: %v", err)
	}
	if err := p.conn.Flush(); err != nil {
		p.t.Fatalf("Flush: %v", err)
	}
	return <-replyCh
}

func TestKVCommands(t *testing.T) {
	p := newPipe(t)

	if r := p.do("PING"); r.Str != "PONG" {
		t.Fatalf("PING: %+v", r)
	}
	if r := p.do("PING", "hello"); string(r.Bulk) != "hello" {
		t.Fatalf("PING hello: %+v", r)
	}
	if r := p.do("SET", "a", "1"); r.Type != protocol.STRING || r.Str != "OK" {
		t.Fatalf("SET: %+v", r)
	}
	if r := p.do("get", "a"); r.Type != protocol.BULK || string(r.Bulk) != "1" {
		t.Fatalf("GET: %+v", r)
	}
	if r := p.do("GET", "missing"); r.Type != protocol.BULK || !r.Null {
		t.Fatalf("GET missing should be null: %+v", r)
	}
	if r := p.do("RM", "a"); r.Str != "OK" {
		t.Fatalf("RM: %+v", r)
	}
	if r := p.do("RM", "a"); r.Type != protocol.ERROR || r.Str != "ERR key not found" {
		t.Fatalf("RM missing: %+v", r)
	}
	if r := p.do("DEL", "a"); r.Type != protocol.ERROR || r.Str != "ERR key not found" {
		t.Fatalf("DEL missing: %+v", r)
	}
}

func TestArgumentErrors(t *testing.T) {
	p := newPipe(t)

	for _, args := range [][]string{
		{"SET", "a"},
		{"GET"},
		{"RM", "a", "b"},
		{"COMPACT", "now"},
		{"FLUSHALL"},
	} {
		if r := p.do(args...); r.Type != protocol.ERROR {
			t.Fatalf("%v: expected error reply, got %+v", args, r)
		}
	}
}

func TestCompactKeysInfo(t *testing.T) {
	p := newPipe(t)

	p.do("SET", "b", "2")
	p.do("SET", "a", "1")
	p.do("SET", "a", "3")

	if r := p.do("COMPACT"); r.Str != "OK" {
		t.Fatalf("COMPACT: %+v", r)
	}
	r := p.do("KEYS")
	if r.Type != protocol.ARRAY || len(r.Array) != 2 || string(r.Array[0].Bulk) != "a" {
		t.Fatalf("KEYS: %+v", r)
	}
	if r := p.do("GET", "a"); string(r.Bulk) != "3" {
		t.Fatalf("GET after compact: %+v", r)
	}

	r = p.do("INFO")
	var info Info
	if err := json.Unmarshal(r.Bulk, &info); err != nil {
		t.Fatalf("INFO json: %v", err)
	}
	if info.Engine == nil || info.Engine.Keys != 2 || info.Engine.Compactions != 1 {
		t.Fatalf("unexpected engine info %+v", info.Engine)
	}
	if info.Server["conns"] != 1 {
		t.Fatalf("unexpected server info %+v", info.Server)
	}
}
