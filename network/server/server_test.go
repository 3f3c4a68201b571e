package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"LogKV/err_def"
	"LogKV/network/client"
	"LogKV/network/handler"
	"LogKV/storage"
	"LogKV/storage/bitcask"
)

func newTestServer(t *testing.T, cfg *Config) *Server {
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

	s, err := New(db, cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// pipeClient 在 net.Pipe 上启动 serveConn，返回客户端与 serveConn 的结果
func pipeClient(t *testing.T, s *Server) (*client.Client, <-chan error) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- s.serveConn(context.Background(), serverSide) }()
	c := client.New(clientSide)
	t.Cleanup(func() { c.Close() })
	return c, done
}

func TestServeConnCommands(t *testing.T) {
	s := newTestServer(t, &Config{MaxConnections: 8})
	c, done := pipeClient(t, s)

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := c.Set("k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set("k", []byte("v2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get("k")
	if err != nil || string(got) != "v2" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := c.Remove("k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := c.Get("k"); !errors.Is(err, err_def.ErrKeyNotFound) {
		t.Fatalf("Get after remove: %v", err)
	}
	if err := c.Remove("k"); !errors.Is(err, err_def.ErrKeyNotFound) {
		t.Fatalf("Remove missing: %v", err)
	}

	raw, err := c.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	var info handler.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Server["connections"] != 1 {
		t.Fatalf("connections = %d, want 1", info.Server["connections"])
	}
	if info.Server["bytes_received"] == 0 {
		t.Fatalf("bytes_received not collected: %v", info.Server)
	}

	c.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveConn: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveConn did not return after client closed")
	}
	if n := s.stats.Conns(); n != 0 {
		t.Fatalf("conns = %d after close", n)
	}
}

func TestServeConnProtocolError(t *testing.T) {
	s := newTestServer(t, &Config{MaxConnections: 8})
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	done := make(chan error, 1)
	go func() { done <- s.serveConn(context.Background(), serverSide) }()

	go clientSide.Write([]byte("+PING\r\n"))
	line, err := bufio.NewReader(clientSide).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if len(line) < 4 || line[:4] != "-ERR" {
		t.Fatalf("reply = %q, want error", line)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed after protocol error")
	}
}

func TestMaxConnections(t *testing.T) {
	s := newTestServer(t, &Config{MaxConnections: 1})
	c, _ := pipeClient(t, s)
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	if err := s.serveConn(context.Background(), serverSide); !errors.Is(err, ErrMaxConns) {
		t.Fatalf("second connection: %v, want ErrMaxConns", err)
	}
}

func TestServerTCP(t *testing.T) {
	s := newTestServer(t, &Config{
		Addr:           "127.0.0.1:0",
		MaxConnections: 16,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	})
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	started := make(chan error, 1)
	go func() { started <- s.Start() }()

	c, err := client.Dial(s.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	for _, kv := range [][2]string{{"b", "2"}, {"a", "1"}, {"a", "3"}} {
		if err := c.Set(kv[0], []byte(kv[1])); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := c.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	keys, err := c.Keys()
	if err != nil || len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("Keys = %v, %v", keys, err)
	}
	got, err := c.Get("a")
	if err != nil || string(got) != "3" {
		t.Fatalf("Get(a) = %q, %v", got, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("second Stop: %v", err)
	}
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
