package conn

import (
	"context"
	"net"
	"testing"

	"LogKV/network/protocol"
)

func TestReadCommandAndReply(t *testing.T) {
	server, client := net.Pipe()
	c := New(context.Background(), server)
	defer c.Close()

	go func() {
		client.Write([]byte("*2\r\n$4\r\nPING\r\n$2\r\nhi\r\n"))
	}()

	cmd, err := c.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Name != "PING" || string(cmd.Args[0]) != "hi" {
		t.Fatalf("unexpected command %+v", cmd)
	}

	done := make(chan *protocol.Reply, 1)
	go func() {
		r, err := protocol.NewParser(client).ReadReply()
		if err != nil {
			t.Errorf("ReadReply: %v", err)
		}
		done <- r
	}()

	if err := c.WriteBulk([]byte("hi")); err != nil {
		t.Fatalf("WriteBulk: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if r := <-done; r == nil || string(r.Bulk) != "hi" {
		t.Fatalf("unexpected reply %+v", r)
	}

	stats := c.Stats()
	if stats.ReadCmds != 1 || stats.WriteCmds != 1 || stats.ReadBytes == 0 || stats.WriteBytes == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCloseCancelsContext(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := New(context.Background(), server)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-c.Context().Done():
	default:
		t.Fatalf("context should be cancelled")
	}
	if !c.Closed() {
		t.Fatalf("connection should report closed")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
