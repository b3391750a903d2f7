package redisx

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestParseURL(t *testing.T) {
	opts, err := ParseURL("redis://:secret@localhost:6380/3")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 3 {
		t.Fatalf("unexpected options: addr=%s pass=%s db=%d", opts.Addr, opts.Password, opts.DB)
	}
	if _, err := ParseURL("http://localhost"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := ParseURL("redis://localhost/abc"); err == nil {
		t.Fatalf("expected invalid db error")
	}
}

func TestConnect(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rdb, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rdb.Close()
	if err := rdb.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}
