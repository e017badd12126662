package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/pkg/command"
	"github.com/duorou/mcs/pkg/kv"
	"github.com/duorou/mcs/pkg/resp"
)

func startTestServer(t *testing.T, requirePass string) (addr string, stop func()) {
	return startTestServerWithLimits(t, requirePass, Limits{})
}

func startTestServerWithLimits(t *testing.T, requirePass string, limits Limits) (addr string, stop func()) {
	t.Helper()
	store := kv.New(mcslog.Nop(), kv.DefaultDatabaseCount)
	handler := command.New(store, mcslog.Nop(), "", "")
	srv, err := New(mcslog.Nop(), "127.0.0.1:0", handler, store, nil, requirePass, limits)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.wg.Add(1)
			go srv.handleConn(conn)
		}
	}()

	return ln.Addr().String(), func() {
		cancel()
		srv.Close()
		store.Close()
	}
}

func sendCommand(t *testing.T, conn net.Conn, args ...string) string {
	t.Helper()
	if _, err := conn.Write(resp.Encode(args)); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if len(line) > 0 && (line[0] == '$' || line[0] == '*') {
		// bulk/array replies need their payload line too; tests here only
		// exercise simple-string/error/integer replies so this is enough.
	}
	return line
}

func TestPingWithoutAuth(t *testing.T) {
	addr, stop := startTestServer(t, "")
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	got := sendCommand(t, conn, "PING")
	if got != "+PONG\r\n" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestAuthRequired(t *testing.T) {
	addr, stop := startTestServer(t, "s3cret")
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	got := sendCommand(t, conn, "PING")
	if got != "-ERR NOAUTH Authentication required\r\n" {
		t.Fatalf("expected NOAUTH error, got %q", got)
	}

	got = sendCommand(t, conn, "AUTH", "wrong")
	if got != "-ERR invalid password\r\n" {
		t.Fatalf("expected invalid password error, got %q", got)
	}

	got = sendCommand(t, conn, "AUTH", "s3cret")
	if got != "+OK\r\n" {
		t.Fatalf("expected OK after correct AUTH, got %q", got)
	}

	got = sendCommand(t, conn, "PING")
	if got != "+PONG\r\n" {
		t.Fatalf("expected PONG post-auth, got %q", got)
	}
}

// TestRateLimitRejectsBurst configures a tight per-connection rate
// limit (the same Limits a -rate-limit CLI flag would produce) and
// confirms requests past the burst are rejected rather than silently
// allowed through — proving the limiter is reachable from outside the
// package, not just correctly implemented in isolation.
func TestRateLimitRejectsBurst(t *testing.T) {
	addr, stop := startTestServerWithLimits(t, "", Limits{RequestsPerSecond: 1, Burst: 1})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if got := sendCommand(t, conn, "PING"); got != "+PONG\r\n" {
		t.Fatalf("first PING should consume the burst token, got %q", got)
	}
	if got := sendCommand(t, conn, "PING"); got != "-ERR rate limit exceeded\r\n" {
		t.Fatalf("second immediate PING should be rate-limited, got %q", got)
	}
}
