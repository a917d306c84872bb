package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"mono-simulator/internal/config"
)

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.WriteTimeout = time.Second
	return cfg
}

// startServer 在随机端口启动服务器, 测试结束时停止
func startServer(t *testing.T, cfg *config.Config) (string, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()

	srv, err := NewTCPServer(cfg, log)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Serve did not stop")
		}
		srv.Close()
	})

	return srv.Addr().String(), hook
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, request, want string) {
	t.Helper()
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write %q: %v", request, err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read reply to %q: %v", request, err)
	}
	if string(buf) != want {
		t.Fatalf("reply to %q = %q, want %q", request, buf, want)
	}
}

// expectSilence 确认在窗口内没有收到任何字节
func expectSilence(t *testing.T, conn net.Conn, window time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(window))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected silence, got %d bytes %q, err %v", n, buf[:n], err)
	}
}

func TestServeCommandsAndReconnect(t *testing.T) {
	addr, _ := startServer(t, testConfig())

	conn := dial(t, addr)
	roundTrip(t, conn, "*T", "t23.20\n\r")
	roundTrip(t, conn, "*H", "h45.00\n\r")
	conn.Close()

	next := dial(t, addr)
	roundTrip(t, next, "*a", "x0.23y0.54z0.21\n\r")
}

func TestServeUnknownCommandKeepsConnection(t *testing.T) {
	addr, hook := startServer(t, testConfig())

	conn := dial(t, addr)
	if _, err := conn.Write([]byte("*Z")); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, conn, 200*time.Millisecond)
	roundTrip(t, conn, "*A", "x0.23y0.54z0.21\n\r")

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "未知命令") {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("unknown command warnings = %d, want 1", warnings)
	}
}

func TestServeDateCommand(t *testing.T) {
	addr, _ := startServer(t, testConfig())

	conn := dial(t, addr)
	if _, err := conn.Write([]byte("*D")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); !strings.HasPrefix(got, "d") || !strings.HasSuffix(got, "\n\r") {
		t.Errorf("date reply = %q", got)
	}
}

func TestServeOneConnectionAtATime(t *testing.T) {
	addr, _ := startServer(t, testConfig())

	first := dial(t, addr)
	roundTrip(t, first, "*T", "t23.20\n\r")

	// 第二个客户端完成握手但停留在监听队列中
	second := dial(t, addr)
	if _, err := second.Write([]byte("*H")); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, second, 300*time.Millisecond)

	first.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len("h45.00\n\r"))
	if _, err := io.ReadFull(second, buf); err != nil {
		t.Fatalf("queued client: %v", err)
	}
	if string(buf) != "h45.00\n\r" {
		t.Errorf("queued client got %q", buf)
	}
}

func TestServeConcurrentMode(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Concurrent = true
	cfg.Server.MaxConnections = 4
	addr, _ := startServer(t, cfg)

	first := dial(t, addr)
	roundTrip(t, first, "*T", "t23.20\n\r")

	second := dial(t, addr)
	roundTrip(t, second, "*H", "h45.00\n\r")
	roundTrip(t, first, "*A", "x0.23y0.54z0.21\n\r")
}

func TestServeConcurrentLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Concurrent = true
	cfg.Server.MaxConnections = 1
	addr, _ := startServer(t, cfg)

	first := dial(t, addr)
	roundTrip(t, first, "*T", "t23.20\n\r")

	rejected := dial(t, addr)
	rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := rejected.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("over-limit client read err = %v, want EOF", err)
	}
}

func TestServeStopsWhileConnectionOpen(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	srv, err := NewTCPServer(testConfig(), log)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	go func() {
		done <- srv.Serve(ctx)
	}()

	conn := dial(t, srv.Addr().String())
	roundTrip(t, conn, "*T", "t23.20\n\r")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve blocked on open connection after cancel")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection still open after shutdown")
	}
}

func TestServeBeforeStart(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	srv, err := NewTCPServer(testConfig(), log)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Serve(context.Background()); err == nil {
		t.Error("Serve without Start succeeded")
	}
}

func TestStartBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := testConfig()
	cfg.Server.Port = busy.Addr().(*net.TCPAddr).Port

	log, _ := logtest.NewNullLogger()
	srv, err := NewTCPServer(cfg, log)
	if err != nil {
		t.Fatal(err)
	}

	err = srv.Start()
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("err = %v, want *BindError", err)
	}
	if bindErr.Code() <= 0 {
		t.Errorf("code = %d, want positive errno", bindErr.Code())
	}
}

func TestBindErrorCodeFallback(t *testing.T) {
	err := &BindError{Addr: "x", Err: errors.New("no errno")}
	if err.Code() != 1 {
		t.Errorf("code = %d, want 1", err.Code())
	}
}
