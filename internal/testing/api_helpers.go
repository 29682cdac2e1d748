package testing

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/upsip/upsip/internal/log"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/usb"
)

// RegisterFunc installs the routes a test needs.
type RegisterFunc func(r *api.Router, s *usb.Server, apiSrv *api.Server)

// StartAPIServer starts an API server on a free loopback port.
// The USB/IP server is created but not listening.
func StartAPIServer(t *testing.T, register RegisterFunc) (addr string, srv *usb.Server, done func()) {
	t.Helper()
	return StartAPIServerWithConfig(t, api.ServerConfig{}, register)
}

// StartAPIServerWithConfig is StartAPIServer with an explicit API config.
func StartAPIServerWithConfig(t *testing.T, cfg api.ServerConfig, register RegisterFunc) (addr string, srv *usb.Server, done func()) {
	t.Helper()
	srv = usb.New(usb.ServerConfig{Addr: "127.0.0.1:0"}, slog.Default(), log.NewRaw(nil))
	cfg.Addr = "127.0.0.1:0"
	apiSrv := api.New(srv, cfg.Addr, cfg, slog.Default())
	if register != nil {
		register(apiSrv.Router(), srv, apiSrv)
	}
	if err := apiSrv.Start(); err != nil {
		t.Fatalf("api start failed: %v", err)
	}
	done = func() {
		apiSrv.Close()
		time.Sleep(10 * time.Millisecond)
	}
	return apiSrv.Addr(), srv, done
}

// ExecCmd sends one NUL-terminated command and returns the response line
// without its newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintf(c, "%s\x00", cmd); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil && line == "" {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}
