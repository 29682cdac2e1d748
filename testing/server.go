package testing

import (
	"log/slog"
	"testing"
	"time"

	"github.com/upsip/upsip/internal/cmd"
	"github.com/upsip/upsip/internal/config"
	"github.com/upsip/upsip/internal/log"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/usb"
)

// TestServer is a running USB/IP server plus management API on loopback.
type TestServer struct {
	ApiServer *api.Server
	UsbServer *usb.Server
}

// UsbAddr is the bound USB/IP address.
func (s *TestServer) UsbAddr() string { return s.UsbServer.Addr() }

// ApiAddr is the bound management API address.
func (s *TestServer) ApiAddr() string { return s.ApiServer.Addr() }

// NewTestServer starts both servers with every route registered. They are
// closed when the test ends.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	return NewTestServerWithConfig(t, TestServerConfig(t))
}

func NewTestServerWithConfig(t *testing.T, cfg *config.CLI) *TestServer {
	t.Helper()
	logger := slog.Default()

	usbServer := usb.New(cfg.Server.UsbServerConfig, logger, log.NewRaw(nil))
	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbServer.ListenAndServe()
	}()
	select {
	case <-usbServer.Ready():
	case err := <-usbErrCh:
		t.Fatalf("USB server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("USB server did not become ready")
	}

	apiServer := api.New(usbServer, cfg.Server.ApiServerConfig.Addr, cfg.Server.ApiServerConfig, logger)
	cmd.RegisterRoutes(apiServer, usbServer)
	if err := apiServer.Start(); err != nil {
		_ = usbServer.Close()
		t.Fatalf("API server failed to start: %v", err)
	}

	t.Cleanup(func() {
		apiServer.Close()
		_ = usbServer.Close()
		<-usbErrCh
	})
	return &TestServer{UsbServer: usbServer, ApiServer: apiServer}
}

// TestServerConfig returns loopback addresses with short timeouts.
func TestServerConfig(t *testing.T) *config.CLI {
	t.Helper()
	return &config.CLI{
		Server: cmd.Server{
			UsbServerConfig: usb.ServerConfig{
				Addr:              "127.0.0.1:0",
				ConnectionTimeout: time.Second,
			},
			ApiServerConfig: api.ServerConfig{
				Addr:                        "127.0.0.1:0",
				DeviceHandlerConnectTimeout: time.Second,
				ConnectionTimeout:           time.Second,
			},
		},
	}
}
