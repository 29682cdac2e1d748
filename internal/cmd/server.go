package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/device/ups"
	"github.com/upsip/upsip/internal/configpaths"
	"github.com/upsip/upsip/internal/log"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/api/auth"
	"github.com/upsip/upsip/internal/server/api/handler"
	"github.com/upsip/upsip/internal/server/usb"
	"github.com/upsip/upsip/virtualbus"
)

const keyFileName = "upsip.key.txt"

// Version is reported by the ping route. Set with -ldflags at build time.
var Version = "dev"

type Server struct {
	UsbServerConfig   usb.ServerConfig `embed:"" prefix:"usb."`
	ApiServerConfig   api.ServerConfig `embed:"" prefix:"api."`
	ConnectionTimeout time.Duration    `help:"Timeout for the first request on a new connection" default:"30s" env:"UPSIP_CONNECTION_TIMEOUT"`
	GenerateKey       bool             `help:"Load or generate an API password in the config dir when none is set" default:"false" env:"UPSIP_API_GENERATE_KEY"`
	StartupUPS        string           `help:"Mode of the UPS created on bus 1 at startup" enum:"demo,telemetry,none" default:"demo" env:"UPSIP_STARTUP_UPS"`
	StartupSerial     string           `help:"Serial number string of the startup UPS" default:"0001" env:"UPSIP_STARTUP_SERIAL"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// StartServer runs the USB/IP server and the management API until ctx is done.
func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.UsbServerConfig.ConnectionTimeout = s.ConnectionTimeout
	s.ApiServerConfig.ConnectionTimeout = s.ConnectionTimeout

	if s.ApiServerConfig.Addr == "" {
		return errors.New("API server address must be set (default :3242)")
	}
	if s.ApiServerConfig.Password == "" && s.GenerateKey {
		pwd, err := loadOrCreateKey(logger)
		if err != nil {
			return err
		}
		s.ApiServerConfig.Password = pwd
	}

	logger.Info("Starting upsip USB-IP server", "addr", s.UsbServerConfig.Addr, "version", Version)
	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()
	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}

	if err := s.createStartupUPS(usbSrv, logger); err != nil {
		_ = usbSrv.Close()
		return err
	}

	apiSrv := api.New(usbSrv, s.ApiServerConfig.Addr, s.ApiServerConfig, logger)
	RegisterRoutes(apiSrv, usbSrv)

	if s.ApiServerConfig.AutoAttachLocalClient {
		logger.Info("Auto-attach is enabled, checking prerequisites...")
		if !api.CheckAutoAttachPrerequisites(logger) {
			logger.Warn("Auto-attach prerequisites not met; device auto-attachment will fail until they are satisfied")
		}
	}

	if err := apiSrv.Start(); err != nil {
		_ = usbSrv.Close()
		return fmt.Errorf("start API server: %w", err)
	}

	select {
	case <-ctx.Done():
		apiSrv.Close()
		_ = usbSrv.Close()
		<-usbErrCh
		return nil
	case err := <-usbErrCh:
		apiSrv.Close()
		return err
	}
}

// RegisterRoutes installs every management API route.
func RegisterRoutes(apiSrv *api.Server, usbSrv *usb.Server) {
	r := apiSrv.Router()
	r.Register("ping", handler.Ping(Version))
	r.Register("bus/list", handler.BusList(usbSrv))
	r.Register("bus/create", handler.BusCreate(usbSrv))
	r.Register("bus/remove", handler.BusRemove(usbSrv))
	r.Register("bus/{id}/list", handler.BusDevicesList(usbSrv))
	r.Register("bus/{id}/add", handler.BusDeviceAdd(usbSrv, apiSrv))
	r.Register("bus/{id}/remove", handler.BusDeviceRemove(usbSrv))
	r.Register("ups/{busId}/{deviceid}/status", handler.UPSStatus(usbSrv))
	r.Register("ups/{busId}/{deviceid}/line", handler.UPSLine(usbSrv))
	r.RegisterStream("bus/{busId}/{deviceid}", api.DeviceStreamHandler())
}

func (s *Server) createStartupUPS(usbSrv *usb.Server, logger *slog.Logger) error {
	if s.StartupUPS == "" || s.StartupUPS == "none" {
		return nil
	}
	u, err := ups.New(&device.CreateOptions{Mode: &s.StartupUPS, Serial: &s.StartupSerial})
	if err != nil {
		return fmt.Errorf("create startup ups: %w", err)
	}
	u.SetLogger(logger)

	b, err := virtualbus.NewWithBusId(1)
	if err != nil {
		return fmt.Errorf("create startup bus: %w", err)
	}
	if err := usbSrv.AddBus(b); err != nil {
		_ = b.Close()
		return fmt.Errorf("register startup bus: %w", err)
	}
	devCtx, err := b.Add(u)
	if err != nil {
		return fmt.Errorf("add startup ups: %w", err)
	}
	if meta := device.GetDeviceMeta(devCtx); meta != nil {
		logger.Info("startup ups ready", "busid", meta.BusIDString(), "mode", s.StartupUPS, "serial", s.StartupSerial)
	}
	return nil
}

func loadOrCreateKey(logger *slog.Logger) (string, error) {
	dir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve key file path: %w", err)
	}
	keyFilePath := filepath.Join(dir, keyFileName)
	if pwd, err := os.ReadFile(keyFilePath); err == nil {
		if key := strings.TrimSpace(string(pwd)); key != "" {
			return key, nil
		}
	}

	pwd, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(pwd), 0o600); err != nil {
		return "", fmt.Errorf("failed to write new API password to file: %w", err)
	}
	logger.Info("Generated API server password", "path", keyFilePath)
	logger.Info("Your upsip API server password is: " + pwd)
	logger.Info("You can change this password at any time by editing the file")
	return pwd, nil
}
