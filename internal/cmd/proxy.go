package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upsip/upsip/internal/log"
	"github.com/upsip/upsip/internal/server/proxy"
)

type Proxy struct {
	ListenAddr        string        `help:"Proxy listen address" default:":3241" env:"UPSIP_PROXY_ADDR"`
	UpstreamAddr      string        `help:"Upstream USB-IP server address, e.g. a usbipd sharing a real UPS" required:"" env:"UPSIP_PROXY_UPSTREAM"`
	ConnectionTimeout time.Duration `help:"Timeout for dialing upstream and for the first packet" default:"30s" env:"UPSIP_PROXY_TIMEOUT"`
}

// Run is called by Kong when the proxy command is executed.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if p.UpstreamAddr == "" {
		return errors.New("upstream address is empty")
	}

	proxySrv := proxy.New(p.ListenAddr, p.UpstreamAddr, p.ConnectionTimeout, logger, rawLogger)
	if err := proxySrv.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- proxySrv.Serve()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down proxy server")
		_ = proxySrv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
