package ups

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/usb"
)

func init() {
	api.RegisterDevice("ups", &handler{})
}

type handler struct{}

func (h *handler) CreateDevice(o *device.CreateOptions) (usb.Device, error) { return New(o) }

func (h *handler) StreamHandler() api.StreamHandlerFunc {
	return func(conn net.Conn, devPtr *usb.Device, logger *slog.Logger) error {
		if devPtr == nil || *devPtr == nil {
			return fmt.Errorf("nil device")
		}
		udev, ok := (*devPtr).(*UPS)
		if !ok {
			return fmt.Errorf("device is not ups")
		}

		// Device -> client: every 6-byte reply as it was sent to the host.
		udev.SetReplyCallback(func(frame []byte) {
			if _, err := conn.Write(frame); err != nil {
				logger.Error("failed to send reply frame", "error", err)
			}
		})
		defer udev.SetReplyCallback(nil)

		// Client -> device: 1-byte line state frames.
		buf := make([]byte, LineStateSize)
		warned := false
		for {
			if _, err := io.ReadFull(conn, buf); err != nil {
				if err == io.EOF {
					logger.Info("client disconnected")
					return nil
				}
				return fmt.Errorf("read line state: %w", err)
			}
			var ls LineState
			if err := ls.UnmarshalBinary(buf); err != nil {
				return fmt.Errorf("decode line state: %w", err)
			}
			if err := udev.SetLine(ls); err != nil {
				if errors.Is(err, ErrNotTelemetry) && !warned {
					logger.Warn("ignoring line state, device runs the demo schedule")
					warned = true
				}
				continue
			}
			logger.Debug("line state updated", "line", ls.String())
		}
	}
}
