package api

import (
	"context"
	"log/slog"

	"github.com/upsip/upsip/usbip"
)

// AttachLocalhostClient asks the local usbip client to import the device.
func AttachLocalhostClient(ctx context.Context, meta *usbip.ExportMeta, usbipServerPort uint16, logger *slog.Logger) error {
	logger.Info("Auto-attaching localhost client", "busID", meta.BusId, "deviceID", meta.DevId)
	return attachLocalhostClientImpl(ctx, meta, usbipServerPort, logger)
}
