//go:build !linux

package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/upsip/upsip/usbip"
)

var errAutoAttachUnsupported = errors.New("auto-attach is only supported on linux")

func attachLocalhostClientImpl(_ context.Context, _ *usbip.ExportMeta, _ uint16, _ *slog.Logger) error {
	return errAutoAttachUnsupported
}

// CheckAutoAttachPrerequisites always fails outside linux.
func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	logger.Warn("Auto-attach is only supported on linux")
	return false
}
