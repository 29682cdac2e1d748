//go:build linux

package api

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/upsip/upsip/usbip"
)

func attachLocalhostClientImpl(ctx context.Context, meta *usbip.ExportMeta, usbipServerPort uint16, logger *slog.Logger) error {
	cmd := exec.CommandContext(
		ctx,
		"usbip",
		"--tcp-port", strconv.FormatUint(uint64(usbipServerPort), 10),
		"attach",
		"-r", "localhost",
		"-b", meta.BusIDString(),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("Failed to attach device", "error", err, "port", usbipServerPort, "output", string(output))
		return err
	}
	logger.Debug("usbip attach output", "output", string(output))
	return nil
}

// CheckAutoAttachPrerequisites logs what is missing for auto-attach and
// reports whether everything needed was found.
func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	allOk := true

	if _, err := exec.LookPath("usbip"); err != nil {
		logger.Warn("USB/IP tool 'usbip' not found in PATH")
		logger.Info("Install usbip:")
		logger.Info("  Ubuntu/Debian: sudo apt install linux-tools-generic")
		logger.Info("  Arch Linux:    sudo pacman -S usbip")
		allOk = false
	}

	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		logger.Debug("Could not read /proc/modules", "error", err)
	} else if !bytes.Contains(data, []byte("vhci_hcd")) {
		logger.Warn("USB/IP kernel module 'vhci-hcd' is not loaded")
		logger.Info("Load it with: sudo modprobe vhci-hcd")
		logger.Info("Load at boot: echo 'vhci-hcd' | sudo tee /etc/modules-load.d/upsip.conf")
		allOk = false
	}

	return allOk
}
