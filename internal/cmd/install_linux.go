//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	serviceName = "upsip.service"
	servicePath = "/etc/systemd/system/upsip.service"
)

var errNotRoot = errors.New("installing the systemd service requires root")

func requireRoot() error {
	if unix.Geteuid() != 0 {
		return errNotRoot
	}
	return nil
}

func install(logger *slog.Logger) error {
	if err := requireRoot(); err != nil {
		return err
	}
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exePath); err == nil {
		exePath = resolved
	}

	if err := os.WriteFile(servicePath, []byte(systemdUnit(exePath)), 0o644); err != nil {
		return err
	}
	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", serviceName},
		{"restart", serviceName},
	} {
		if err := runSystemctl(args...); err != nil {
			return err
		}
	}

	logger.Info("upsip systemd service installed", "path", servicePath, "exe", exePath)
	return nil
}

func uninstall(logger *slog.Logger) error {
	if err := requireRoot(); err != nil {
		return err
	}
	var errs []error
	if err := runSystemctl("stop", serviceName); err != nil {
		errs = append(errs, err)
	}
	if err := runSystemctl("disable", serviceName); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(servicePath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := runSystemctl("daemon-reload"); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info("upsip systemd service removed", "path", servicePath)
	return nil
}

// systemdUnit loads vhci-hcd before start so the host can attach right away.
func systemdUnit(exePath string) string {
	return fmt.Sprintf(`[Unit]
Description=upsip Richcomm UPS emulator
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStartPre=-/sbin/modprobe vhci-hcd
ExecStart=%q server
WorkingDirectory=%s
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, exePath, filepath.Dir(exePath))
}

func runSystemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
