package cmd

import "log/slog"

// Install registers upsip as a system service running "upsip server".
type Install struct{}

func (i *Install) Run(logger *slog.Logger) error { return install(logger) }

// Uninstall stops and removes the system service.
type Uninstall struct{}

func (u *Uninstall) Run(logger *slog.Logger) error { return uninstall(logger) }
