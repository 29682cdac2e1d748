// Package config declares the command line of the upsip binary.
package config

import "github.com/upsip/upsip/internal/cmd"

// Log holds logging flags shared by every command.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"UPSIP_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" type:"path" env:"UPSIP_LOG_FILE"`
	RawFile string `help:"Hex-dump all USB/IP traffic to this file" type:"path" env:"UPSIP_LOG_RAW_FILE"`
}

type CLI struct {
	ConfigFile string `name:"config" help:"Config file (json, yaml or toml); searched in ., the user config dir and /etc/upsip otherwise" type:"path" env:"UPSIP_CONFIG"`
	Log        Log    `embed:"" prefix:"log."`

	Server    cmd.Server        `cmd:"" help:"Run the USB/IP server with an emulated Richcomm UPS and the management API"`
	Proxy     cmd.Proxy         `cmd:"" help:"Run a logging USB/IP proxy that decodes Richcomm traffic"`
	Config    cmd.ConfigCommand `cmd:"" help:"Manage configuration files"`
	Ups       cmd.UPSCommand    `cmd:"" name:"ups" help:"Query or drive an emulated UPS on a running server"`
	Install   cmd.Install       `cmd:"" help:"Install the systemd service (Linux)"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the systemd service (Linux)"`
}
