package usb

import "time"

// ServerConfig represents the USB/IP part of the server subcommand configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3240" env:"UPSIP_USB_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
}
