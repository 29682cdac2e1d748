package api

import "time"

// ServerConfig represents the management API part of the server subcommand configuration.
type ServerConfig struct {
	Addr                        string        `help:"API server listen address" default:":3242" env:"UPSIP_API_ADDR"`
	DeviceHandlerConnectTimeout time.Duration `help:"Time before a device without an attached stream is removed" default:"5s" env:"UPSIP_API_DEVICE_HANDLER_TIMEOUT"`
	AutoAttachLocalClient       bool          `help:"Run usbip attach on localhost for devices added to a bus" default:"false" env:"UPSIP_API_AUTO_ATTACH_LOCAL_CLIENT"`
	Password                    string        `help:"Require clients to authenticate with this password (empty disables auth)" env:"UPSIP_API_PASSWORD"`
	ConnectionTimeout           time.Duration `kong:"-"`
}
