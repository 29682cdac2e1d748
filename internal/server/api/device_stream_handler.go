package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path"
	"reflect"
	"strings"

	"github.com/upsip/upsip/usb"
)

// DeviceStreamHandler dispatches a stream to the handler registered for the
// device's type. The type name is the last element of the device's package path.
func DeviceStreamHandler() StreamHandlerFunc {
	return func(conn net.Conn, dev *usb.Device, logger *slog.Logger) error {
		if dev == nil || *dev == nil {
			return errors.New("nil device")
		}
		deviceType := DeviceType(*dev)
		handler := GetStreamHandler(deviceType)
		if handler == nil {
			return fmt.Errorf("no handler for device type: %s", deviceType)
		}
		return handler(conn, dev, logger.With("type", deviceType))
	}
}

// DeviceType infers the registered type name of dev.
func DeviceType(dev any) string {
	if dev == nil {
		return ""
	}
	t := reflect.TypeOf(dev)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if pkg := t.PkgPath(); pkg != "" {
		return strings.ToLower(path.Base(pkg))
	}
	return strings.ToLower(t.Name())
}
