package api

import (
	"slices"
	"strings"
	"sync"

	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/usb"
)

// DeviceRegistration describes a device type: how to build it and how to
// serve its stream connections.
type DeviceRegistration interface {
	CreateDevice(o *device.CreateOptions) (usb.Device, error)
	StreamHandler() StreamHandlerFunc
}

var (
	deviceRegistry   = make(map[string]DeviceRegistration)
	deviceRegistryMu sync.RWMutex
)

// RegisterDevice registers a device type under a case-insensitive name.
// Device packages call this from init.
func RegisterDevice(name string, reg DeviceRegistration) {
	deviceRegistryMu.Lock()
	defer deviceRegistryMu.Unlock()
	deviceRegistry[strings.ToLower(name)] = reg
}

// GetRegistration returns the registration for name, or nil.
func GetRegistration(name string) DeviceRegistration {
	deviceRegistryMu.RLock()
	defer deviceRegistryMu.RUnlock()
	return deviceRegistry[strings.ToLower(name)]
}

// ListDeviceTypes returns the sorted names of all registered device types.
func ListDeviceTypes() []string {
	deviceRegistryMu.RLock()
	defer deviceRegistryMu.RUnlock()
	types := make([]string, 0, len(deviceRegistry))
	for name := range deviceRegistry {
		types = append(types, name)
	}
	slices.Sort(types)
	return types
}

// GetStreamHandler returns the stream handler for name, or nil.
func GetStreamHandler(name string) StreamHandlerFunc {
	reg := GetRegistration(name)
	if reg == nil {
		return nil
	}
	return reg.StreamHandler()
}
