// Package testing holds helpers shared by the server package tests.
package testing

import (
	"testing"

	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/usb"
)

// MockDevice is a usb.Device with a fixed descriptor and no endpoints.
type MockDevice struct {
	Name string
}

func (m *MockDevice) HandleTransfer(uint32, uint32, []byte) []byte { return nil }

func (m *MockDevice) GetDescriptor() *usb.Descriptor {
	return &usb.Descriptor{Device: usb.DeviceDescriptor{IDVendor: 0x1234, IDProduct: 0x5678}}
}

type mockRegistration struct {
	handlerFunc api.StreamHandlerFunc
	createFunc  func(o *device.CreateOptions) (usb.Device, error)
}

func (m *mockRegistration) CreateDevice(o *device.CreateOptions) (usb.Device, error) {
	return m.createFunc(o)
}

func (m *mockRegistration) StreamHandler() api.StreamHandlerFunc { return m.handlerFunc }

// CreateMockRegistration builds a DeviceRegistration from plain functions.
// A nil create func yields a MockDevice named after the registration.
func CreateMockRegistration(
	t *testing.T,
	name string,
	create func(o *device.CreateOptions) (usb.Device, error),
	h api.StreamHandlerFunc,
) api.DeviceRegistration {
	t.Helper()
	if create == nil {
		create = func(*device.CreateOptions) (usb.Device, error) { return &MockDevice{Name: name}, nil }
	}
	return &mockRegistration{handlerFunc: h, createFunc: create}
}
