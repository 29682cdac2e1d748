package api_test

import (
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/internal/server/api"
	th "github.com/upsip/upsip/internal/testing"
	"github.com/upsip/upsip/usb"
)

func TestDeviceRegistry(t *testing.T) {
	tests := []struct {
		name         string
		registerName string
		lookupName   string
		shouldFind   bool
	}{
		{name: "exact match", registerName: "regdev1", lookupName: "regdev1", shouldFind: true},
		{name: "case insensitive", registerName: "RegDev2", lookupName: "regdev2", shouldFind: true},
		{name: "case insensitive upper", registerName: "regdev3", lookupName: "REGDEV3", shouldFind: true},
		{name: "not registered", registerName: "regdev4", lookupName: "regdev5", shouldFind: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlerCalled := false
			reg := th.CreateMockRegistration(t, tt.registerName, nil,
				func(net.Conn, *usb.Device, *slog.Logger) error {
					handlerCalled = true
					return nil
				},
			)
			api.RegisterDevice(tt.registerName, reg)

			retrieved := api.GetRegistration(tt.lookupName)
			if !tt.shouldFind {
				assert.Nil(t, retrieved)
				assert.Nil(t, api.GetStreamHandler(tt.lookupName))
				return
			}
			require.NotNil(t, retrieved)

			dev, err := retrieved.CreateDevice(nil)
			require.NoError(t, err)
			mock, ok := dev.(*th.MockDevice)
			require.True(t, ok)
			assert.Equal(t, tt.registerName, mock.Name)

			h := api.GetStreamHandler(tt.lookupName)
			require.NotNil(t, h)
			require.NoError(t, h(nil, &dev, slog.Default()))
			assert.True(t, handlerCalled)
			assert.Contains(t, api.ListDeviceTypes(), tt.lookupName)
		})
	}
}

func TestListDeviceTypesSorted(t *testing.T) {
	api.RegisterDevice("zz-sorted", th.CreateMockRegistration(t, "zz", nil, nil))
	api.RegisterDevice("aa-sorted", th.CreateMockRegistration(t, "aa", nil, nil))
	types := api.ListDeviceTypes()
	assert.IsNonDecreasing(t, types)
}
