package handler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/apiclient"
	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/device/ups"
	"github.com/upsip/upsip/internal/server/usb"
	th "github.com/upsip/upsip/internal/testing"
	"github.com/upsip/upsip/virtualbus"
)

type handlerCase struct {
	name             string
	setup            func(t *testing.T, s *usb.Server)
	pathParams       map[string]string
	payload          any
	expectedResponse string
}

func addBus(t *testing.T, s *usb.Server, id uint32) *virtualbus.VirtualBus {
	t.Helper()
	b, err := virtualbus.NewWithBusId(id)
	require.NoError(t, err)
	require.NoError(t, s.AddBus(b))
	return b
}

func addUPS(t *testing.T, b *virtualbus.VirtualBus, mode string) *ups.UPS {
	t.Helper()
	u, err := ups.New(&device.CreateOptions{Mode: &mode})
	require.NoError(t, err)
	_, err = b.Add(u)
	require.NoError(t, err)
	return u
}

// runCases starts a fresh API server per case and compares the raw response.
func runCases(t *testing.T, path string, register th.RegisterFunc, cases []handlerCase) {
	t.Helper()
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			addr, srv, done := th.StartAPIServer(t, register)
			defer done()
			t.Cleanup(func() {
				for _, id := range srv.ListBuses() {
					_ = srv.RemoveBus(id)
				}
			})
			if tt.setup != nil {
				tt.setup(t, srv)
			}
			line, err := apiclient.NewTransport(addr).Do(path, tt.payload, tt.pathParams)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expectedResponse, line)
		})
	}
}

