package handler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/apiclient"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/api/handler"
	"github.com/upsip/upsip/internal/server/usb"
	th "github.com/upsip/upsip/internal/testing"
)

func TestBusCreate(t *testing.T) {
	register := func(r *api.Router, s *usb.Server, _ *api.Server) {
		r.Register("bus/create", handler.BusCreate(s))
	}
	runCases(t, "bus/create", register, []handlerCase{
		{
			name:             "valid create",
			payload:          "60001",
			expectedResponse: `{"busId":60001}`,
		},
		{
			name:             "duplicate bus",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 60002) },
			payload:          "60002",
			expectedResponse: `{"status":409,"title":"Conflict","detail":"bus number 60002 already allocated"}`,
		},
		{
			name: "create after remove allows reuse",
			setup: func(t *testing.T, s *usb.Server) {
				addBus(t, s, 60003)
				if err := s.RemoveBus(60003); err != nil {
					t.Fatalf("remove bus failed: %v", err)
				}
			},
			payload:          "60003",
			expectedResponse: `{"busId":60003}`,
		},
		{
			name:             "invalid bus number",
			payload:          "foo",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid busId: strconv.ParseUint: parsing \"foo\": invalid syntax"}`,
		},
		{
			name:             "negative bus number",
			payload:          "-1",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid busId: strconv.ParseUint: parsing \"-1\": invalid syntax"}`,
		},
	})
}

func TestBusCreateAutoNumber(t *testing.T) {
	addr, srv, done := th.StartAPIServer(t, func(r *api.Router, s *usb.Server, _ *api.Server) {
		r.Register("bus/create", handler.BusCreate(s))
	})
	defer done()

	c := apiclient.New(addr)
	first, err := c.BusCreate(0)
	require.NoError(t, err)
	second, err := c.BusCreate(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.RemoveBus(first.BusID)
		_ = srv.RemoveBus(second.BusID)
	})

	assert.NotZero(t, first.BusID)
	assert.NotEqual(t, first.BusID, second.BusID)
	assert.ElementsMatch(t, []uint32{first.BusID, second.BusID}, srv.ListBuses())
}
