package handler_test

import (
	"testing"

	"github.com/upsip/upsip/device/ups"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/api/handler"
	"github.com/upsip/upsip/internal/server/usb"
)

func TestBusRemove(t *testing.T) {
	register := func(r *api.Router, s *usb.Server, _ *api.Server) {
		r.Register("bus/remove", handler.BusRemove(s))
	}
	runCases(t, "bus/remove", register, []handlerCase{
		{
			name:             "remove existing bus",
			setup:            func(t *testing.T, s *usb.Server) { addBus(t, s, 62001) },
			payload:          "62001",
			expectedResponse: `{"busId":62001}`,
		},
		{
			name: "remove bus with devices attached",
			setup: func(t *testing.T, s *usb.Server) {
				b := addBus(t, s, 62002)
				addUPS(t, b, ups.ModeDemo)
				addUPS(t, b, ups.ModeDemo)
			},
			payload:          "62002",
			expectedResponse: `{"busId":62002}`,
		},
		{
			name:             "remove non-existing bus",
			payload:          "99999",
			expectedResponse: `{"status":404,"title":"Not Found","detail":"bus 99999 not found"}`,
		},
		{
			name:             "missing bus id",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"missing busId"}`,
		},
	})
}
