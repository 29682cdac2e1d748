package handler_test

import (
	"testing"

	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/api/handler"
	"github.com/upsip/upsip/internal/server/usb"
)

func TestBusList(t *testing.T) {
	register := func(r *api.Router, s *usb.Server, _ *api.Server) {
		r.Register("bus/list", handler.BusList(s))
	}
	runCases(t, "bus/list", register, []handlerCase{
		{
			name:             "no buses",
			expectedResponse: `{"buses":[]}`,
		},
		{
			name: "sorted buses",
			setup: func(t *testing.T, s *usb.Server) {
				addBus(t, s, 61003)
				addBus(t, s, 61001)
				addBus(t, s, 61002)
			},
			expectedResponse: `{"buses":[61001,61002,61003]}`,
		},
	})
}
