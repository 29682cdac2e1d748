package handler

import (
	"log/slog"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/usb"
)

// BusList returns a handler that lists registered buses.
func BusList(s *usb.Server) api.HandlerFunc {
	return func(_ *api.Request, res *api.Response, _ *slog.Logger) error {
		return writeJSON(res, apitypes.BusListResponse{Buses: s.ListBuses()})
	}
}
