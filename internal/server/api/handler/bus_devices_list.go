package handler

import (
	"log/slog"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/usb"
)

// BusDevicesList returns a handler that lists the devices on a bus.
func BusDevicesList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, _ *slog.Logger) error {
		b, err := lookupBus(s, req.Params["id"])
		if err != nil {
			return err
		}
		metas := b.GetAllDeviceMetas()
		out := make([]apitypes.Device, 0, len(metas))
		for _, m := range metas {
			out = append(out, deviceInfo(m))
		}
		return writeJSON(res, apitypes.DevicesListResponse{Devices: out})
	}
}
