package handler

import (
	"fmt"
	"log/slog"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/internal/server/api"
	apierror "github.com/upsip/upsip/internal/server/api/error"
	"github.com/upsip/upsip/internal/server/usb"
)

// BusDeviceRemove returns a handler that removes a device by device number.
// Removal cancels the device context, which closes its USB/IP session.
func BusDeviceRemove(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := lookupBus(s, req.Params["id"])
		if err != nil {
			return err
		}
		deviceID := req.Payload
		if deviceID == "" {
			return apierror.ErrBadRequest("missing device number")
		}
		if err := b.RemoveDeviceByID(deviceID); err != nil {
			return apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", deviceID, b.BusID()))
		}
		logger.Info("device removed", "busID", b.BusID(), "deviceID", deviceID)
		return writeJSON(res, apitypes.DeviceRemoveResponse{BusID: b.BusID(), DevId: deviceID})
	}
}
