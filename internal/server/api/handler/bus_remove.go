package handler

import (
	"fmt"
	"log/slog"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/internal/server/api"
	apierror "github.com/upsip/upsip/internal/server/api/error"
	"github.com/upsip/upsip/internal/server/usb"
)

// BusRemove returns a handler that removes a bus and every device on it.
func BusRemove(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		busID, err := parseBusID(req.Payload)
		if err != nil {
			return err
		}
		if err := s.RemoveBus(busID); err != nil {
			return apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
		}
		logger.Info("bus removed", "busID", busID)
		return writeJSON(res, apitypes.BusRemoveResponse{BusID: busID})
	}
}
