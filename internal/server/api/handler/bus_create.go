package handler

import (
	"fmt"
	"log/slog"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/internal/server/api"
	apierror "github.com/upsip/upsip/internal/server/api/error"
	"github.com/upsip/upsip/internal/server/usb"
	"github.com/upsip/upsip/virtualbus"
)

// BusCreate returns a handler that creates a bus. An optional payload picks
// the bus number; empty or "0" takes the next free one.
func BusCreate(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		var busID uint32
		if req.Payload != "" {
			var err error
			if busID, err = parseBusID(req.Payload); err != nil {
				return err
			}
		}
		var b *virtualbus.VirtualBus
		if busID == 0 {
			b = virtualbus.New()
		} else {
			var err error
			if b, err = virtualbus.NewWithBusId(busID); err != nil {
				return apierror.ErrConflict(err.Error())
			}
		}
		if err := s.AddBus(b); err != nil {
			_ = b.Close()
			return apierror.ErrConflict(fmt.Sprintf("bus %d already exists", b.BusID()))
		}
		logger.Info("bus created", "busID", b.BusID())
		return writeJSON(res, apitypes.BusCreateResponse{BusID: b.BusID()})
	}
}
