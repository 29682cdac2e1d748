package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/device/ups"
	"github.com/upsip/upsip/internal/server/api"
	apierror "github.com/upsip/upsip/internal/server/api/error"
	"github.com/upsip/upsip/internal/server/usb"
	"github.com/upsip/upsip/virtualbus"
)

func lookupUPS(s *usb.Server, params map[string]string) (*ups.UPS, virtualbus.DeviceMeta, error) {
	m, err := lookupDevice(s, params["busId"], params["deviceid"])
	if err != nil {
		return nil, m, err
	}
	u, ok := m.Dev.(*ups.UPS)
	if !ok {
		return nil, m, apierror.ErrBadRequest(fmt.Sprintf("device %s is a %s, not a ups", params["deviceid"], api.DeviceType(m.Dev)))
	}
	return u, m, nil
}

func upsStatus(u *ups.UPS, m virtualbus.DeviceMeta) apitypes.UPSStatusResponse {
	st := u.Status()
	return apitypes.UPSStatusResponse{
		BusID:        m.Meta.BusId,
		DevId:        fmt.Sprintf("%d", m.Meta.DevId),
		Online:       st.Online,
		BatteryGood:  st.BatteryGood,
		Configured:   st.Configured,
		Transactions: st.Transactions,
		State:        st.State.String(),
		Indicator:    st.Indicator,
		Mode:         st.Mode,
		Queued:       st.Queued,
	}
}

// UPSStatus returns a handler reporting the emulated status register and
// protocol counters of a UPS device.
func UPSStatus(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, _ *slog.Logger) error {
		u, m, err := lookupUPS(s, req.Params)
		if err != nil {
			return err
		}
		return writeJSON(res, upsStatus(u, m))
	}
}

// UPSLine returns a handler that sets the line state of a telemetry-mode UPS.
// Omitted fields keep their current value. Demo-mode devices answer 409.
func UPSLine(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		u, m, err := lookupUPS(s, req.Params)
		if err != nil {
			return err
		}
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing payload")
		}
		var lr apitypes.UPSLineRequest
		if err := json.Unmarshal([]byte(req.Payload), &lr); err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		line, ok := u.Line()
		if !ok {
			return apierror.ErrConflict(fmt.Sprintf("device %d runs the %s schedule", m.Meta.DevId, u.Mode()))
		}
		if lr.Online != nil {
			line.Online = *lr.Online
		}
		if lr.BatteryGood != nil {
			line.BatteryGood = *lr.BatteryGood
		}
		if err := u.SetLine(line); err != nil {
			if errors.Is(err, ups.ErrNotTelemetry) {
				return apierror.ErrConflict(err.Error())
			}
			return err
		}
		logger.Info("ups line updated", "busID", m.Meta.BusId, "deviceID", m.Meta.DevId, "line", line.String())
		return writeJSON(res, upsStatus(u, m))
	}
}
