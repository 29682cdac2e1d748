// Package handler implements the management API routes.
//
// Handlers only return errors; logging of failures is done by the API server.
package handler

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/internal/server/api"
	apierror "github.com/upsip/upsip/internal/server/api/error"
	"github.com/upsip/upsip/internal/server/usb"
	"github.com/upsip/upsip/virtualbus"
)

func parseBusID(s string) (uint32, error) {
	if s == "" {
		return 0, apierror.ErrBadRequest("missing busId")
	}
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
	}
	return uint32(id), nil
}

func lookupBus(s *usb.Server, param string) (*virtualbus.VirtualBus, error) {
	busID, err := parseBusID(param)
	if err != nil {
		return nil, err
	}
	b := s.GetBus(busID)
	if b == nil {
		return nil, apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
	}
	return b, nil
}

func lookupDevice(s *usb.Server, busParam, devID string) (virtualbus.DeviceMeta, error) {
	b, err := lookupBus(s, busParam)
	if err != nil {
		return virtualbus.DeviceMeta{}, err
	}
	m, ok := b.Lookup(devID)
	if !ok {
		return virtualbus.DeviceMeta{}, apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", devID, b.BusID()))
	}
	return m, nil
}

func writeJSON(res *api.Response, v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(out)
	return nil
}

type moder interface{ Mode() string }

// deviceInfo describes a bus device for API responses.
func deviceInfo(m virtualbus.DeviceMeta) apitypes.Device {
	desc := m.Dev.GetDescriptor()
	d := apitypes.Device{
		BusID: m.Meta.BusId,
		DevId: strconv.FormatUint(uint64(m.Meta.DevId), 10),
		Vid:   fmt.Sprintf("0x%04x", desc.Device.IDVendor),
		Pid:   fmt.Sprintf("0x%04x", desc.Device.IDProduct),
		Type:  api.DeviceType(m.Dev),
	}
	if idx := desc.Device.ISerialNumber; idx != 0 {
		d.Serial = desc.Strings[idx]
	}
	if md, ok := m.Dev.(moder); ok {
		d.Mode = md.Mode()
	}
	return d
}
