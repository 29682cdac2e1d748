package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/internal/server/api"
	apierror "github.com/upsip/upsip/internal/server/api/error"
	"github.com/upsip/upsip/internal/server/usb"
	"github.com/upsip/upsip/virtualbus"
)

// BusDeviceAdd returns a handler that creates a device and plugs it into a bus.
//
// Devices fed by a stream are removed again if no stream attaches within
// DeviceHandlerConnectTimeout.
func BusDeviceAdd(s *usb.Server, apiSrv *api.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := lookupBus(s, req.Params["id"])
		if err != nil {
			return err
		}
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing payload")
		}
		var createReq apitypes.DeviceCreateRequest
		if err := json.Unmarshal([]byte(req.Payload), &createReq); err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		if createReq.Type == nil || *createReq.Type == "" {
			return apierror.ErrBadRequest("missing device type")
		}
		name := strings.ToLower(*createReq.Type)
		reg := api.GetRegistration(name)
		if reg == nil {
			return apierror.ErrBadRequest(fmt.Sprintf("unknown device type: %s", name))
		}

		dev, err := reg.CreateDevice(&device.CreateOptions{
			IdVendor:  createReq.IdVendor.Uint16(),
			IdProduct: createReq.IdProduct.Uint16(),
			Serial:    createReq.Serial,
			Mode:      createReq.Mode,
		})
		if err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("create %s: %v", name, err))
		}
		devCtx, err := b.Add(dev)
		if err != nil {
			return apierror.ErrInternal(fmt.Sprintf("failed to add device to bus: %v", err))
		}
		meta := device.GetDeviceMeta(devCtx)
		if meta == nil {
			return apierror.ErrInternal("failed to get device metadata from context")
		}
		deviceID := fmt.Sprintf("%d", meta.DevId)
		logger = logger.With("busID", b.BusID(), "deviceID", deviceID, "type", name)
		logger.Info("device added")

		timeout := apiSrv.Config().DeviceHandlerConnectTimeout
		if t := device.GetConnTimer(devCtx); t != nil && timeout > 0 && device.RequiresStream(dev) {
			t.Reset(timeout)
			go func() {
				select {
				case <-devCtx.Done():
					t.Stop()
				case <-t.C:
					if err := b.RemoveDeviceByID(deviceID); err != nil {
						logger.Error("timeout: failed to remove device", "error", err)
						return
					}
					logger.Info("timeout: removed device (no stream connected)")
				}
			}()
		}

		if apiSrv.Config().AutoAttachLocalClient {
			if err := api.AttachLocalhostClient(req.Ctx, meta, s.GetListenPort(), logger); err != nil {
				return apierror.ErrConflict(fmt.Sprintf("failed to auto-attach device: %v", err))
			}
		}

		return writeJSON(res, deviceInfo(virtualbus.DeviceMeta{Dev: dev, Meta: *meta}))
	}
}
