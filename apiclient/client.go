// Package apiclient is a Go client for the upsip management API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/device"
)

// Client wraps a Transport with typed request and response handling.
type Client struct{ transport *Transport }

// New constructs a plain-text client for the API at addr (host:port).
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword constructs a client that authenticates with the given password.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// NewWithConfig constructs a client with a custom transport configuration.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport constructs a Client around an existing Transport.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

func busParams(busID uint32) map[string]string {
	return map[string]string{"id": fmt.Sprint(busID)}
}

func devParams(busID uint32, devID string) map[string]string {
	return map[string]string{"busId": fmt.Sprint(busID), "deviceid": devID}
}

func call[T any](ctx context.Context, c *Client, path string, payload any, params map[string]string) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload, params)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

// Ping returns the identity and version of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return call[apitypes.PingResponse](ctx, c, "ping", nil, nil)
}

// BusCreate creates a bus with the given number, or the next free one when busID is 0.
func (c *Client) BusCreate(busID uint32) (*apitypes.BusCreateResponse, error) {
	return c.BusCreateCtx(context.Background(), busID)
}

func (c *Client) BusCreateCtx(ctx context.Context, busID uint32) (*apitypes.BusCreateResponse, error) {
	var payload any
	if busID != 0 {
		payload = fmt.Sprint(busID)
	}
	return call[apitypes.BusCreateResponse](ctx, c, "bus/create", payload, nil)
}

// BusRemove removes a bus and every device on it.
func (c *Client) BusRemove(busID uint32) (*apitypes.BusRemoveResponse, error) {
	return c.BusRemoveCtx(context.Background(), busID)
}

func (c *Client) BusRemoveCtx(ctx context.Context, busID uint32) (*apitypes.BusRemoveResponse, error) {
	return call[apitypes.BusRemoveResponse](ctx, c, "bus/remove", fmt.Sprint(busID), nil)
}

// BusList lists active bus numbers.
func (c *Client) BusList() (*apitypes.BusListResponse, error) {
	return c.BusListCtx(context.Background())
}

func (c *Client) BusListCtx(ctx context.Context) (*apitypes.BusListResponse, error) {
	return call[apitypes.BusListResponse](ctx, c, "bus/list", nil, nil)
}

// DeviceAdd creates a device of devType (e.g. "ups") on a bus.
func (c *Client) DeviceAdd(busID uint32, devType string, o *device.CreateOptions) (*apitypes.Device, error) {
	return c.DeviceAddCtx(context.Background(), busID, devType, o)
}

func (c *Client) DeviceAddCtx(ctx context.Context, busID uint32, devType string, o *device.CreateOptions) (*apitypes.Device, error) {
	if o == nil {
		o = &device.CreateOptions{}
	}
	req := apitypes.DeviceCreateRequest{
		Type:      &devType,
		IdVendor:  apitypes.NewUSBID(o.IdVendor),
		IdProduct: apitypes.NewUSBID(o.IdProduct),
		Serial:    o.Serial,
		Mode:      o.Mode,
	}
	return call[apitypes.Device](ctx, c, "bus/{id}/add", req, busParams(busID))
}

// DeviceRemove removes device devID from a bus. Its USB/IP session is closed.
func (c *Client) DeviceRemove(busID uint32, devID string) (*apitypes.DeviceRemoveResponse, error) {
	return c.DeviceRemoveCtx(context.Background(), busID, devID)
}

func (c *Client) DeviceRemoveCtx(ctx context.Context, busID uint32, devID string) (*apitypes.DeviceRemoveResponse, error) {
	return call[apitypes.DeviceRemoveResponse](ctx, c, "bus/{id}/remove", devID, busParams(busID))
}

// DevicesList lists the devices on a bus.
func (c *Client) DevicesList(busID uint32) (*apitypes.DevicesListResponse, error) {
	return c.DevicesListCtx(context.Background(), busID)
}

func (c *Client) DevicesListCtx(ctx context.Context, busID uint32) (*apitypes.DevicesListResponse, error) {
	return call[apitypes.DevicesListResponse](ctx, c, "bus/{id}/list", nil, busParams(busID))
}

// UPSStatus reads the status register and counters of a UPS device.
func (c *Client) UPSStatus(busID uint32, devID string) (*apitypes.UPSStatusResponse, error) {
	return c.UPSStatusCtx(context.Background(), busID, devID)
}

func (c *Client) UPSStatusCtx(ctx context.Context, busID uint32, devID string) (*apitypes.UPSStatusResponse, error) {
	return call[apitypes.UPSStatusResponse](ctx, c, "ups/{busId}/{deviceid}/status", nil, devParams(busID, devID))
}

// UPSSetLine updates the line state of a telemetry-mode UPS. Nil fields are left unchanged.
func (c *Client) UPSSetLine(busID uint32, devID string, online, batteryGood *bool) (*apitypes.UPSStatusResponse, error) {
	return c.UPSSetLineCtx(context.Background(), busID, devID, online, batteryGood)
}

func (c *Client) UPSSetLineCtx(ctx context.Context, busID uint32, devID string, online, batteryGood *bool) (*apitypes.UPSStatusResponse, error) {
	req := apitypes.UPSLineRequest{Online: online, BatteryGood: batteryGood}
	return call[apitypes.UPSStatusResponse](ctx, c, "ups/{busId}/{deviceid}/line", req, devParams(busID, devID))
}

// parse decodes a response line, returning *apitypes.ApiError for problem replies.
// Unknown fields are rejected so protocol drift shows up as an error.
func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
