// Package apitypes holds the JSON payloads of the management API.
package apitypes

import (
	"fmt"
	"strconv"
	"strings"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// PingResponse identifies the server.
type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type BusListResponse struct {
	Buses []uint32 `json:"buses"`
}

type BusCreateResponse struct {
	BusID uint32 `json:"busId"`
}

type BusRemoveResponse struct {
	BusID uint32 `json:"busId"`
}

// Device is one entry of bus/{id}/list. Vid and Pid are formatted as 0x%04x.
type Device struct {
	BusID  uint32 `json:"busId"`
	DevId  string `json:"devId"`
	Vid    string `json:"vid"`
	Pid    string `json:"pid"`
	Type   string `json:"type"`
	Serial string `json:"serial,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

type DevicesListResponse struct {
	Devices []Device `json:"devices"`
}

type DeviceRemoveResponse struct {
	BusID uint32 `json:"busId"`
	DevId string `json:"devId"`
}

// UPSStatusResponse reports the emulated status register of a UPS device.
type UPSStatusResponse struct {
	BusID        uint32 `json:"busId"`
	DevId        string `json:"devId"`
	Online       bool   `json:"online"`
	BatteryGood  bool   `json:"batteryGood"`
	Configured   bool   `json:"configured"`
	Transactions uint64 `json:"transactions"`
	State        string `json:"state"`
	Indicator    bool   `json:"indicator"`
	Mode         string `json:"mode"`
	Queued       int    `json:"queued"`
}

// UPSLineRequest sets the line state of a UPS in telemetry mode.
type UPSLineRequest struct {
	Online      *bool `json:"online"`
	BatteryGood *bool `json:"batteryGood"`
}

// DeviceCreateRequest is the payload of bus/{id}/add.
type DeviceCreateRequest struct {
	Type      *string `json:"type"`
	IdVendor  *USBID  `json:"idVendor,omitempty"`
	IdProduct *USBID  `json:"idProduct,omitempty"`
	Serial    *string `json:"serial,omitempty"`
	Mode      *string `json:"mode,omitempty"`
}

// USBID is a vendor or product ID. It decodes from a JSON number or from a
// string holding hex ("0x0925", "abcd") or decimal digits, and always
// encodes as a number.
type USBID uint16

func (id *USBID) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	base := 10
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
		if rest, ok := strings.CutPrefix(strings.ToLower(text), "0x"); ok {
			text, base = rest, 16
		} else if strings.ContainsAny(text, "abcdefABCDEF") {
			base = 16
		}
	}
	v, err := strconv.ParseUint(text, base, 16)
	if err != nil {
		return fmt.Errorf("usb id %s: expected number or hex string in uint16 range", data)
	}
	*id = USBID(v)
	return nil
}

func (id USBID) String() string { return fmt.Sprintf("0x%04x", uint16(id)) }

// Uint16 returns a copy of id as *uint16, keeping nil.
func (id *USBID) Uint16() *uint16 {
	if id == nil {
		return nil
	}
	v := uint16(*id)
	return &v
}

// NewUSBID converts an optional uint16 into an optional USBID.
func NewUSBID(v *uint16) *USBID {
	if v == nil {
		return nil
	}
	id := USBID(*v)
	return &id
}
