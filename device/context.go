// Package device provides common interfaces and utilities for virtual USB devices.
package device

import (
	"context"
	"time"

	"github.com/upsip/upsip/usbip"
)

type contextKey int

const (
	ExportMetaKey contextKey = iota
	ConnTimerKey
)

// CreateOptions carries optional per-instance overrides supplied when a
// device is added to a bus. Nil fields keep the device's defaults.
type CreateOptions struct {
	IdVendor  *uint16
	IdProduct *uint16
	Serial    *string
	// Mode selects how a device derives its state, e.g. "demo" or "telemetry"
	// for the UPS. Devices reject modes they don't know.
	Mode *string
}

// GetDeviceMeta extracts the device metadata from a device context.
// Returns nil if the context doesn't contain device metadata.
func GetDeviceMeta(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(ExportMetaKey).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}

// GetConnTimer extracts the connection timer from a device context.
// Returns nil if the context doesn't contain the timer.
func GetConnTimer(ctx context.Context) *time.Timer {
	if timer, ok := ctx.Value(ConnTimerKey).(*time.Timer); ok {
		return timer
	}
	return nil
}

// StreamFed is implemented by devices whose state comes from an API stream.
// Such devices are removed when no stream is attached within the API's
// connect timeout.
type StreamFed interface {
	RequiresStream() bool
}

// RequiresStream reports whether dev must be fed by an API stream.
func RequiresStream(dev any) bool {
	sf, ok := dev.(StreamFed)
	return ok && sf.RequiresStream()
}
