// Package virtualbus numbers buses and devices the way a USB host controller
// would, and owns the lifetime context of every attached device.
package virtualbus

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/usb"
	"github.com/upsip/upsip/usbip"
)

// sysfsRoot is the path prefix advertised in device lists.
const sysfsRoot = "/sys/devices/platform/upsip"

var (
	busesMu sync.Mutex
	buses   = make(map[uint32]struct{})
)

// VirtualBus is one numbered bus holding up to 127 devices.
type VirtualBus struct {
	mu      sync.Mutex
	id      uint32
	entries []*entry
}

type entry struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}

// DeviceMeta is a device together with the identity it is exported under.
type DeviceMeta struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

// maxDevices is the USB address space less the default address.
const maxDevices = 127

// New reserves the lowest free bus number, starting at 1.
func New() *VirtualBus {
	busesMu.Lock()
	defer busesMu.Unlock()
	id := uint32(1)
	for {
		if _, taken := buses[id]; !taken {
			break
		}
		id++
	}
	buses[id] = struct{}{}
	return &VirtualBus{id: id}
}

// NewWithBusId reserves a specific bus number.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	if busId == 0 {
		return nil, fmt.Errorf("bus number 0 is reserved")
	}
	busesMu.Lock()
	defer busesMu.Unlock()
	if _, taken := buses[busId]; taken {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	buses[busId] = struct{}{}
	return &VirtualBus{id: busId}, nil
}

// Add plugs dev into the lowest free port. The returned context lives until
// the device is removed or the bus is closed and carries the export
// metadata and the stream connect timer (device.GetDeviceMeta,
// device.GetConnTimer).
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mu.Lock()
	defer vb.mu.Unlock()

	devID := uint32(1)
	for _, e := range vb.entries {
		if e.dev == dev {
			return nil, fmt.Errorf("device already registered on bus %d", vb.id)
		}
		if e.meta.DevId == devID {
			devID++
		}
	}
	if devID > maxDevices {
		return nil, fmt.Errorf("bus %d is full", vb.id)
	}

	busDevID := fmt.Sprintf("%d-%d", vb.id, devID)
	e := &entry{dev: dev}
	copy(e.meta.Path[:], fmt.Sprintf("%s/usb%d/%s", sysfsRoot, vb.id, busDevID))
	copy(e.meta.USBBusId[:], busDevID)
	e.meta.BusId = vb.id
	e.meta.DevId = devID

	// Armed by the API only for devices that wait on a stream.
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, device.ExportMetaKey, &e.meta)
	e.ctx = context.WithValue(ctx, device.ConnTimerKey, timer)
	e.cancel = cancel

	vb.entries = append(vb.entries, e)
	slices.SortFunc(vb.entries, func(a, b *entry) int { return int(a.meta.DevId) - int(b.meta.DevId) })
	return e.ctx, nil
}

func (vb *VirtualBus) find(deviceID string) int {
	id, err := strconv.ParseUint(deviceID, 10, 32)
	if err != nil {
		return -1
	}
	return slices.IndexFunc(vb.entries, func(e *entry) bool { return e.meta.DevId == uint32(id) })
}

// Lookup returns the device numbered deviceID ("1", "2", ...).
func (vb *VirtualBus) Lookup(deviceID string) (DeviceMeta, bool) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	i := vb.find(deviceID)
	if i < 0 {
		return DeviceMeta{}, false
	}
	return DeviceMeta{Dev: vb.entries[i].dev, Meta: vb.entries[i].meta}, true
}

// GetAllDeviceMetas lists attached devices ordered by device number.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	out := make([]DeviceMeta, len(vb.entries))
	for i, e := range vb.entries {
		out[i] = DeviceMeta{Dev: e.dev, Meta: e.meta}
	}
	return out
}

// BusID returns the bus number.
func (vb *VirtualBus) BusID() uint32 {
	return vb.id
}

// Len reports how many devices are attached.
func (vb *VirtualBus) Len() int {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return len(vb.entries)
}

// RemoveDeviceByID unplugs the device numbered deviceID.
func (vb *VirtualBus) RemoveDeviceByID(deviceID string) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	i := vb.find(deviceID)
	if i < 0 {
		return fmt.Errorf("device with id %s not found on bus %d", deviceID, vb.id)
	}
	vb.unplug(i)
	return nil
}

// Remove unplugs dev.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	i := slices.IndexFunc(vb.entries, func(e *entry) bool { return e.dev == dev })
	if i < 0 {
		return fmt.Errorf("device not found on bus %d", vb.id)
	}
	vb.unplug(i)
	return nil
}

func (vb *VirtualBus) unplug(i int) {
	vb.entries[i].cancel()
	vb.entries = slices.Delete(vb.entries, i, i+1)
}

// Close unplugs every device and releases the bus number. The bus must not
// be used afterwards.
func (vb *VirtualBus) Close() error {
	vb.mu.Lock()
	for _, e := range vb.entries {
		e.cancel()
	}
	vb.entries = nil
	vb.mu.Unlock()

	busesMu.Lock()
	delete(buses, vb.id)
	busesMu.Unlock()
	return nil
}

// GetDeviceContext returns the lifetime context of dev, or nil when dev is
// not attached.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	for _, e := range vb.entries {
		if e.dev == dev {
			return e.ctx
		}
	}
	return nil
}
