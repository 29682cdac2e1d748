// Package ups emulates a Richcomm UPS-to-USB interface, as read by the NUT
// richcomm_usb driver.
package ups

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/usb"
	"github.com/upsip/upsip/usbip"
)

// ErrNotTelemetry is returned when line state is fed to a device running
// the demo schedule.
var ErrNotTelemetry = errors.New("ups: device is not in telemetry mode")

// UPS is the virtual device. It is the Stack for its own Protocol, driven by
// the USB/IP server through HandleControl, SetConfiguration and HandleTransfer.
type UPS struct {
	descriptor usb.Descriptor
	mode       string
	telemetry  *TelemetrySchedule
	proto      *Protocol
	logger     *slog.Logger

	mu         sync.Mutex
	handler    ControlHandler
	configured bool
	rxArmed    int
	acked      bool
	pipes      map[uint8]*Pipe
	queue      [][]byte
	sent       [][]byte
	replyFunc  func([]byte)
}

// Status is a point-in-time view of the device.
type Status struct {
	Online       bool
	BatteryGood  bool
	Transactions uint64
	State        State
	Indicator    bool
	Configured   bool
	Mode         string
	Queued       int
}

// New returns a new UPS device. Options may override VID/PID, the serial
// string and the mode ("demo" by default).
func New(o *device.CreateOptions) (*UPS, error) {
	u := &UPS{
		descriptor: defaultDescriptor(),
		mode:       ModeDemo,
		pipes:      make(map[uint8]*Pipe),
	}
	if o != nil {
		if o.IdVendor != nil {
			u.descriptor.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			u.descriptor.Device.IDProduct = *o.IdProduct
		}
		if o.Serial != nil && *o.Serial != "" {
			u.descriptor.Strings[StrSerial] = *o.Serial
		}
		if o.Mode != nil && *o.Mode != "" {
			u.mode = *o.Mode
		}
	}

	u.logger = slog.Default().With("device", "ups", "mode", u.mode)

	var sched Schedule
	switch u.mode {
	case ModeDemo:
		sched = DemoSchedule
	case ModeTelemetry:
		u.telemetry = NewTelemetrySchedule()
		sched = u.telemetry
	default:
		return nil, fmt.Errorf("unknown ups mode %q", u.mode)
	}
	u.proto = NewProtocol(u, sched, u.logger)
	return u, nil
}

// SetLogger replaces the device logger. Call before the device is attached.
func (u *UPS) SetLogger(l *slog.Logger) {
	u.logger = l.With("device", "ups", "mode", u.mode)
	u.proto.logger = u.logger
}

// SetReplyCallback registers f to receive a copy of every reply frame
// transmitted on the interrupt pipe. Pass nil to clear it.
func (u *UPS) SetReplyCallback(f func([]byte)) {
	u.mu.Lock()
	u.replyFunc = f
	u.mu.Unlock()
}

// SetLine feeds the telemetry schedule. The register picks the new state up
// at the next completed query.
func (u *UPS) SetLine(ls LineState) error {
	if u.telemetry == nil {
		return ErrNotTelemetry
	}
	u.telemetry.Set(ls)
	return nil
}

// Line returns the telemetry line state, or false in demo mode.
func (u *UPS) Line() (LineState, bool) {
	if u.telemetry == nil {
		return LineState{}, false
	}
	return u.telemetry.Line(), true
}

func (u *UPS) Mode() string { return u.mode }

// RequiresStream is true in telemetry mode, where line state arrives over
// the API stream.
func (u *UPS) RequiresStream() bool { return u.mode == ModeTelemetry }

// Protocol exposes the control protocol handler.
func (u *UPS) Protocol() *Protocol { return u.proto }

func (u *UPS) Status() Status {
	reg := u.proto.Register()
	u.mu.Lock()
	queued := len(u.queue)
	configured := u.configured
	u.mu.Unlock()
	return Status{
		Online:       reg.Online(),
		BatteryGood:  reg.BatteryGood(),
		Transactions: u.proto.Transactions(),
		State:        u.proto.State(),
		Indicator:    u.proto.Indicator(),
		Configured:   configured,
		Mode:         u.mode,
		Queued:       queued,
	}
}

// GetDescriptor implements usb.Device.
func (u *UPS) GetDescriptor() *usb.Descriptor {
	return &u.descriptor
}

// SetConfiguration implements usb.ConfigurableDevice.
func (u *UPS) SetConfiguration(config uint8) {
	u.mu.Lock()
	u.configured = config != 0
	u.mu.Unlock()
	if config != 0 {
		u.proto.OnConfigurationSelected(config)
	}
}

// HandleControl implements usb.ControlDevice. The USB/IP transport delivers
// the SETUP and OUT data stages of a request together.
func (u *UPS) HandleControl(bmRequestType, bRequest uint8, wValue, wIndex, wLength uint16, data []byte) ([]byte, bool) {
	setup := usb.SetupPacket{RequestType: bmRequestType, Request: bRequest, Value: wValue, Index: wIndex, Length: wLength}

	u.mu.Lock()
	h := u.handler
	if !u.configured {
		h = nil
	}
	u.acked = false
	u.rxArmed = 0
	u.mu.Unlock()

	if h == nil {
		u.logger.Debug("control request before configuration", "setup", setup)
		return nil, false
	}
	if !h.OnControlRequest(setup) {
		u.logger.Debug("control request declined", "setup", setup)
		return nil, false
	}
	u.mu.Lock()
	armed := u.rxArmed
	u.mu.Unlock()
	if armed != len(data) {
		u.logger.Debug("data stage length differs from armed buffer", "armed", armed, "got", len(data))
	}
	if err := h.OnControlDataReceived(data); err != nil {
		u.logger.Warn("control data rejected", "setup", setup, "len", len(data), "error", err)
		return nil, false
	}

	u.mu.Lock()
	acked := u.acked
	sent := u.sent
	u.sent = nil
	f := u.replyFunc
	u.mu.Unlock()

	if f != nil {
		for _, frame := range sent {
			f(frame)
		}
	}
	return nil, acked
}

// HandleTransfer implements usb.Device: interrupt IN on EP1 returns the
// oldest queued reply, or an empty packet when none is queued.
func (u *UPS) HandleTransfer(ep uint32, dir uint32, _ []byte) []byte {
	if dir != usbip.DirIn || ep != ReplyEndpoint {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) == 0 {
		return nil
	}
	frame := u.queue[0]
	u.queue = u.queue[1:]
	return frame
}

// Stack implementation. Called by u.proto with its lock held.

func (u *UPS) AttachFunction(h ControlHandler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

func (u *UPS) InitPipe(endpoint uint8, dir PipeDir, maxPacket uint16) *Pipe {
	u.mu.Lock()
	defer u.mu.Unlock()
	p := &Pipe{Endpoint: endpoint, Dir: dir, MaxPacket: maxPacket}
	u.pipes[endpoint] = p
	return p
}

func (u *UPS) ReceiveControl(n int) {
	u.mu.Lock()
	u.rxArmed = n
	u.mu.Unlock()
}

func (u *UPS) AckControl() {
	u.mu.Lock()
	u.acked = true
	u.mu.Unlock()
}

func (u *UPS) Transmit(p *Pipe, frame []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pipes[p.Endpoint] != p {
		u.logger.Error("transmit on unknown pipe", "ep", p.Endpoint)
		return
	}
	if len(frame) > int(p.MaxPacket) {
		frame = frame[:p.MaxPacket]
	}
	buf := append([]byte(nil), frame...)
	if len(u.queue) >= maxQueuedReplies {
		u.queue = u.queue[1:]
	}
	u.queue = append(u.queue, buf)
	u.sent = append(u.sent, buf)
}

func defaultDescriptor() usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0x00,
			BDeviceSubClass:    0x00,
			BDeviceProtocol:    0x00,
			BMaxPacketSize0:    0x40,
			IDVendor:           RichcommVID,
			IDProduct:          RichcommPID,
			BcdDevice:          0x0001,
			IManufacturer:      StrManufacturer,
			IProduct:           StrProduct,
			ISerialNumber:      StrSerial,
			BNumConfigurations: 0x01,
			Speed:              2, // Full speed
		},
		Config: usb.ConfigHeader{
			BConfigurationValue: 1,
			BMAttributes:        usb.ConfigAttrBusPowered,
			BMaxPower:           10, // 20 mA
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:   0,
					BAlternateSetting:  0,
					BNumEndpoints:      1,
					BInterfaceClass:    0xFF,
					BInterfaceSubClass: 0x00,
					BInterfaceProtocol: 0x00,
				},
				Endpoints: []usb.EndpointDescriptor{
					{
						BEndpointAddress: usb.EndpointDirIn | ReplyEndpoint,
						BMAttributes:     usb.EndpointXferInterrupt,
						WMaxPacketSize:   ReplyMaxPacket,
						BInterval:        ReplyInterval,
					},
				},
			},
		},
		Strings: map[uint8]string{
			StrManufacturer: DefaultManufacturer,
			StrProduct:      DefaultProduct,
			StrSerial:       DefaultSerial,
		},
		LangIDs: []uint16{usb.LangIDEnglishUS},
	}
}
