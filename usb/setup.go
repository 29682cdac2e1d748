package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SetupPacketSize is the size of a SETUP packet on the wire.
const SetupPacketSize = 8

// bmRequestType fields (USB 2.0 Table 9-2).
const (
	RequestDirMask       = 0x80
	RequestTypeMask      = 0x60
	RequestRecipientMask = 0x1F

	RequestDirHostToDevice = 0x00
	RequestDirDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	RecipientOther     = 0x03
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// ErrShortSetup is returned when fewer than 8 bytes are available.
var ErrShortSetup = errors.New("usb: setup packet too short")

// SetupPacket is a decoded SETUP stage.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue, LE on the wire
	Index       uint16 // wIndex, LE on the wire
	Length      uint16 // wLength, LE on the wire
}

// ParseSetupPacket decodes the 8-byte setup field of a control URB.
func ParseSetupPacket(b []byte) (SetupPacket, error) {
	if len(b) < SetupPacketSize {
		return SetupPacket{}, ErrShortSetup
	}
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// Bytes encodes the packet in wire order.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// Recipient returns the recipient bits of bmRequestType.
func (s SetupPacket) Recipient() uint8 { return s.RequestType & RequestRecipientMask }

// Type returns the type bits of bmRequestType (standard, class or vendor).
func (s SetupPacket) Type() uint8 { return s.RequestType & RequestTypeMask }

// IsDeviceToHost reports whether the data stage flows towards the host.
func (s SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestDirMask == RequestDirDeviceToHost
}

// IsStandard reports whether this is a chapter 9 request.
func (s SetupPacket) IsStandard() bool { return s.Type() == RequestTypeStandard }

func (s SetupPacket) String() string {
	return fmt.Sprintf("bm=%02x req=%02x val=%04x idx=%04x len=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
