// Package usbip implements the USB/IP wire format (protocol version 1.1.1).
package usbip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// URB status values reported in RET_SUBMIT / RET_UNLINK (negated Linux errno).
const (
	StatusOK        = 0
	StatusStall     = -32  // -EPIPE
	StatusConnReset = -104 // -ECONNRESET
)

// Fixed sizes on the wire.
const (
	URBHeaderSize      = 0x30
	BusIDSize          = 32
	PathSize           = 256
	ExportedDeviceSize = 312
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [PathSize]byte
	USBBusId [BusIDSize]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns the "bus-dev" identifier without NUL padding.
func (m *ExportMeta) BusIDString() string {
	return cString(m.USBBusId[:])
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) encodeBase() []byte {
	buf := make([]byte, ExportedDeviceSize)
	copy(buf[0:PathSize], d.Path[:])
	copy(buf[256:288], d.USBBusId[:])
	binary.BigEndian.PutUint32(buf[288:292], d.BusId)
	binary.BigEndian.PutUint32(buf[292:296], d.DevId)
	binary.BigEndian.PutUint32(buf[296:300], d.Speed)
	binary.BigEndian.PutUint16(buf[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], d.BcdDevice)
	buf[306] = d.BDeviceClass
	buf[307] = d.BDeviceSubClass
	buf[308] = d.BDeviceProtocol
	buf[309] = d.BConfigurationValue
	buf[310] = d.BNumConfigurations
	buf[311] = d.BNumInterfaces
	return buf
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	buf := d.encodeBase()
	for _, iface := range d.Interfaces {
		buf = append(buf, iface.Class, iface.SubClass, iface.Protocol, 0)
	}
	_, err := w.Write(buf)
	return err
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	_, err := w.Write(d.encodeBase())
	return err
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Dir)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

func parseBasic(buf []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(buf[0:4]),
		Seqnum:  binary.BigEndian.Uint32(buf[4:8]),
		Devid:   binary.BigEndian.Uint32(buf[8:12]),
		Dir:     binary.BigEndian.Uint32(buf[12:16]),
		Ep:      binary.BigEndian.Uint32(buf[16:20]),
	}
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var buf [URBHeaderSize]byte
	c.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(buf[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(buf[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], c.Interval)
	copy(buf[40:48], c.Setup[:])
	_, err := w.Write(buf[:])
	return err
}

// CmdUnlink carries the sequence number of the URB to cancel.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var buf [URBHeaderSize]byte
	c.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], c.UnlinkSeqnum)
	_, err := w.Write(buf[:])
	return err
}

// ParseCommand decodes a 48-byte URB header sent by the client. Exactly one
// of the returned pointers is non-nil on success.
func ParseCommand(hdr []byte) (*CmdSubmit, *CmdUnlink, error) {
	if len(hdr) < URBHeaderSize {
		return nil, nil, io.ErrUnexpectedEOF
	}
	basic := parseBasic(hdr)
	switch basic.Command {
	case CmdSubmitCode:
		c := &CmdSubmit{
			Basic:             basic,
			TransferFlags:     binary.BigEndian.Uint32(hdr[20:24]),
			TransferBufferLen: binary.BigEndian.Uint32(hdr[24:28]),
			StartFrame:        binary.BigEndian.Uint32(hdr[28:32]),
			NumberOfPackets:   binary.BigEndian.Uint32(hdr[32:36]),
			Interval:          binary.BigEndian.Uint32(hdr[36:40]),
		}
		copy(c.Setup[:], hdr[40:48])
		return c, nil, nil
	case CmdUnlinkCode:
		return nil, &CmdUnlink{Basic: basic, UnlinkSeqnum: binary.BigEndian.Uint32(hdr[20:24])}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cmd %d (seq=%d, devid=%d)", basic.Command, basic.Seqnum, basic.Devid)
	}
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

func (r *RetSubmit) Write(w io.Writer) error {
	var buf [URBHeaderSize]byte
	r.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(buf[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], r.ErrorCount)
	_, err := w.Write(buf[:])
	return err
}

// ParseRetSubmit decodes a RET_SUBMIT header.
func ParseRetSubmit(hdr []byte) (*RetSubmit, error) {
	if len(hdr) < URBHeaderSize {
		return nil, io.ErrUnexpectedEOF
	}
	basic := parseBasic(hdr)
	if basic.Command != RetSubmitCode {
		return nil, fmt.Errorf("unexpected ret cmd %x", basic.Command)
	}
	return &RetSubmit{
		Basic:           basic,
		Status:          int32(binary.BigEndian.Uint32(hdr[20:24])),
		ActualLength:    binary.BigEndian.Uint32(hdr[24:28]),
		StartFrame:      binary.BigEndian.Uint32(hdr[28:32]),
		NumberOfPackets: binary.BigEndian.Uint32(hdr[32:36]),
		ErrorCount:      binary.BigEndian.Uint32(hdr[36:40]),
	}, nil
}

type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
}

func (r *RetUnlink) Write(w io.Writer) error {
	var buf [URBHeaderSize]byte
	r.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	_, err := w.Write(buf[:])
	return err
}

// ReadExactly fills buf from r or returns the first read error.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
