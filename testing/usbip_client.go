// Package testing provides a minimal USB/IP host and server fixtures for
// end-to-end tests.
package testing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/upsip/upsip/usb"
	"github.com/upsip/upsip/usbip"
)

// DefaultTimeout bounds every URB round trip.
const DefaultTimeout = 750 * time.Millisecond

// TestUsbIpClient plays the host side of USB/IP.
type TestUsbIpClient struct {
	address string
	seq     uint32
}

// Device is one entry of a device list or import reply.
type Device struct {
	Path       string
	BusID      string
	BusNum     uint32
	DeviceNum  uint32
	Speed      uint32
	IDVendor   uint16
	IDProduct  uint16
	BcdDevice  uint16
	Class      uint8
	SubClass   uint8
	Protocol   uint8
	ConfigVal  uint8
	NumConfigs uint8
	NumIfaces  uint8
	Interfaces []usbip.InterfaceDesc
}

// ImportResult is an attached device and the connection carrying its URBs.
type ImportResult struct {
	Conn     net.Conn
	Exported Device
}

// URBResult is a completed RET_SUBMIT.
type URBResult struct {
	Status int32
	Data   []byte
}

func NewUsbIpClient(t *testing.T, addr string) *TestUsbIpClient {
	t.Helper()
	return &TestUsbIpClient{address: addr}
}

func (c *TestUsbIpClient) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

func (c *TestUsbIpClient) ListDevices() ([]Device, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	var hdr [12]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return nil, err
	}
	if err := checkMgmt(hdr[:8], usbip.OpRepDevlist); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[8:12])
	devices := make([]Device, 0, n)
	for range n {
		dev, err := readExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// AttachDevice imports busID. The caller owns the returned connection.
func (c *TestUsbIpClient) AttachDevice(busID string) (*ImportResult, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	res, err := c.attach(conn, busID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return res, nil
}

func (c *TestUsbIpClient) attach(conn net.Conn, busID string) (*ImportResult, error) {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		return nil, err
	}
	var bus [usbip.BusIDSize]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		return nil, err
	}

	var hdr [8]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return nil, err
	}
	if err := checkMgmt(hdr[:], usbip.OpRepImport); err != nil {
		return nil, err
	}
	if status := binary.BigEndian.Uint32(hdr[4:8]); status != 0 {
		return nil, fmt.Errorf("import of %s refused (status %d)", busID, status)
	}
	dev, err := readExportedDevice(conn, false)
	if err != nil {
		return nil, err
	}
	return &ImportResult{Conn: conn, Exported: dev}, nil
}

func checkMgmt(hdr []byte, want uint16) error {
	if v := binary.BigEndian.Uint16(hdr[0:2]); v != usbip.Version {
		return fmt.Errorf("unexpected usbip version %x", v)
	}
	if cmd := binary.BigEndian.Uint16(hdr[2:4]); cmd != want {
		return fmt.Errorf("unexpected reply command %x", cmd)
	}
	return nil
}

func readExportedDevice(r io.Reader, withIfaces bool) (Device, error) {
	var base [usbip.ExportedDeviceSize]byte
	if err := usbip.ReadExactly(r, base[:]); err != nil {
		return Device{}, err
	}
	d := Device{
		Path:       cString(base[0:256]),
		BusID:      cString(base[256:288]),
		BusNum:     binary.BigEndian.Uint32(base[288:292]),
		DeviceNum:  binary.BigEndian.Uint32(base[292:296]),
		Speed:      binary.BigEndian.Uint32(base[296:300]),
		IDVendor:   binary.BigEndian.Uint16(base[300:302]),
		IDProduct:  binary.BigEndian.Uint16(base[302:304]),
		BcdDevice:  binary.BigEndian.Uint16(base[304:306]),
		Class:      base[306],
		SubClass:   base[307],
		Protocol:   base[308],
		ConfigVal:  base[309],
		NumConfigs: base[310],
		NumIfaces:  base[311],
	}
	if withIfaces && d.NumIfaces > 0 {
		buf := make([]byte, int(d.NumIfaces)*4)
		if err := usbip.ReadExactly(r, buf); err != nil {
			return Device{}, err
		}
		for o := 0; o < len(buf); o += 4 {
			d.Interfaces = append(d.Interfaces, usbip.InterfaceDesc{Class: buf[o], SubClass: buf[o+1], Protocol: buf[o+2]})
		}
	}
	return d, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Submit sends one CMD_SUBMIT and waits for its RET_SUBMIT. For IN transfers
// length is the buffer size; for OUT transfers it is len(out).
func (c *TestUsbIpClient) Submit(conn net.Conn, dir, ep uint32, length uint32, out []byte, setup [8]byte) (URBResult, error) {
	if conn == nil {
		return URBResult{}, io.ErrUnexpectedEOF
	}
	if dir == usbip.DirOut {
		length = uint32(len(out))
	}
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: c.nextSeq(), Dir: dir, Ep: ep},
		TransferBufferLen: length,
		Setup:             setup,
	}

	_ = conn.SetDeadline(time.Now().Add(DefaultTimeout))
	defer conn.SetDeadline(time.Time{})

	var frame bytes.Buffer
	if err := cmd.Write(&frame); err != nil {
		return URBResult{}, err
	}
	if dir == usbip.DirOut {
		frame.Write(out)
	}
	if _, err := conn.Write(frame.Bytes()); err != nil {
		return URBResult{}, err
	}

	var hdr [usbip.URBHeaderSize]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return URBResult{}, err
	}
	ret, err := usbip.ParseRetSubmit(hdr[:])
	if err != nil {
		return URBResult{}, err
	}
	if ret.Basic.Seqnum != cmd.Basic.Seqnum {
		return URBResult{}, fmt.Errorf("reply for seq %d, want %d", ret.Basic.Seqnum, cmd.Basic.Seqnum)
	}
	res := URBResult{Status: ret.Status}
	if dir == usbip.DirIn && ret.ActualLength > 0 {
		res.Data = make([]byte, ret.ActualLength)
		if err := usbip.ReadExactly(conn, res.Data); err != nil {
			return URBResult{}, err
		}
	}
	return res, nil
}

// Control runs a control transfer on EP0. The direction follows setup.
func (c *TestUsbIpClient) Control(conn net.Conn, setup usb.SetupPacket, out []byte) (URBResult, error) {
	dir := uint32(usbip.DirOut)
	if setup.IsDeviceToHost() {
		dir = usbip.DirIn
	}
	return c.Submit(conn, dir, 0, uint32(setup.Length), out, setup.Bytes())
}

// ReadInterrupt polls an interrupt IN endpoint once.
func (c *TestUsbIpClient) ReadInterrupt(conn net.Conn, ep uint32, max uint32) ([]byte, error) {
	res, err := c.Submit(conn, usbip.DirIn, ep, max, nil, [8]byte{})
	if err != nil {
		return nil, err
	}
	if res.Status != usbip.StatusOK {
		return nil, fmt.Errorf("ret status %d", res.Status)
	}
	return res.Data, nil
}

// Unlink cancels seq and returns the RET_UNLINK status.
func (c *TestUsbIpClient) Unlink(conn net.Conn, seq uint32) (int32, error) {
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: c.nextSeq()},
		UnlinkSeqnum: seq,
	}
	_ = conn.SetDeadline(time.Now().Add(DefaultTimeout))
	defer conn.SetDeadline(time.Time{})
	if err := cmd.Write(conn); err != nil {
		return 0, err
	}
	var hdr [usbip.URBHeaderSize]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return 0, err
	}
	if got := binary.BigEndian.Uint32(hdr[0:4]); got != usbip.RetUnlinkCode {
		return 0, fmt.Errorf("unexpected ret cmd %x", got)
	}
	return int32(binary.BigEndian.Uint32(hdr[20:24])), nil
}

// Enumerate does what a host does before using the device: read the device
// and configuration descriptors and select configuration 1.
func (c *TestUsbIpClient) Enumerate(conn net.Conn) (device, config []byte, err error) {
	get := func(descType uint8, length uint16) ([]byte, error) {
		res, err := c.Control(conn, usb.SetupPacket{
			RequestType: usb.RequestDirDeviceToHost,
			Request:     usb.RequestGetDescriptor,
			Value:       uint16(descType) << 8,
			Length:      length,
		}, nil)
		if err != nil {
			return nil, err
		}
		if res.Status != usbip.StatusOK {
			return nil, fmt.Errorf("get descriptor %d: status %d", descType, res.Status)
		}
		return res.Data, nil
	}
	if device, err = get(usb.DeviceDescType, 18); err != nil {
		return nil, nil, err
	}
	if config, err = get(usb.ConfigDescType, 255); err != nil {
		return nil, nil, err
	}
	res, err := c.Control(conn, usb.SetupPacket{Request: usb.RequestSetConfiguration, Value: 1}, nil)
	if err != nil {
		return nil, nil, err
	}
	if res.Status != usbip.StatusOK {
		return nil, nil, fmt.Errorf("set configuration: status %d", res.Status)
	}
	return device, config, nil
}
