package usb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/upsip/upsip/internal/log"
	"github.com/upsip/upsip/usb"
	"github.com/upsip/upsip/usbip"
	"github.com/upsip/upsip/virtualbus"
)

// Peek size for the management header.
const headerPeekSize = 8

// errStall is returned by the EP0 handlers for requests the device rejects.
var errStall = errors.New("stall")

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	busses    map[uint32]*virtualbus.VirtualBus
	busesMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		busses:    make(map[uint32]*virtualbus.VirtualBus),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server. If the bus number is already present,
// an error is returned.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.BusID()]; ok {
		return fmt.Errorf("bus %d already registered", bus.BusID())
	}
	s.busses[bus.BusID()] = bus
	return nil
}

// RemoveBus unregisters a bus from the server, removing any devices still on it.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	if !ok {
		s.busesMu.Unlock()
		return fmt.Errorf("bus %d not found", busID)
	}
	delete(s.busses, busID)
	s.busesMu.Unlock()

	if n := bus.Len(); n > 0 {
		s.logger.Warn("removing non-empty bus", "bus", busID, "devices", n)
	}
	return bus.Close()
}

// RemoveDeviceByID removes a device by busId and cancels its connections.
func (s *Server) RemoveDeviceByID(busID uint32, deviceID string) error {
	bus := s.GetBus(busID)
	if bus == nil {
		return fmt.Errorf("bus %d not found", busID)
	}
	return bus.RemoveDeviceByID(deviceID)
}

// ListBuses returns a sorted snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busID]
}

// ListenAndServe starts the USB-IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Close stops the USB server by closing its listener.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Addr returns the bound listen address, or the configured one before
// ListenAndServe has bound.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.config.Addr
}

// GetListenPort extracts and returns the port number from the server's listen address.
func (s *Server) GetListenPort() uint16 {
	_, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if s.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	var hdrBuf [headerPeekSize]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	ver := binary.BigEndian.Uint16(hdrBuf[0:2])
	code := binary.BigEndian.Uint16(hdrBuf[2:4])
	if ver != usbip.Version {
		return fmt.Errorf("unsupported usbip version %#04x", ver)
	}

	switch code {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case usbip.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT")
		dev, bus, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		return s.handleUrbStream(conn, dev, bus)
	}
	return fmt.Errorf("protocol violation: unexpected op %#04x before OP_REQ_IMPORT", code)
}

func exportedDevice(m virtualbus.DeviceMeta) usbip.ExportedDevice {
	desc := m.Dev.GetDescriptor()
	exp := usbip.ExportedDevice{
		ExportMeta:          m.Meta,
		Speed:               desc.Device.Speed,
		IDVendor:            desc.Device.IDVendor,
		IDProduct:           desc.Device.IDProduct,
		BcdDevice:           desc.Device.BcdDevice,
		BDeviceClass:        desc.Device.BDeviceClass,
		BDeviceSubClass:     desc.Device.BDeviceSubClass,
		BDeviceProtocol:     desc.Device.BDeviceProtocol,
		BConfigurationValue: configValue(desc),
		BNumConfigurations:  desc.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(desc.Interfaces)),
	}
	for _, iface := range desc.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

func (s *Server) handleDevList(conn net.Conn) error {
	_ = conn.SetDeadline(time.Time{})
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	_ = rep.Write(&buf)
	metas := s.getAllDeviceMetas()
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(metas))}
	_ = dlh.Write(&buf)
	for _, m := range metas {
		exp := exportedDevice(m)
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) (usb.Device, *virtualbus.VirtualBus, error) {
	var rest [usbip.BusIDSize]byte
	if err := usbip.ReadExactly(conn, rest[:]); err != nil {
		return nil, nil, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := string(rest[:])
	if i := bytes.IndexByte(rest[:], 0); i >= 0 {
		reqBus = string(rest[:i])
	}
	s.logger.Info("Import request", "busid", reqBus)

	s.busesMu.Lock()
	var (
		chosen *virtualbus.DeviceMeta
		owner  *virtualbus.VirtualBus
	)
	for _, b := range s.busses {
		for _, m := range b.GetAllDeviceMetas() {
			if m.Meta.BusIDString() == reqBus {
				chosen, owner = &m, b
				break
			}
		}
		if chosen != nil {
			break
		}
	}
	s.busesMu.Unlock()

	var buf bytes.Buffer
	if chosen == nil {
		// Status 1 tells the client the device is unavailable.
		rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}
		_ = rep.Write(&buf)
		_, _ = conn.Write(buf.Bytes())
		return nil, nil, fmt.Errorf("no device matches busid %s", reqBus)
	}

	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	_ = rep.Write(&buf)
	exp := exportedDevice(*chosen)
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, nil, fmt.Errorf("write import reply failed: %w", err)
	}
	return chosen.Dev, owner, nil
}

// getAllDeviceMetas aggregates device metas from all registered busses.
func (s *Server) getAllDeviceMetas() []virtualbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := []virtualbus.DeviceMeta{}
	for _, b := range s.busses {
		out = append(out, b.GetAllDeviceMetas()...)
	}
	return out
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

// urbSession is the per-import state of an attached device.
type urbSession struct {
	dev    usb.Device
	config uint8
	logger *slog.Logger
}

func (s *Server) handleUrbStream(conn net.Conn, dev usb.Device, bus *virtualbus.VirtualBus) error {
	_ = conn.SetDeadline(time.Time{})

	ctx := bus.GetDeviceContext(dev)
	if ctx == nil {
		return fmt.Errorf("no device context available from bus")
	}
	// Unblock the read below when the device is removed.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sess := &urbSession{dev: dev, logger: s.logger.With("bus", bus.BusID())}
	for {
		var hdr [usbip.URBHeaderSize]byte
		if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("device removed, closing URB stream")
				return nil
			}
			return fmt.Errorf("read URB header: %w", err)
		}
		submit, unlink, err := usbip.ParseCommand(hdr[:])
		if err != nil {
			return err
		}
		if unlink != nil {
			// URBs complete synchronously, so there is never anything left to cancel.
			s.logger.Debug("USBIP_CMD_UNLINK", "seq", unlink.Basic.Seqnum, "unlink", unlink.UnlinkSeqnum)
			ret := usbip.RetUnlink{
				Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: unlink.Basic.Seqnum},
				Status: usbip.StatusConnReset,
			}
			if err := ret.Write(conn); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}
			continue
		}

		var outPayload []byte
		if submit.Basic.Dir == usbip.DirOut && submit.TransferBufferLen > 0 {
			outPayload = make([]byte, submit.TransferBufferLen)
			if err := usbip.ReadExactly(conn, outPayload); err != nil {
				return fmt.Errorf("read OUT payload: %w", err)
			}
		}

		respData, status := sess.processSubmit(submit, outPayload)

		ret := usbip.RetSubmit{
			Basic:  usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: submit.Basic.Seqnum},
			Status: status,
		}
		switch {
		case status != usbip.StatusOK:
			respData = nil
		case submit.Basic.Dir == usbip.DirOut:
			ret.ActualLength = uint32(len(outPayload))
			respData = nil
		default:
			if uint32(len(respData)) > submit.TransferBufferLen {
				respData = respData[:submit.TransferBufferLen]
			}
			ret.ActualLength = uint32(len(respData))
		}

		var out bytes.Buffer
		if err := ret.Write(&out); err != nil {
			return fmt.Errorf("build RET_SUBMIT header: %w", err)
		}
		out.Write(respData)
		if _, err := conn.Write(out.Bytes()); err != nil {
			return fmt.Errorf("write RET_SUBMIT: %w", err)
		}
	}
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error). We treat those as normal client disconnects and log
// them at Info level instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed")
}

// processSubmit routes one CMD_SUBMIT. Non-EP0 transfers go to the device;
// EP0 standard requests are answered here and everything else is offered to
// the device's control handler.
func (u *urbSession) processSubmit(cmd *usbip.CmdSubmit, out []byte) ([]byte, int32) {
	if cmd.Basic.Ep != 0 {
		return u.dev.HandleTransfer(cmd.Basic.Ep, cmd.Basic.Dir, out), usbip.StatusOK
	}
	setup, err := usb.ParseSetupPacket(cmd.Setup[:])
	if err != nil {
		return nil, usbip.StatusStall
	}

	var data []byte
	if setup.IsStandard() {
		data, err = u.standardRequest(setup)
	} else {
		data, err = u.classRequest(setup, out)
	}
	if err != nil {
		u.logger.Debug("EP0 request stalled", "setup", setup, "error", err)
		return nil, usbip.StatusStall
	}
	if setup.IsDeviceToHost() && len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	return data, usbip.StatusOK
}

func (u *urbSession) classRequest(setup usb.SetupPacket, out []byte) ([]byte, error) {
	cd, ok := u.dev.(usb.ControlDevice)
	if !ok {
		return nil, errStall
	}
	resp, handled := cd.HandleControl(setup.RequestType, setup.Request, setup.Value, setup.Index, setup.Length, out)
	if !handled {
		return nil, errStall
	}
	return resp, nil
}

func (u *urbSession) standardRequest(setup usb.SetupPacket) ([]byte, error) {
	desc := u.dev.GetDescriptor()

	switch setup.Request {
	case usb.RequestGetStatus:
		return []byte{0x00, 0x00}, nil
	case usb.RequestClearFeature, usb.RequestSetFeature, usb.RequestSetAddress:
		return nil, nil
	case usb.RequestGetConfiguration:
		return []byte{u.config}, nil
	case usb.RequestSetConfiguration:
		v := uint8(setup.Value)
		if v != 0 && v != configValue(desc) {
			return nil, fmt.Errorf("unknown configuration %d: %w", v, errStall)
		}
		u.config = v
		if cd, ok := u.dev.(usb.ConfigurableDevice); ok {
			cd.SetConfiguration(v)
		}
		u.logger.Info("configuration selected", "config", v)
		return nil, nil
	case usb.RequestGetInterface:
		return []byte{0x00}, nil
	case usb.RequestSetInterface:
		if setup.Value != 0 {
			return nil, errStall
		}
		return nil, nil
	case usb.RequestGetDescriptor:
		return getDescriptor(desc, setup)
	}
	return nil, fmt.Errorf("unsupported standard request %#02x: %w", setup.Request, errStall)
}

func getDescriptor(desc *usb.Descriptor, setup usb.SetupPacket) ([]byte, error) {
	dtype := uint8(setup.Value >> 8)
	dindex := uint8(setup.Value & 0xff)

	var data []byte
	switch dtype {
	case usb.DeviceDescType:
		data = desc.Bytes()
	case usb.ConfigDescType:
		data = desc.ConfigBytes()
	case usb.StringDescType:
		data = desc.StringBytes(dindex)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no descriptor type %d index %d: %w", dtype, dindex, errStall)
	}
	return data, nil
}

func configValue(desc *usb.Descriptor) uint8 {
	if desc.Config.BConfigurationValue == 0 {
		return 1
	}
	return desc.Config.BConfigurationValue
}
