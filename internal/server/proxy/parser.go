package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/upsip/upsip/device/ups"
	"github.com/upsip/upsip/usb"
	"github.com/upsip/upsip/usbip"
)

const (
	mgmtHeaderSize = 8
	importReqSize  = mgmtHeaderSize + usbip.BusIDSize
	importRepSize  = mgmtHeaderSize + usbip.ExportedDeviceSize
	maxBuffered    = 64 * 1024
)

// urbKind classifies a submitted URB so its RET_SUBMIT can be decoded.
type urbKind uint8

const (
	urbOther urbKind = iota
	urbQuery
	urbReplyIn
)

type pendingURB struct {
	kind urbKind
	dir  uint32
}

// Session tracks the URBs in flight on one proxied connection. RET_SUBMIT
// headers carry no endpoint, so the reply direction needs the matching
// CMD_SUBMIT from the other half of the connection.
type Session struct {
	mu      sync.Mutex
	pending map[uint32]pendingURB
	queries uint64
	replies uint64
}

func NewSession() *Session {
	return &Session{pending: make(map[uint32]pendingURB)}
}

func (s *Session) submit(seq uint32, u pendingURB) {
	s.mu.Lock()
	s.pending[seq] = u
	if u.kind == urbQuery {
		s.queries++
	}
	s.mu.Unlock()
}

func (s *Session) complete(seq uint32) (pendingURB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.pending[seq]
	delete(s.pending, seq)
	if ok && u.kind == urbReplyIn {
		s.replies++
	}
	return u, ok
}

// Counts returns the number of status queries and EP1 replies seen so far.
func (s *Session) Counts() (queries, replies uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.replies
}

// Parser reassembles one direction of a USB/IP stream and logs every packet.
// Richcomm status queries and their interrupt replies are decoded.
type Parser struct {
	logger         *slog.Logger
	session        *Session
	clientToServer bool
	buf            bytes.Buffer
}

func NewParser(logger *slog.Logger, session *Session, clientToServer bool) *Parser {
	if session == nil {
		session = NewSession()
	}
	return &Parser{logger: logger, session: session, clientToServer: clientToServer}
}

// Parse consumes data and logs every complete packet in it. Partial packets
// stay buffered until the next call.
func (p *Parser) Parse(data []byte) {
	p.buf.Write(data)
	for {
		n := p.next(p.buf.Bytes())
		if n == 0 {
			break
		}
		p.buf.Next(n)
	}
	if p.buf.Len() > maxBuffered {
		p.logger.Warn("parser buffer overflow, resetting", "buffered", p.buf.Len())
		p.buf.Reset()
	}
}

// next decodes the packet at the start of data and returns its size, or 0
// when more data is needed or the packet is unknown.
func (p *Parser) next(data []byte) int {
	if len(data) < mgmtHeaderSize {
		return 0
	}
	if binary.BigEndian.Uint16(data[0:2]) == usbip.Version {
		return p.mgmt(data)
	}
	if len(data) < usbip.URBHeaderSize {
		return 0
	}
	switch binary.BigEndian.Uint32(data[0:4]) {
	case usbip.CmdSubmitCode, usbip.CmdUnlinkCode:
		return p.command(data)
	case usbip.RetSubmitCode:
		return p.retSubmit(data)
	case usbip.RetUnlinkCode:
		p.log("RET_UNLINK",
			"seq", binary.BigEndian.Uint32(data[4:8]),
			"status", int32(binary.BigEndian.Uint32(data[20:24])))
		return usbip.URBHeaderSize
	}
	p.logger.Debug("unrecognized packet, dropping buffer", "dir", dirString(p.clientToServer), "head", fmt.Sprintf("% x", data[:8]))
	return len(data)
}

func (p *Parser) mgmt(data []byte) int {
	switch binary.BigEndian.Uint16(data[2:4]) {
	case usbip.OpReqDevlist:
		p.log("OP_REQ_DEVLIST")
		return mgmtHeaderSize
	case usbip.OpRepDevlist:
		return p.devlist(data)
	case usbip.OpReqImport:
		if len(data) < importReqSize {
			return 0
		}
		p.log("OP_REQ_IMPORT", "busid", cString(data[mgmtHeaderSize:importReqSize]))
		return importReqSize
	case usbip.OpRepImport:
		status := binary.BigEndian.Uint32(data[4:8])
		if status != 0 {
			p.log("OP_REP_IMPORT", "status", status)
			return mgmtHeaderSize
		}
		if len(data) < importRepSize {
			return 0
		}
		args := append([]any{"status", status}, exportedAttrs(data[mgmtHeaderSize:importRepSize])...)
		p.log("OP_REP_IMPORT", args...)
		return importRepSize
	}
	p.log("unknown management op", "code", fmt.Sprintf("%04x", binary.BigEndian.Uint16(data[2:4])))
	return mgmtHeaderSize
}

func (p *Parser) devlist(data []byte) int {
	if len(data) < mgmtHeaderSize+4 {
		return 0
	}
	n := binary.BigEndian.Uint32(data[8:12])
	off := mgmtHeaderSize + 4
	type entry struct {
		attrs  []any
		ifaces [][3]byte
	}
	entries := make([]entry, 0, n)
	for range n {
		if len(data) < off+usbip.ExportedDeviceSize {
			return 0
		}
		dev := data[off : off+usbip.ExportedDeviceSize]
		off += usbip.ExportedDeviceSize
		e := entry{attrs: exportedAttrs(dev)}
		for range dev[usbip.ExportedDeviceSize-1] {
			if len(data) < off+4 {
				return 0
			}
			e.ifaces = append(e.ifaces, [3]byte{data[off], data[off+1], data[off+2]})
			off += 4
		}
		entries = append(entries, e)
	}

	p.log("OP_REP_DEVLIST", "devices", n)
	for _, e := range entries {
		p.logger.Info("  device", e.attrs...)
		for i, ifc := range e.ifaces {
			p.logger.Info("    interface", "num", i,
				"class", fmt.Sprintf("%02x", ifc[0]),
				"subclass", fmt.Sprintf("%02x", ifc[1]),
				"protocol", fmt.Sprintf("%02x", ifc[2]))
		}
	}
	return off
}

func (p *Parser) command(data []byte) int {
	cmd, unlink, err := usbip.ParseCommand(data[:usbip.URBHeaderSize])
	if err != nil {
		p.logger.Debug("bad command header", "error", err)
		return len(data)
	}
	if unlink != nil {
		p.log("CMD_UNLINK", "seq", unlink.Basic.Seqnum, "unlink_seq", unlink.UnlinkSeqnum)
		return usbip.URBHeaderSize
	}

	size := usbip.URBHeaderSize
	var payload []byte
	if cmd.Basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
		size += int(cmd.TransferBufferLen)
		if len(data) < size {
			return 0
		}
		payload = data[usbip.URBHeaderSize:size]
	}

	u := pendingURB{dir: cmd.Basic.Dir}
	args := []any{
		"seq", cmd.Basic.Seqnum,
		"devid", cmd.Basic.Devid,
		"ep", cmd.Basic.Ep,
		"urb_dir", urbDirString(cmd.Basic.Dir),
		"len", cmd.TransferBufferLen,
	}
	switch {
	case cmd.Basic.Ep == 0:
		setup, _ := usb.ParseSetupPacket(cmd.Setup[:])
		args = append(args, "setup", setup.String())
		if ups.Matches(setup) {
			u.kind = urbQuery
			args = append(args, "richcomm", "status query", "payload", fmt.Sprintf("% x", payload))
		}
	case cmd.Basic.Ep == ups.ReplyEndpoint && cmd.Basic.Dir == usbip.DirIn:
		u.kind = urbReplyIn
	}
	p.session.submit(cmd.Basic.Seqnum, u)
	p.log("CMD_SUBMIT", args...)
	return size
}

func (p *Parser) retSubmit(data []byte) int {
	ret, err := usbip.ParseRetSubmit(data[:usbip.URBHeaderSize])
	if err != nil {
		p.logger.Debug("bad reply header", "error", err)
		return len(data)
	}
	u, known := p.session.complete(ret.Basic.Seqnum)

	// Only IN transfers carry data back; unknown URBs are assumed to.
	size := usbip.URBHeaderSize
	if !known || u.dir == usbip.DirIn {
		size += int(ret.ActualLength)
	}
	if len(data) < size {
		return 0
	}
	args := []any{
		"seq", ret.Basic.Seqnum,
		"status", ret.Status,
		"actual_len", ret.ActualLength,
	}
	switch u.kind {
	case urbQuery:
		if ret.Status == usbip.StatusStall {
			args = append(args, "richcomm", "query stalled")
		} else {
			args = append(args, "richcomm", "query accepted")
		}
	case urbReplyIn:
		if online, good, ok := ups.ParseReply(data[usbip.URBHeaderSize:size]); ok {
			args = append(args,
				"richcomm", "status reply",
				"online", online,
				"batteryGood", good)
		}
	}
	p.log("RET_SUBMIT", args...)
	return size
}

func (p *Parser) log(op string, args ...any) {
	p.logger.Info("USBIP packet", append([]any{"dir", dirString(p.clientToServer), "op", op}, args...)...)
}

// exportedAttrs describes a 312-byte exported device record.
func exportedAttrs(d []byte) []any {
	return []any{
		"path", cString(d[0:usbip.PathSize]),
		"busid", cString(d[256:288]),
		"bus", binary.BigEndian.Uint32(d[288:292]),
		"dev", binary.BigEndian.Uint32(d[292:296]),
		"speed", binary.BigEndian.Uint32(d[296:300]),
		"vid", fmt.Sprintf("%04x", binary.BigEndian.Uint16(d[300:302])),
		"pid", fmt.Sprintf("%04x", binary.BigEndian.Uint16(d[302:304])),
		"bcd", fmt.Sprintf("%04x", binary.BigEndian.Uint16(d[304:306])),
		"class", fmt.Sprintf("%02x", d[306]),
		"config", d[309],
		"interfaces", d[311],
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func dirString(clientToServer bool) string {
	if clientToServer {
		return "C→S"
	}
	return "S→C"
}

func urbDirString(dir uint32) string {
	if dir == usbip.DirOut {
		return "OUT"
	}
	return "IN"
}
