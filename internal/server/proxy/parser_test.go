package proxy

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/device/ups"
	"github.com/upsip/upsip/usb"
	"github.com/upsip/upsip/usbip"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func submit(t *testing.T, seq, ep, dir, length uint32, setup usb.SetupPacket, payload []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: 0x00010001, Dir: dir, Ep: ep},
		TransferBufferLen: length,
		Setup:             setup.Bytes(),
	}
	require.NoError(t, cmd.Write(&b))
	b.Write(payload)
	return b.Bytes()
}

func retSubmit(t *testing.T, seq uint32, status int32, actual uint32, payload []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: seq},
		Status:       status,
		ActualLength: actual,
	}
	require.NoError(t, ret.Write(&b))
	b.Write(payload)
	return b.Bytes()
}

var querySetup = usb.SetupPacket{
	RequestType: ups.RequestType,
	Request:     ups.RequestQuery,
	Value:       ups.RequestValue,
	Index:       ups.RequestIndex,
	Length:      ups.PayloadLength,
}

func TestParserDecodesRichcommExchange(t *testing.T) {
	logger, out := captureLogger()
	session := NewSession()
	c2s := NewParser(logger, session, true)
	s2c := NewParser(logger, session, false)

	query := submit(t, 1, 0, usbip.DirOut, 4, querySetup, []byte{0, 0, 0, 0})
	// Split inside the payload to exercise reassembly.
	c2s.Parse(query[:50])
	assert.NotContains(t, out.String(), "CMD_SUBMIT")
	c2s.Parse(query[50:])
	assert.Contains(t, out.String(), `richcomm="status query"`)

	s2c.Parse(retSubmit(t, 1, usbip.StatusOK, 4, nil))
	assert.Contains(t, out.String(), `richcomm="query accepted"`)

	c2s.Parse(submit(t, 2, ups.ReplyEndpoint, usbip.DirIn, 32, usb.SetupPacket{}, nil))
	s2c.Parse(retSubmit(t, 2, usbip.StatusOK, 6, []byte{0, 0, 0, 0x02, 0, 0}))
	assert.Contains(t, out.String(), `richcomm="status reply" online=false batteryGood=true`)

	queries, replies := session.Counts()
	assert.Equal(t, uint64(1), queries)
	assert.Equal(t, uint64(1), replies)
}

func TestParserStalledQuery(t *testing.T) {
	logger, out := captureLogger()
	session := NewSession()
	c2s := NewParser(logger, session, true)
	s2c := NewParser(logger, session, false)

	c2s.Parse(submit(t, 7, 0, usbip.DirOut, 4, querySetup, []byte{1, 2, 3, 4}))
	s2c.Parse(retSubmit(t, 7, usbip.StatusStall, 0, nil))
	assert.Contains(t, out.String(), `richcomm="query stalled"`)
}

func TestParserMultiplePacketsInOneRead(t *testing.T) {
	logger, out := captureLogger()
	p := NewParser(logger, nil, true)

	var b bytes.Buffer
	require.NoError(t, (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(&b))
	require.NoError(t, (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(&b))
	busid := make([]byte, usbip.BusIDSize)
	copy(busid, "1-1")
	b.Write(busid)

	p.Parse(b.Bytes())
	assert.Contains(t, out.String(), "op=OP_REQ_DEVLIST")
	assert.Contains(t, out.String(), "op=OP_REQ_IMPORT busid=1-1")
	assert.Zero(t, p.buf.Len())
}

func TestParserImportReply(t *testing.T) {
	logger, out := captureLogger()
	p := NewParser(logger, nil, false)

	dev := usbip.ExportedDevice{IDVendor: 0x0925, IDProduct: 0x1234, BNumInterfaces: 1}
	copy(dev.USBBusId[:], "1-1")
	dev.BusId, dev.DevId = 1, 1

	var b bytes.Buffer
	require.NoError(t, (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport}).Write(&b))
	require.NoError(t, dev.WriteImport(&b))

	p.Parse(b.Bytes()[:100])
	assert.NotContains(t, out.String(), "OP_REP_IMPORT")
	p.Parse(b.Bytes()[100:])
	assert.Contains(t, out.String(), "op=OP_REP_IMPORT")
	assert.Contains(t, out.String(), "vid=0925 pid=1234")
}
