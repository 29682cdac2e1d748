package usbip_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/usbip"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name       string
		write      func(*bytes.Buffer) error
		wantSubmit *usbip.CmdSubmit
		wantUnlink *usbip.CmdUnlink
		wantErr    bool
	}{
		{
			name: "richcomm query submit",
			write: (&usbip.CmdSubmit{
				Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 7, Devid: 0x00010001, Dir: usbip.DirOut},
				TransferBufferLen: 4,
				Setup:             [8]byte{0x21, 0x09, 0x00, 0x02, 0x00, 0x00, 0x04, 0x00},
			}).Write,
			wantSubmit: &usbip.CmdSubmit{
				Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 7, Devid: 0x00010001, Dir: usbip.DirOut},
				TransferBufferLen: 4,
				Setup:             [8]byte{0x21, 0x09, 0x00, 0x02, 0x00, 0x00, 0x04, 0x00},
			},
		},
		{
			name: "unlink",
			write: (&usbip.CmdUnlink{
				Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 9, Devid: 0x00010001},
				UnlinkSeqnum: 8,
			}).Write,
			wantUnlink: &usbip.CmdUnlink{
				Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 9, Devid: 0x00010001},
				UnlinkSeqnum: 8,
			},
		},
		{
			name:    "reply code is not a command",
			write:   (&usbip.RetSubmit{Basic: usbip.HeaderBasic{Command: usbip.RetSubmitCode}}).Write,
			wantErr: true,
		},
		{
			name: "short header",
			write: func(b *bytes.Buffer) error {
				_, err := b.Write(make([]byte, 20))
				return err
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tt.write(&buf))
			submit, unlink, err := usbip.ParseCommand(buf.Bytes())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubmit, submit)
			assert.Equal(t, tt.wantUnlink, unlink)
		})
	}
}

func TestRetSubmitStatusSign(t *testing.T) {
	var buf bytes.Buffer
	ret := &usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 3, Dir: usbip.DirIn, Ep: 1},
		Status:       usbip.StatusStall,
		ActualLength: 6,
	}
	require.NoError(t, ret.Write(&buf))
	require.Equal(t, usbip.URBHeaderSize, buf.Len())
	assert.Equal(t, uint32(0xFFFFFFE0), binary.BigEndian.Uint32(buf.Bytes()[20:24]))

	got, err := usbip.ParseRetSubmit(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ret, got)

	_, err = usbip.ParseRetSubmit(make([]byte, usbip.URBHeaderSize))
	assert.Error(t, err)
}

func TestRetUnlink(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&usbip.RetUnlink{
		Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: 5},
		Status: usbip.StatusConnReset,
	}).Write(&buf))
	b := buf.Bytes()
	require.Len(t, b, usbip.URBHeaderSize)
	assert.Equal(t, uint32(usbip.RetUnlinkCode), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, int32(-104), int32(binary.BigEndian.Uint32(b[20:24])))
}

func TestExportedDeviceLayout(t *testing.T) {
	var d usbip.ExportedDevice
	copy(d.Path[:], "/sys/devices/usb1/1-1")
	copy(d.USBBusId[:], "1-1")
	d.BusId, d.DevId = 1, 1
	d.Speed = 2
	d.IDVendor, d.IDProduct, d.BcdDevice = 0x0925, 0x1234, 0x0100
	d.BConfigurationValue = 1
	d.BNumConfigurations = 1
	d.BNumInterfaces = 1
	d.Interfaces = []usbip.InterfaceDesc{{Class: 0xff}}

	assert.Equal(t, "1-1", d.BusIDString())

	var imp bytes.Buffer
	require.NoError(t, d.WriteImport(&imp))
	b := imp.Bytes()
	require.Len(t, b, usbip.ExportedDeviceSize)
	assert.Equal(t, "1-1", string(bytes.TrimRight(b[256:288], "\x00")))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(b[288:292]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(b[296:300]))
	assert.Equal(t, []byte{0x09, 0x25, 0x12, 0x34, 0x01, 0x00}, b[300:306])
	assert.Equal(t, []byte{0, 0, 0, 1, 1, 1}, b[306:312])

	var list bytes.Buffer
	require.NoError(t, d.WriteDevlist(&list))
	require.Len(t, list.Bytes(), usbip.ExportedDeviceSize+4)
	assert.Equal(t, b, list.Bytes()[:usbip.ExportedDeviceSize])
	assert.Equal(t, []byte{0xff, 0, 0, 0}, list.Bytes()[usbip.ExportedDeviceSize:])
}

func TestMgmtHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}).Write(&buf))
	assert.Equal(t, []byte{0x01, 0x11, 0x00, 0x03, 0, 0, 0, 1}, buf.Bytes())
}
