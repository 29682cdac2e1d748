package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/usb"
)

func TestParseSetupPacket(t *testing.T) {
	tests := []struct {
		name      string
		raw       []byte
		want      usb.SetupPacket
		recipient uint8
		typ       uint8
		toHost    bool
	}{
		{
			name:      "class request to interface",
			raw:       []byte{0x21, 0x09, 0x00, 0x02, 0x00, 0x00, 0x04, 0x00},
			want:      usb.SetupPacket{RequestType: 0x21, Request: 0x09, Value: 0x0200, Index: 0, Length: 4},
			recipient: usb.RecipientInterface,
			typ:       usb.RequestTypeClass,
		},
		{
			name:      "get device descriptor",
			raw:       []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
			want:      usb.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Index: 0, Length: 18},
			recipient: usb.RecipientDevice,
			typ:       usb.RequestTypeStandard,
			toHost:    true,
		},
		{
			name:      "vendor request to endpoint",
			raw:       []byte{0xc2, 0x01, 0x34, 0x12, 0x81, 0x00, 0xff, 0x00},
			want:      usb.SetupPacket{RequestType: 0xc2, Request: 0x01, Value: 0x1234, Index: 0x0081, Length: 255},
			recipient: usb.RecipientEndpoint,
			typ:       usb.RequestTypeVendor,
			toHost:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := usb.ParseSetupPacket(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.recipient, got.Recipient())
			assert.Equal(t, tt.typ, got.Type())
			assert.Equal(t, tt.toHost, got.IsDeviceToHost())

			enc := got.Bytes()
			assert.Equal(t, tt.raw, enc[:])
		})
	}
}

func TestParseSetupPacket_Short(t *testing.T) {
	_, err := usb.ParseSetupPacket([]byte{0x21, 0x09})
	assert.ErrorIs(t, err, usb.ErrShortSetup)
}
