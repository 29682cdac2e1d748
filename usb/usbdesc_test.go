package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/upsip/upsip/usb"
)

func TestEncodeStringDescriptor(t *testing.T) {
	assert.Equal(t, []byte{0x08, 0x03, 'U', 0, 'P', 0, 'S', 0}, usb.EncodeStringDescriptor("UPS"))
	assert.Equal(t, []byte{0x02, 0x03}, usb.EncodeStringDescriptor(""))
}

func TestStringBytes(t *testing.T) {
	d := &usb.Descriptor{Strings: map[uint8]string{1: "A"}}

	assert.Equal(t, []byte{0x04, 0x03, 0x09, 0x04}, d.StringBytes(0), "default language table is en-US")
	assert.Equal(t, []byte{0x04, 0x03, 'A', 0}, d.StringBytes(1))
	assert.Nil(t, d.StringBytes(7))

	d.LangIDs = []uint16{0x0407, 0x0409}
	assert.Equal(t, []byte{0x06, 0x03, 0x07, 0x04, 0x09, 0x04}, d.StringBytes(0))
}

func TestConfigBytes(t *testing.T) {
	d := usb.Descriptor{
		Config: usb.ConfigHeader{
			BConfigurationValue: 1,
			BMAttributes:        usb.ConfigAttrBusPowered,
			BMaxPower:           50,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{BNumEndpoints: 1, BInterfaceClass: 0xff},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: usb.EndpointXferInterrupt, WMaxPacketSize: 8, BInterval: 10},
				},
			},
		},
	}

	want := []byte{
		0x09, 0x02, 0x19, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
		0x09, 0x04, 0x00, 0x00, 0x01, 0xff, 0x00, 0x00, 0x00,
		0x07, 0x05, 0x81, 0x03, 0x08, 0x00, 0x0a,
	}
	assert.Equal(t, want, d.ConfigBytes())
}
