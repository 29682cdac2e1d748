package ups_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/device/ups"
)

var _ device.ReportBuilder = (*ups.StatusRegister)(nil)

func TestStatusRegister(t *testing.T) {
	tests := []struct {
		name        string
		online      bool
		batteryGood bool
		want        []byte
	}{
		{"off line, battery low", false, false, []byte{0, 0, 0, 0x00, 0, 0}},
		{"off line, battery good", false, true, []byte{0, 0, 0, 0x02, 0, 0}},
		{"online, battery low", true, false, []byte{0, 0, 0, 0x04, 0, 0}},
		{"online, battery good", true, true, []byte{0, 0, 0, 0x06, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r ups.StatusRegister
			r.SetOnline(tt.online)
			r.SetBatteryGood(tt.batteryGood)

			assert.Equal(t, tt.want, r.Serialize())
			assert.Equal(t, tt.want, r.BuildReport())
			assert.Equal(t, tt.online, r.Online())
			assert.Equal(t, tt.batteryGood, r.BatteryGood())

			on, good, ok := ups.ParseReply(r.Serialize())
			assert.True(t, ok)
			assert.Equal(t, tt.online, on)
			assert.Equal(t, tt.batteryGood, good)
		})
	}
}

func TestStatusRegister_ZeroValue(t *testing.T) {
	var r ups.StatusRegister
	assert.Equal(t, make([]byte, ups.ReplyLength), r.Serialize())
}

func TestStatusRegister_FlagsIndependent(t *testing.T) {
	var r ups.StatusRegister
	r.SetOnline(true)
	r.SetBatteryGood(true)

	r.SetOnline(false)
	assert.True(t, r.BatteryGood(), "clearing online must not touch battery")
	r.SetOnline(true)
	r.SetBatteryGood(false)
	assert.True(t, r.Online(), "clearing battery must not touch online")

	// Setting a flag twice is stable.
	r.SetOnline(true)
	assert.Equal(t, []byte{0, 0, 0, 0x04, 0, 0}, r.Serialize())
}

func TestSerializeReturnsFreshFrame(t *testing.T) {
	var r ups.StatusRegister
	r.SetOnline(true)
	a := r.Serialize()
	a[3] = 0xff
	assert.Equal(t, []byte{0, 0, 0, 0x04, 0, 0}, r.Serialize())
}

func TestParseReply_WrongLength(t *testing.T) {
	_, _, ok := ups.ParseReply([]byte{0, 0, 0, 4})
	assert.False(t, ok)
}
