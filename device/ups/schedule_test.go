package ups_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/device/ups"
)

func TestDemoSchedule_Checkpoints(t *testing.T) {
	for _, count := range []uint64{0, 30, 40, 50, 60} {
		_, ok := ups.DemoSchedule.At(count)
		assert.True(t, ok, "count %d", count)
	}
	for _, count := range []uint64{1, 29, 31, 45, 59, 61, 1000} {
		_, ok := ups.DemoSchedule.At(count)
		assert.False(t, ok, "count %d", count)
	}
}

func TestTransitionApply(t *testing.T) {
	var r ups.StatusRegister
	changed := ups.Transition{Online: ups.Raise, BatteryGood: ups.Raise}.Apply(&r)
	assert.True(t, changed)
	assert.True(t, r.Online())
	assert.True(t, r.BatteryGood())

	changed = ups.Transition{Online: ups.Raise}.Apply(&r)
	assert.False(t, changed, "raising a set flag is not a change")

	changed = ups.Transition{BatteryGood: ups.Drop}.Apply(&r)
	assert.True(t, changed)
	assert.True(t, r.Online(), "Keep leaves online untouched")
	assert.False(t, r.BatteryGood())
}

func TestTelemetrySchedule(t *testing.T) {
	s := ups.NewTelemetrySchedule()
	assert.Equal(t, ups.LineState{Online: true, BatteryGood: true}, s.Line())

	s.Set(ups.LineState{Online: false, BatteryGood: true})
	var r ups.StatusRegister
	for _, count := range []uint64{0, 7, 123} {
		tr, ok := s.At(count)
		require.True(t, ok)
		tr.Apply(&r)
		assert.Equal(t, []byte{0, 0, 0, 0x02, 0, 0}, r.Serialize())
	}
}

func TestLineStateBinary(t *testing.T) {
	tests := []struct {
		raw  byte
		want ups.LineState
	}{
		{0x00, ups.LineState{}},
		{0x01, ups.LineState{Online: true}},
		{0x02, ups.LineState{BatteryGood: true}},
		{0x03, ups.LineState{Online: true, BatteryGood: true}},
	}
	for _, tt := range tests {
		var ls ups.LineState
		require.NoError(t, ls.UnmarshalBinary([]byte{tt.raw}))
		assert.Equal(t, tt.want, ls)

		b, err := ls.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, []byte{tt.raw}, b)
	}

	var ls ups.LineState
	assert.Error(t, ls.UnmarshalBinary([]byte{0x80}))
	assert.Error(t, ls.UnmarshalBinary(nil))
}
