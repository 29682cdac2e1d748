package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/apitypes"
)

func TestLineFlag(t *testing.T) {
	assert.Nil(t, lineFlag("keep", "on", "off"))
	require.NotNil(t, lineFlag("on", "on", "off"))
	assert.True(t, *lineFlag("on", "on", "off"))
	assert.False(t, *lineFlag("low", "good", "low"))
}

func TestPrintStatus(t *testing.T) {
	st := &apitypes.UPSStatusResponse{BusID: 1, DevId: "1", Online: false, BatteryGood: true, Transactions: 3, State: "complete", Mode: "demo"}

	var human bytes.Buffer
	require.NoError(t, printStatus(&human, st, false))
	assert.Contains(t, human.String(), "1-1 (demo)")
	assert.Contains(t, human.String(), "on battery")
	assert.Contains(t, human.String(), "transactions")

	var js bytes.Buffer
	require.NoError(t, printStatus(&js, st, true))
	assert.JSONEq(t, `{"busId":1,"devId":"1","online":false,"batteryGood":true,"configured":false,
		"transactions":3,"state":"complete","indicator":false,"mode":"demo","queued":0}`, js.String())
}
