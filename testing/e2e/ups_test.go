package e2e_test

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/apiclient"
	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/device/ups"
	"github.com/upsip/upsip/internal/server/proxy"
	"github.com/upsip/upsip/usb"
	"github.com/upsip/upsip/usbip"
	th "github.com/upsip/upsip/testing"

	_ "github.com/upsip/upsip/internal/registry" // Register all device handlers
)

var querySetup = usb.SetupPacket{
	RequestType: ups.RequestType,
	Request:     ups.RequestQuery,
	Value:       ups.RequestValue,
	Index:       ups.RequestIndex,
	Length:      ups.PayloadLength,
}

// query runs one status query and fetches the queued reply from EP1.
func query(t *testing.T, c *th.TestUsbIpClient, conn net.Conn) []byte {
	t.Helper()
	res, err := c.Control(conn, querySetup, []byte{0, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, int32(usbip.StatusOK), res.Status)
	reply, err := c.ReadInterrupt(conn, ups.ReplyEndpoint, 32)
	require.NoError(t, err)
	return reply
}

func addUPS(t *testing.T, ts *th.TestServer, o *device.CreateOptions) (*apiclient.Client, *apitypes.Device) {
	t.Helper()
	c := apiclient.New(ts.ApiAddr())
	bus, err := c.BusCreate(0)
	require.NoError(t, err)
	dev, err := c.DeviceAdd(bus.BusID, "ups", o)
	require.NoError(t, err)
	return c, dev
}

func attach(t *testing.T, addr string, dev *apitypes.Device) (*th.TestUsbIpClient, net.Conn) {
	t.Helper()
	c := th.NewUsbIpClient(t, addr)
	imp, err := c.AttachDevice(fmt.Sprintf("%d-%s", dev.BusID, dev.DevId))
	require.NoError(t, err)
	t.Cleanup(func() { _ = imp.Conn.Close() })
	return c, imp.Conn
}

func TestDeviceListAndDescriptors(t *testing.T) {
	ts := th.NewTestServer(t)
	_, dev := addUPS(t, ts, nil)

	c := th.NewUsbIpClient(t, ts.UsbAddr())
	devices, err := c.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	d := devices[0]
	assert.Equal(t, fmt.Sprintf("%d-%s", dev.BusID, dev.DevId), d.BusID)
	assert.Equal(t, uint16(0x0925), d.IDVendor)
	assert.Equal(t, uint16(0x1234), d.IDProduct)
	require.Len(t, d.Interfaces, 1)
	assert.Equal(t, uint8(0xff), d.Interfaces[0].Class)

	_, conn := attach(t, ts.UsbAddr(), dev)
	deviceDesc, configDesc, err := c.Enumerate(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x01, 0x00, 0x02}, deviceDesc[:4])
	assert.Len(t, configDesc, 0x19)
	assert.Equal(t, byte(0x81), configDesc[20], "interrupt IN endpoint 1")
}

func TestDemoScheduleOverUSBIP(t *testing.T) {
	ts := th.NewTestServer(t)
	api, dev := addUPS(t, ts, nil)
	c, conn := attach(t, ts.UsbAddr(), dev)
	_, _, err := c.Enumerate(conn)
	require.NoError(t, err)

	empty, err := c.ReadInterrupt(conn, ups.ReplyEndpoint, 32)
	require.NoError(t, err)
	assert.Empty(t, empty, "no reply queued before the first query")

	assert.Equal(t, []byte{0, 0, 0, 0x06, 0, 0}, query(t, c, conn), "on-line with a good battery")
	for range 29 {
		query(t, c, conn)
	}
	assert.Equal(t, []byte{0, 0, 0, 0x02, 0, 0}, query(t, c, conn), "31st query reports on battery")

	st, err := api.UPSStatus(dev.BusID, dev.DevId)
	require.NoError(t, err)
	assert.Equal(t, uint64(31), st.Transactions)
	assert.False(t, st.Online)
	assert.True(t, st.BatteryGood)
	assert.True(t, st.Configured)
	assert.Equal(t, "complete", st.State)
}

func TestQueryStalls(t *testing.T) {
	ts := th.NewTestServer(t)
	_, dev := addUPS(t, ts, nil)
	c, conn := attach(t, ts.UsbAddr(), dev)

	res, err := c.Control(conn, querySetup, []byte{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusStall), res.Status, "unconfigured device declines")

	_, _, err = c.Enumerate(conn)
	require.NoError(t, err)

	res, err = c.Control(conn, querySetup, []byte{0, 0})
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusStall), res.Status, "short payload")

	other := querySetup
	other.Request = 0x01
	res, err = c.Control(conn, other, []byte{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusStall), res.Status, "unknown class request")

	// The device still answers a well-formed query afterwards.
	assert.Equal(t, []byte{0, 0, 0, 0x06, 0, 0}, query(t, c, conn))
}

func TestUnlinkCompletedURB(t *testing.T) {
	ts := th.NewTestServer(t)
	_, dev := addUPS(t, ts, nil)
	c, conn := attach(t, ts.UsbAddr(), dev)

	status, err := c.Unlink(conn, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusConnReset), status)
}

func TestTelemetryStream(t *testing.T) {
	ts := th.NewTestServer(t)
	api := apiclient.New(ts.ApiAddr())
	bus, err := api.BusCreate(0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mode := ups.ModeTelemetry
	stream, dev, err := api.AddDeviceAndConnect(ctx, bus.BusID, "ups", &device.CreateOptions{Mode: &mode})
	require.NoError(t, err)
	defer stream.Close()

	c, conn := attach(t, ts.UsbAddr(), dev)
	_, _, err = c.Enumerate(conn)
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0, 0, 0x06, 0, 0}, query(t, c, conn))
	mirrored, err := stream.ReadFrame(ups.ReplyLength)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0x06, 0, 0}, mirrored, "stream mirrors the reply sent to the host")

	require.NoError(t, stream.WriteBinary(ups.LineState{Online: false, BatteryGood: true}))
	// The stream is read asynchronously; poll until the host sees the new state.
	var reply []byte
	for deadline := time.Now().Add(3 * time.Second); time.Now().Before(deadline); {
		if reply = query(t, c, conn); reply[ups.FlagsOffset] == 0x02 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, []byte{0, 0, 0, 0x02, 0, 0}, reply)

	// Removing the device ends its USB/IP session.
	_, err = api.DeviceRemove(dev.BusID, dev.DevId)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestProxyDecodesSession(t *testing.T) {
	ts := th.NewTestServer(t)
	_, dev := addUPS(t, ts, nil)

	p := proxy.New("127.0.0.1:0", ts.UsbAddr(), 2*time.Second, slog.Default(), nil)
	require.NoError(t, p.Listen())
	go func() { _ = p.Serve() }()
	defer p.Close()

	c, conn := attach(t, p.Addr().String(), dev)
	_, _, err := c.Enumerate(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0x06, 0, 0}, query(t, c, conn), "traffic passes the proxy unchanged")
}
