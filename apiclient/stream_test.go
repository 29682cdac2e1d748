package apiclient_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsip/upsip/apiclient"
	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/device/ups"
	"github.com/upsip/upsip/internal/server/api"
	"github.com/upsip/upsip/internal/server/api/handler"
	"github.com/upsip/upsip/internal/server/usb"
	th "github.com/upsip/upsip/internal/testing"
	"github.com/upsip/upsip/virtualbus"
)

func TestOpenStream_NotSupportedWithMockTransport(t *testing.T) {
	c, _ := testClient(map[string]string{}, nil)
	_, err := c.OpenStream(context.Background(), 1, "1")
	assert.ErrorContains(t, err, "not supported with mock transport")
}

func TestAddDeviceAndConnect_Mock(t *testing.T) {
	c, _ := testClient(map[string]string{
		"bus/{id}/add": `{"busId":42,"devId":"7","vid":"0x0925","pid":"0x1234","type":"ups"}`,
	}, nil)
	stream, resp, err := c.AddDeviceAndConnect(context.Background(), 42, "ups", nil)
	assert.Nil(t, stream)
	require.NotNil(t, resp, "device response is returned even if the stream fails")
	assert.Equal(t, "7", resp.DevId)
	assert.ErrorContains(t, err, "not supported with mock transport")
}

func startUPSServer(t *testing.T, busID uint32, cfg api.ServerConfig) (addr string, bus *virtualbus.VirtualBus) {
	t.Helper()
	cfg.DeviceHandlerConnectTimeout = time.Second
	addr, srv, done := th.StartAPIServerWithConfig(t, cfg, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
		r.Register("bus/{id}/add", handler.BusDeviceAdd(s, apiSrv))
		r.Register("ups/{busId}/{deviceid}/status", handler.UPSStatus(s))
		r.RegisterStream("bus/{busId}/{deviceid}", api.DeviceStreamHandler())
	})
	t.Cleanup(done)

	bus, err := virtualbus.NewWithBusId(busID)
	require.NoError(t, err)
	require.NoError(t, srv.AddBus(bus))
	t.Cleanup(func() { _ = srv.RemoveBus(busID) })
	return addr, bus
}

func runStreamScenario(t *testing.T, c *apiclient.Client, bus *virtualbus.VirtualBus) {
	t.Helper()
	mode := ups.ModeTelemetry
	stream, dev, err := c.AddDeviceAndConnect(context.Background(), bus.BusID(), "ups", &device.CreateOptions{Mode: &mode})
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, "telemetry", dev.Mode)

	require.NoError(t, stream.WriteBinary(ups.LineState{Online: false, BatteryGood: true}))

	meta, ok := bus.Lookup(dev.DevId)
	require.True(t, ok)
	u := meta.Dev.(*ups.UPS)
	require.Eventually(t, func() bool {
		ls, _ := u.Line()
		return !ls.Online && ls.BatteryGood
	}, time.Second, 5*time.Millisecond)

	u.SetConfiguration(1)
	_, handled := u.HandleControl(ups.RequestType, ups.RequestQuery, ups.RequestValue, ups.RequestIndex, ups.PayloadLength, make([]byte, ups.PayloadLength))
	require.True(t, handled)

	require.NoError(t, stream.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := stream.ReadFrame(ups.ReplyLength)
	require.NoError(t, err)
	online, battery, ok := ups.ParseReply(frame)
	require.True(t, ok)
	assert.False(t, online)
	assert.True(t, battery)

	st, err := c.UPSStatus(bus.BusID(), dev.DevId)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Transactions)
	assert.False(t, st.Online)
}

func TestDeviceStream_UPS(t *testing.T) {
	addr, bus := startUPSServer(t, 72001, api.ServerConfig{})
	runStreamScenario(t, apiclient.New(addr), bus)
}

func TestDeviceStream_UPSWithPassword(t *testing.T) {
	addr, bus := startUPSServer(t, 72002, api.ServerConfig{Password: "s3cret"})
	runStreamScenario(t, apiclient.NewWithPassword(addr, "s3cret"), bus)
}

func TestDeviceStream_Operations(t *testing.T) {
	addr, bus := startUPSServer(t, 72003, api.ServerConfig{})
	c := apiclient.New(addr)

	t.Run("read deadline timeout", func(t *testing.T) {
		stream, _, err := c.AddDeviceAndConnect(context.Background(), bus.BusID(), "ups", nil)
		require.NoError(t, err)
		defer stream.Close()

		require.NoError(t, stream.SetReadDeadline(time.Now().Add(-10*time.Millisecond)))
		_, err = stream.Read(make([]byte, 2))
		var ne net.Error
		require.ErrorAs(t, err, &ne)
		assert.True(t, ne.Timeout())
	})

	t.Run("closed stream read/write errors", func(t *testing.T) {
		stream, _, err := c.AddDeviceAndConnect(context.Background(), bus.BusID(), "ups", nil)
		require.NoError(t, err)
		require.NoError(t, stream.Close())
		require.NoError(t, stream.Close())

		_, err = stream.Read(make([]byte, 1))
		assert.ErrorIs(t, err, apiclient.ErrStreamClosed)
		_, err = stream.Write([]byte{0x01})
		assert.ErrorIs(t, err, apiclient.ErrStreamClosed)
	})

	t.Run("frames stop on cancel", func(t *testing.T) {
		stream, _, err := c.AddDeviceAndConnect(context.Background(), bus.BusID(), "ups", nil)
		require.NoError(t, err)
		defer stream.Close()

		ctx, cancel := context.WithCancel(context.Background())
		frames, errs := stream.Frames(ctx, ups.ReplyLength)
		cancel()
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("frame reader did not stop")
		}
		_, open := <-frames
		assert.False(t, open)
	})
}
