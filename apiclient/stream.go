package apiclient

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/device"
)

// ErrStreamClosed is returned by operations on a closed DeviceStream.
var ErrStreamClosed = errors.New("stream closed")

// DeviceStream is a bidirectional connection to one device.
// For a UPS, writes carry line state frames and reads carry every reply
// frame the device sent to the USB host.
type DeviceStream struct {
	conn  net.Conn
	BusID uint32
	DevID string

	mu     sync.Mutex
	closed bool
}

// OpenStream connects to the stream of an existing device.
func (c *Client) OpenStream(ctx context.Context, busID uint32, devID string) (*DeviceStream, error) {
	if c.transport.mock != nil {
		return nil, errors.New("stream connections not supported with mock transport")
	}
	conn, err := c.transport.dial(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(conn, "bus/%d/%s\x00", busID, devID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write stream path: %w", err)
	}
	return &DeviceStream{conn: conn, BusID: busID, DevID: devID}, nil
}

// AddDeviceAndConnect creates a device and opens its stream. When the stream
// cannot be opened the created device is still returned.
func (c *Client) AddDeviceAndConnect(ctx context.Context, busID uint32, deviceType string, o *device.CreateOptions) (*DeviceStream, *apitypes.Device, error) {
	resp, err := c.DeviceAddCtx(ctx, busID, deviceType, o)
	if err != nil {
		return nil, nil, err
	}
	stream, err := c.OpenStream(ctx, busID, resp.DevId)
	if err != nil {
		return nil, resp, err
	}
	return stream, resp, nil
}

func (s *DeviceStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Write sends raw bytes to the device.
func (s *DeviceStream) Write(data []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrStreamClosed
	}
	return s.conn.Write(data)
}

// WriteBinary marshals v and sends it, e.g. a ups.LineState.
func (s *DeviceStream) WriteBinary(v encoding.BinaryMarshaler) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = s.Write(data)
	return err
}

// Read receives raw bytes from the device.
func (s *DeviceStream) Read(buf []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrStreamClosed
	}
	return s.conn.Read(buf)
}

// ReadFrame reads exactly n bytes, one fixed-size device frame.
func (s *DeviceStream) ReadFrame(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Frames reads n-byte frames in the background until ctx ends or the stream
// fails. The error channel receives the terminal error once; both channels
// are then closed.
func (s *DeviceStream) Frames(ctx context.Context, n int) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 8)
	errCh := make(chan error, 1)
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })

	go func() {
		defer close(out)
		defer close(errCh)
		defer stop()
		for {
			frame, err := s.ReadFrame(n)
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				errCh <- err
				return
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return out, errCh
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (s *DeviceStream) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline on the underlying connection.
func (s *DeviceStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// Close closes the stream. It is safe to call more than once.
func (s *DeviceStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
