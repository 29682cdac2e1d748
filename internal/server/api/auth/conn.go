package auth

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Frames are length(4, BE) | nonce(12) | ciphertext. The nonce carries the
// sender's direction in its first four bytes and a per-direction counter in
// the last eight, so the two peers never reuse a nonce under the shared key.
const (
	maxPacketSize = 2 * 1024 * 1024

	dirClientToServer uint32 = 1
	dirServerToClient uint32 = 2
)

// ErrReplayedFrame is returned when a frame arrives out of sequence.
var ErrReplayedFrame = errors.New("auth: frame out of sequence")

// Conn encrypts a net.Conn with ChaCha20-Poly1305.
type Conn struct {
	net.Conn
	aead    cipher.AEAD
	sendDir uint32
	recvDir uint32

	wmu     sync.Mutex
	sendCtr uint64

	rmu     sync.Mutex
	recvCtr uint64
	recvBuf bytes.Buffer
}

// WrapConn wraps conn with the session key. isClient selects the nonce direction.
func WrapConn(conn net.Conn, sessionKey []byte, isClient bool) (*Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	c := &Conn{Conn: conn, aead: aead, sendDir: dirServerToClient, recvDir: dirClientToServer}
	if isClient {
		c.sendDir, c.recvDir = c.recvDir, c.sendDir
	}
	return c, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	frame := make([]byte, 4+chacha20poly1305.NonceSize, 4+chacha20poly1305.NonceSize+len(p)+c.aead.Overhead())
	nonce := frame[4:]
	binary.BigEndian.PutUint32(nonce[:4], c.sendDir)
	binary.BigEndian.PutUint64(nonce[4:], c.sendCtr)
	c.sendCtr++

	frame = c.aead.Seal(frame, nonce, p, nil)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))
	if _, err := c.Conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.recvBuf.Len() == 0 {
		if err := c.readFrame(); err != nil {
			return 0, err
		}
	}
	return c.recvBuf.Read(p)
}

func (c *Conn) readFrame() error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxPacketSize || length < chacha20poly1305.NonceSize {
		return fmt.Errorf("auth: invalid frame length %d", length)
	}
	pkt := make([]byte, length)
	if _, err := io.ReadFull(c.Conn, pkt); err != nil {
		return err
	}

	nonce := pkt[:chacha20poly1305.NonceSize]
	if binary.BigEndian.Uint32(nonce[:4]) != c.recvDir || binary.BigEndian.Uint64(nonce[4:]) != c.recvCtr {
		return ErrReplayedFrame
	}
	pt, err := c.aead.Open(nil, nonce, pkt[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return err
	}
	c.recvCtr++
	c.recvBuf.Write(pt)
	return nil
}
