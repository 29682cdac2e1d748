package auth

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/upsip/upsip/apitypes"
	apierror "github.com/upsip/upsip/internal/server/api/error"
)

// Handshake wire layout:
//
//	client -> server: HandshakeMagic | client_nonce[32] | HMAC-SHA256(key, authContext | client_nonce)
//	server -> client: "OK\0" | server_nonce[32]
//
// On failure the server answers with a JSON ApiError line instead of "OK\0".
const (
	HandshakeMagic = "eUP1\x00"
	NonceSize      = 32
	authContext    = "UPSIP-Auth-v1"
	handshakeOK    = "OK\x00"
)

var errNilWriter = errors.New("write on nil pointer")

func clientProof(key, clientNonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(authContext))
	_, _ = mac.Write(clientNonce)
	return mac.Sum(nil)
}

// ReadClientNonce reads the client nonce. The magic must already be consumed.
func ReadClientNonce(r io.Reader) ([]byte, error) {
	clientNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, clientNonce); err != nil {
		return nil, fmt.Errorf("read client nonce: %w", err)
	}
	return clientNonce, nil
}

// WriteServerHandshake generates the server nonce and sends "OK\0" + nonce.
func WriteServerHandshake(w io.Writer) ([]byte, error) {
	if w == nil {
		return nil, fmt.Errorf("write response: %w", errNilWriter)
	}
	serverNonce := make([]byte, NonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, fmt.Errorf("generate server nonce: %w", err)
	}
	if _, err := w.Write(append([]byte(handshakeOK), serverNonce...)); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return serverNonce, nil
}

// IsAuthHandshake reports whether the buffered stream starts with HandshakeMagic.
func IsAuthHandshake(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(HandshakeMagic))
	if err != nil {
		return false, err
	}
	return string(b) == HandshakeMagic, nil
}

// ServerHandshake verifies a client's proof and answers with the server nonce.
// A wrong password yields a 401 ApiError and nothing is written.
func ServerHandshake(r *bufio.Reader, w io.Writer, key []byte) (clientNonce, serverNonce []byte, err error) {
	if len(key) == 0 {
		return nil, nil, errors.New("handshake: missing key")
	}
	if _, err := r.Discard(len(HandshakeMagic)); err != nil {
		return nil, nil, fmt.Errorf("discard handshake magic: %w", err)
	}
	clientNonce, err = ReadClientNonce(r)
	if err != nil {
		return nil, nil, err
	}
	proof := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, proof); err != nil {
		return nil, nil, fmt.Errorf("read client auth: %w", err)
	}
	if !hmac.Equal(proof, clientProof(key, clientNonce)) {
		return nil, nil, apierror.ErrUnauthorized("invalid password")
	}
	serverNonce, err = WriteServerHandshake(w)
	if err != nil {
		return nil, nil, err
	}
	return clientNonce, serverNonce, nil
}

// ClientHandshake sends the client proof and reads the server nonce.
// A JSON error reply from the server is returned as *apitypes.ApiError.
func ClientHandshake(r *bufio.Reader, w io.Writer, key []byte) (clientNonce, serverNonce []byte, err error) {
	if len(key) == 0 {
		return nil, nil, errors.New("handshake: missing key")
	}
	if w == nil {
		return nil, nil, fmt.Errorf("write handshake: %w", errNilWriter)
	}
	clientNonce = make([]byte, NonceSize)
	if _, err := rand.Read(clientNonce); err != nil {
		return nil, nil, fmt.Errorf("generate client nonce: %w", err)
	}

	msg := append([]byte(HandshakeMagic), clientNonce...)
	msg = append(msg, clientProof(key, clientNonce)...)
	if _, err := w.Write(msg); err != nil {
		return nil, nil, fmt.Errorf("write handshake: %w", err)
	}

	prefix := make([]byte, len(handshakeOK))
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, nil, fmt.Errorf("read handshake response: %w", err)
	}
	if string(prefix) != handshakeOK {
		rest, _ := r.ReadString('\n')
		line := strings.TrimSpace(string(prefix) + rest)
		var apiErr apitypes.ApiError
		if json.Unmarshal([]byte(line), &apiErr) == nil && (apiErr.Status != 0 || apiErr.Title != "") {
			return nil, nil, &apiErr
		}
		return nil, nil, fmt.Errorf("invalid handshake response from server: %q", line)
	}

	serverNonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(r, serverNonce); err != nil {
		return nil, nil, fmt.Errorf("read server nonce: %w", err)
	}
	return clientNonce, serverNonce, nil
}
