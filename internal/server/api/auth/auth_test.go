package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/upsip/upsip/internal/server/api/auth"
)

func TestGenKey(t *testing.T) {
	key, err := auth.GenerateKey()
	assert.NoError(t, err)
	assert.Len(t, key, auth.AutoGenKeyLength)
	assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)

	other, err := auth.GenerateKey()
	assert.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDeriveKey(t *testing.T) {
	type testCase struct {
		name        string
		password    string
		expectedKey []byte
		expectedErr error
	}

	testCases := []testCase{
		{
			name:        "Normal Password",
			password:    "password123",
			expectedKey: []byte{0xc5, 0xbc, 0x41, 0x2d, 0x11, 0x58, 0x78, 0x60, 0x74, 0xe5, 0xfe, 0xc9, 0x47, 0xb9, 0x2d, 0x41, 0x8c, 0xbc, 0x8d, 0x6a, 0xe7, 0x26, 0x63, 0x90, 0x9c, 0x59, 0x53, 0x6e, 0xdf, 0x6a, 0xf5, 0xa0},
		},
		{
			name:        "Simple Password",
			password:    "1",
			expectedKey: []byte{0x2a, 0x75, 0xc3, 0xe1, 0x86, 0x11, 0x1d, 0x93, 0xcf, 0xa5, 0x49, 0x6a, 0xa4, 0xda, 0xf9, 0x19, 0x6a, 0x4a, 0x52, 0x78, 0xfb, 0x35, 0x67, 0x6f, 0x66, 0x9c, 0xe5, 0xd3, 0x1b, 0xda, 0x0c, 0xe8},
		},
		{
			name:        "Empty Password",
			password:    "",
			expectedErr: auth.ErrEmptyPassword,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			derivedKey, err := auth.DeriveKey(tc.password)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expectedKey, derivedKey)
		})
	}
}

func TestDeriveSessionKey(t *testing.T) {
	key := make([]byte, 32)
	serverNonce := make([]byte, 32)
	clientNonce := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
		serverNonce[i] = byte(i + 10)
		clientNonce[i] = byte(i + 20)
	}

	sessionKey := auth.DeriveSessionKey(key, serverNonce, clientNonce)
	assert.Len(t, sessionKey, 32)
	assert.Equal(t, sessionKey, auth.DeriveSessionKey(key, serverNonce, clientNonce))

	clientNonce[0] = 99
	assert.NotEqual(t, sessionKey, auth.DeriveSessionKey(key, serverNonce, clientNonce))
}
