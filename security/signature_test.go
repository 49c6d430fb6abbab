package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHmac256(t *testing.T) {
	// RFC-style reference vector for HMAC-SHA256
	body := []byte("The quick brown fox jumps over the lazy dog")
	key := []byte("key")

	sig := Hmac256(body, key)
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", sig)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"reference":"PAY-123","status":"success"}`)
	key := []byte("webhook-secret")
	sig := Hmac256(body, key)

	tests := []struct {
		name     string
		body     []byte
		key      []byte
		sig      string
		expected bool
	}{
		{"valid signature", body, key, sig, true},
		{"tampered body", []byte(`{"reference":"PAY-999","status":"success"}`), key, sig, false},
		{"wrong key", body, []byte("other-secret"), sig, false},
		{"empty signature", body, key, "", false},
		{"garbage signature", body, key, "deadbeef", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, VerifySignature(tt.body, tt.key, tt.sig))
		})
	}
}
