package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hmac256 is a function to generate HMAC256 hash.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

// VerifySignature checks a gateway webhook signature against the raw request
// body. Constant-time comparison; an empty received signature never passes.
func VerifySignature(body, key []byte, receivedSig string) bool {
	if receivedSig == "" {
		return false
	}
	expected := Hmac256(body, key)
	return hmac.Equal([]byte(receivedSig), []byte(expected))
}
