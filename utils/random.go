package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

func GenerateCode(n int) (string, error) {
	// Make a slice of nBytes random bytes.
	byt := make([]byte, n)

	// Read into the slice.
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	// Return the hexadecimal string.
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

func GenerateOTP(length int) (string, error) {
	// OTPCharset is the default charset used for OTP generation.
	const charset = "0123456789"

	// Make a slice of length random bytes.
	code := make([]byte, length)

	// Read into the slice.
	if _, err := rand.Read(code); err != nil {
		return "", err
	}

	// Convert bytes to string.
	for i := 0; i < length; i++ {
		code[i] = charset[int(code[i])%len(charset)]
	}

	return string(code), nil
}

// GenerateQRCode builds a ticket QR payload: TKT-QR-{unix}-{16 char suffix}.
// Uniqueness is enforced by the issuer's Redis index, not by this function.
func GenerateQRCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	suffix := make([]byte, 16)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	for i := range suffix {
		suffix[i] = charset[int(suffix[i])%len(charset)]
	}

	return fmt.Sprintf("TKT-QR-%d-%s", time.Now().Unix(), string(suffix)), nil
}

// GenerateBackupCode returns the 6-digit fallback code read out loud at the
// gate when a QR will not scan. Unique per event, enforced by the issuer.
func GenerateBackupCode() (string, error) {
	return GenerateOTP(6)
}
