package security

import (
	"tickethub/internal/status"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"golang.org/x/crypto/bcrypt"
)

// Request store keys set by ScannerAuth for downstream handlers.
const (
	ScannerIDKey    = "scannerId"
	ScannerEventKey = "scannerEventId"
)

// ScannerAuth authenticates a venue scanner device by its registered key.
// Devices send X-Scanner-Id and X-Scanner-Key; the key is bcrypt-checked
// against the scanners collection, so a leaked database never exposes keys.
func ScannerAuth(app *pocketbase.PocketBase) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		deviceID := e.Request.Header.Get("X-Scanner-Id")
		deviceKey := e.Request.Header.Get("X-Scanner-Key")
		if deviceID == "" || deviceKey == "" {
			return apis.NewUnauthorizedError("Scanner credentials required", status.ErrScannerUnauthorized)
		}

		records, err := app.FindRecordsByFilter(
			"scanners",
			"device_id = {:deviceId} && active = true",
			"",
			1,
			0,
			map[string]any{"deviceId": deviceID},
		)
		if err != nil || len(records) == 0 {
			return apis.NewUnauthorizedError("Unknown scanner device", status.ErrScannerUnauthorized)
		}

		scanner := records[0]
		if !CompareHash([]byte(scanner.GetString("key_hash")), []byte(deviceKey)) {
			return apis.NewUnauthorizedError("Invalid scanner key", status.ErrScannerUnauthorized)
		}

		e.Set(ScannerIDKey, deviceID)
		e.Set(ScannerEventKey, scanner.GetString("event_id"))

		return e.Next()
	}
}

// GenerateHash bcrypt-hashes a scanner device key for storage.
func GenerateHash(key []byte) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(key, bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareHash reports whether key matches the stored bcrypt hash.
func CompareHash(hash, key []byte) bool {
	if err := bcrypt.CompareHashAndPassword(hash, key); err != nil {
		return false
	}
	return true
}
