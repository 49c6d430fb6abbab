package utils

import (
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Code Generation Tests

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(4)

	require.NoError(t, err)
	assert.Regexp(t, "^[0-9A-F]{8}$", code)
}

func TestGenerateOTP(t *testing.T) {
	otp, err := GenerateOTP(6)

	require.NoError(t, err)
	assert.Regexp(t, `^\d{6}$`, otp)
}

func TestGenerateQRCode(t *testing.T) {
	code, err := GenerateQRCode()

	require.NoError(t, err)
	assert.Regexp(t, `^TKT-QR-\d+-[A-Z0-9]{16}$`, code)
}

func TestGenerateQRCode_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		code, err := GenerateQRCode()
		require.NoError(t, err)
		assert.False(t, seen[code], "duplicate QR payload: %s", code)
		seen[code] = true
	}
}

func TestGenerateBackupCode(t *testing.T) {
	code, err := GenerateBackupCode()

	require.NoError(t, err)
	assert.Regexp(t, `^\d{6}$`, code)
}

// Redis Client Tests

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetVal("PONG")

	err := RedisHealthCheck(db)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()

	expectedError := errors.New("connection failed")
	mock.ExpectPing().SetErr(expectedError)

	err := RedisHealthCheck(db)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.Contains(t, err.Error(), "connection failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Benchmark Tests

func BenchmarkGenerateQRCode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		GenerateQRCode()
	}
}

func BenchmarkGenerateBackupCode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		GenerateBackupCode()
	}
}
