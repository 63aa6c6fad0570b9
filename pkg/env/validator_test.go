package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidEthAddress(t *testing.T) {
	assert.True(t, IsValidEthAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e"))
	assert.False(t, IsValidEthAddress("742d35Cc6634C0532925a3b844Bc454e4438f44e"))
	assert.False(t, IsValidEthAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44"))
	assert.False(t, IsValidEthAddress("0xZZ2d35Cc6634C0532925a3b844Bc454e4438f44e"))
}

func TestIsValidPrivateKey(t *testing.T) {
	key := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	assert.True(t, IsValidPrivateKey(key))
	assert.True(t, IsValidPrivateKey("0x"+key))
	assert.False(t, IsValidPrivateKey(key[:60]))
}

func TestIsValidTxHash(t *testing.T) {
	assert.True(t, IsValidTxHash("0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"))
	assert.False(t, IsValidTxHash("0x88df01"))
	assert.False(t, IsValidTxHash("88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"))
}

func TestIsValidPort(t *testing.T) {
	tests := []struct {
		port     string
		expected bool
	}{
		{"8080", true},
		{"1", true},
		{"65535", true},
		{"0", false},
		{"65536", false},
		{"http", false},
	}
	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidPort(tt.port))
		})
	}
}

func TestIsValidURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected bool
	}{
		{"https with path", "https://arb-sepolia.g.alchemy.com/v2/key", true},
		{"localhost with port", "http://localhost:8545", true},
		{"ip with port", "http://127.0.0.1:9000", true},
		{"postgres dsn", "postgres://user:pass@db:5432/datarand?sslmode=disable", true},
		{"redis", "redis://localhost:6379/0", true},
		{"missing scheme", "example.com", false},
		{"ftp scheme", "ftp://example.com", false},
		{"bad port", "http://localhost:99999", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidURL(tt.url))
		})
	}
}
