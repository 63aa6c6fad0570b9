package env

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestGetEnvString(t *testing.T) {
	t.Setenv("DR_TEST_STRING", "hello")
	assert.Equal(t, "hello", GetEnvString("DR_TEST_STRING", "default"))
	assert.Equal(t, "default", GetEnvString("DR_TEST_STRING_MISSING", "default"))

	t.Setenv("DR_TEST_EMPTY", "")
	assert.Equal(t, "", GetEnvString("DR_TEST_EMPTY", "default"))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		expected     bool
	}{
		{"true", "true", false, true},
		{"numeric one", "1", false, true},
		{"false", "false", true, false},
		{"invalid falls back", "yes please", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DR_TEST_BOOL", tt.value)
			assert.Equal(t, tt.expected, GetEnvBool("DR_TEST_BOOL", tt.defaultValue))
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("DR_TEST_INT", " 42 ")
	assert.Equal(t, 42, GetEnvInt("DR_TEST_INT", 7))
	assert.Equal(t, int64(42), GetEnvInt64("DR_TEST_INT", 7))

	t.Setenv("DR_TEST_INT_BAD", "forty")
	assert.Equal(t, 7, GetEnvInt("DR_TEST_INT_BAD", 7))
	assert.Equal(t, 7, GetEnvInt("DR_TEST_INT_MISSING", 7))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("DR_TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("DR_TEST_DURATION", time.Minute))

	t.Setenv("DR_TEST_DURATION_BAD", "ninety")
	assert.Equal(t, time.Minute, GetEnvDuration("DR_TEST_DURATION_BAD", time.Minute))
}

func TestGetEnvDecimal(t *testing.T) {
	t.Setenv("DR_TEST_DECIMAL", "0.15")
	assert.True(t, decimal.RequireFromString("0.15").Equal(GetEnvDecimal("DR_TEST_DECIMAL", decimal.Zero)))

	t.Setenv("DR_TEST_DECIMAL_BAD", "fifteen percent")
	assert.True(t, decimal.Zero.Equal(GetEnvDecimal("DR_TEST_DECIMAL_BAD", decimal.Zero)))
}

func TestGetEnvStringSlice(t *testing.T) {
	t.Setenv("DR_TEST_SLICE", "http://a.io, ,http://b.io")
	assert.Equal(t, []string{"http://a.io", "http://b.io"}, GetEnvStringSlice("DR_TEST_SLICE", nil))

	t.Setenv("DR_TEST_SLICE_EMPTY", " , ")
	assert.Equal(t, []string{"*"}, GetEnvStringSlice("DR_TEST_SLICE_EMPTY", []string{"*"}))
}
