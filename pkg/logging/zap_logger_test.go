package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger_WritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewZapLogger(LoggerConfig{
		ProcessName:   TestProcess,
		IsDevelopment: false,
		LogDir:        dir,
	})
	require.NoError(t, err)

	logger.Info("task funded", "task_id", "abc")
	_ = logger.Sync()

	logFile := filepath.Join(dir, LogsDir, string(TestProcess), time.Now().UTC().Format(LogFileFormat))
	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "task funded")
	assert.Contains(t, string(content), `"task_id":"abc"`)
	assert.Contains(t, string(content), `"process":"test"`)
}

func TestNewZapLogger_StdoutOnly(t *testing.T) {
	tests := []struct {
		name   string
		config LoggerConfig
	}{
		{name: "development", config: LoggerConfig{ProcessName: TestProcess, IsDevelopment: true, DisableFile: true}},
		{name: "production", config: LoggerConfig{ProcessName: TestProcess, IsDevelopment: false, DisableFile: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewZapLogger(tt.config)
			require.NoError(t, err)
			assert.NotNil(t, logger.sugarLogger)

			traced := logger.WithTraceID("trace-1")
			assert.NotNil(t, traced)
			traced.Debugf("sweeping %d assignments", 3)
		})
	}
}

func TestMockLogger_DefaultExpectations(t *testing.T) {
	m := new(MockLogger)
	m.SetupDefaultExpectations()

	m.Info("hello", "k", "v")
	m.Errorf("failed: %v", "boom")
	assert.Equal(t, m, m.With("k", "v"))
	assert.Equal(t, m, m.WithTraceID("t"))
}

func TestMockLogger_SpecificExpectation(t *testing.T) {
	m := new(MockLogger)
	m.On("Warn", "rate limited", mock.Anything).Once()

	m.Warn("rate limited", "user_id", "u1")
	m.AssertExpectations(t)
}
