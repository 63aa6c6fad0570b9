package logging

import "sync"

var (
	processLoggerOnce sync.Once
	processLogger     *ZapLogger
	processLoggerErr  error
)

// InitServiceLogger builds the process logger on the first call. Later calls
// return the first call's error and do not reconfigure anything.
func InitServiceLogger(config LoggerConfig) error {
	processLoggerOnce.Do(func() {
		processLogger, processLoggerErr = NewZapLogger(config)
	})
	return processLoggerErr
}

// GetServiceLogger falls back to a no-op logger until InitServiceLogger succeeds.
func GetServiceLogger() Logger {
	if processLogger == nil {
		return NewNoOpLogger()
	}
	return processLogger
}

// Shutdown flushes buffered entries of the process logger.
func Shutdown() {
	if processLogger != nil {
		_ = processLogger.Sync()
	}
}
