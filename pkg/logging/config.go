package logging

const (
	BaseDataDir   = "data"
	LogsDir       = "logs"
	LogFileFormat = "2006-01-02.log"
	TimeFormat    = "2006-01-02 15:04:05"
)

// ProcessName names the log directory and the "process" field of every entry.
type ProcessName string

const (
	APIProcess     ProcessName = "marketplace-api"
	SweeperProcess ProcessName = "sweeper"
	MigrateProcess ProcessName = "migrate"
	TestProcess    ProcessName = "test"
)

type LoggerConfig struct {
	ProcessName   ProcessName
	IsDevelopment bool
	// LogDir overrides BaseDataDir; empty keeps the default.
	LogDir string
	// DisableFile keeps output on stdout only.
	DisableFile bool
}

func NewDefaultConfig(processName ProcessName) LoggerConfig {
	return LoggerConfig{
		ProcessName:   processName,
		IsDevelopment: true,
	}
}
