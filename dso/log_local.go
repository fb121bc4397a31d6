package dso

import (
	"fmt"
	"log"

	"github.com/natefinch/lumberjack"
)

// LogConfig is the [logging] section of the server configuration.  Sizes are in
// megabytes and ages in days.
type LogConfig struct {
	Logfile string
	MaxSize int `toml:"max_log_size"`
	MaxAge  int `toml:"max_log_age"`
}

// fileLogger writes through the standard log package, rotating a log file when one
// is configured.
type fileLogger struct {
	rotated *lumberjack.Logger
}

var logger Logger = fileLogger{}

// SetLogger sends log messages to the configured file, rotated by size and age.
// Without a file they go to stderr.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Infof("No log file configured, logging to stderr.\n")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	rotated := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(rotated)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	logger = fileLogger{rotated}
}

// SetLoggerInstance replaces the package-level logger, e.g., to capture log lines in
// tests.  A nil Logger restores the default.
func SetLoggerInstance(l Logger) {
	if l == nil {
		l = fileLogger{}
	}
	logger = l
}

func (fileLogger) output(m ModeFlag, format string, args []interface{}) {
	log.Printf(" "+m.String()+" "+format, args...)
}

func (fl fileLogger) Debugf(format string, args ...interface{})    { fl.output(DebugMode, format, args) }
func (fl fileLogger) Infof(format string, args ...interface{})     { fl.output(InfoMode, format, args) }
func (fl fileLogger) Warningf(format string, args ...interface{})  { fl.output(WarningMode, format, args) }
func (fl fileLogger) Errorf(format string, args ...interface{})    { fl.output(ErrorMode, format, args) }
func (fl fileLogger) Criticalf(format string, args ...interface{}) { fl.output(CriticalMode, format, args) }

func (fl fileLogger) Shutdown() {
	if fl.rotated != nil {
		log.Printf("Closing log file %s\n", fl.rotated.Filename)
		fl.rotated.Close()
	}
}
