package dso

import (
	"sync/atomic"
	"time"
)

// ModeFlag is a log severity.  Messages below the current mode are dropped.
type ModeFlag uint32

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var modeNames = [...]string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL", "SILENT"}

func (m ModeFlag) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "UNKNOWN"
}

// Verbose turns on per-message logging in the rpc layer.
var Verbose bool

var mode = uint32(InfoMode)

// Logger provides a way for the application to log messages at different severities.
// Each method formats its arguments analogous to fmt.Printf.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})

	// Shutdown makes sure logs are closed.
	Shutdown()
}

// SetLogMode sets the lowest severity that is logged, e.g., SetLogMode(WarningMode)
// drops Debugf and Infof.  SilentMode turns off all logging.
func SetLogMode(newMode ModeFlag) {
	atomic.StoreUint32(&mode, uint32(newMode))
}

// LogMode returns the current severity threshold.
func LogMode() ModeFlag {
	return ModeFlag(atomic.LoadUint32(&mode))
}

func logs(m ModeFlag) bool {
	return LogMode() <= m
}

func Debugf(format string, args ...interface{}) {
	if logs(DebugMode) {
		logger.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if logs(InfoMode) {
		logger.Infof(format, args...)
	}
}

func Warningf(format string, args ...interface{}) {
	if logs(WarningMode) {
		logger.Warningf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if logs(ErrorMode) {
		logger.Errorf(format, args...)
	}
}

func Criticalf(format string, args ...interface{}) {
	if logs(CriticalMode) {
		logger.Criticalf(format, args...)
	}
}

// Shutdown closes any log file.
func Shutdown() {
	logger.Shutdown()
}

// TimeLog appends the time since its creation to each message, e.g.,
//
//	tlog := NewTimeLog()
//	...
//	tlog.Infof("Flushed %d objects", n)  // "Flushed 12 objects: 3.2ms"
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{time.Now()}
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t TimeLog) timed(m ModeFlag, f func(string, ...interface{}), format string, args []interface{}) {
	if logs(m) {
		f(format+": %s\n", append(args, time.Since(t.start))...)
	}
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	t.timed(DebugMode, logger.Debugf, format, args)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	t.timed(InfoMode, logger.Infof, format, args)
}

func (t TimeLog) Warningf(format string, args ...interface{}) {
	t.timed(WarningMode, logger.Warningf, format, args)
}

func (t TimeLog) Errorf(format string, args ...interface{}) {
	t.timed(ErrorMode, logger.Errorf, format, args)
}
