package dso

import (
	"fmt"
	"strings"
	"testing"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) add(level, format string, args []interface{}) {
	c.lines = append(c.lines, level+" "+fmt.Sprintf(format, args...))
}

func (c *captureLogger) Debugf(format string, args ...interface{})    { c.add("DEBUG", format, args) }
func (c *captureLogger) Infof(format string, args ...interface{})     { c.add("INFO", format, args) }
func (c *captureLogger) Warningf(format string, args ...interface{})  { c.add("WARNING", format, args) }
func (c *captureLogger) Errorf(format string, args ...interface{})    { c.add("ERROR", format, args) }
func (c *captureLogger) Criticalf(format string, args ...interface{}) { c.add("CRITICAL", format, args) }
func (c *captureLogger) Shutdown()                                    {}

func TestLogMode(t *testing.T) {
	capture := &captureLogger{}
	SetLoggerInstance(capture)
	defer SetLoggerInstance(nil)
	oldMode := LogMode()
	defer SetLogMode(oldMode)

	SetLogMode(WarningMode)
	Debugf("dropped\n")
	Infof("dropped\n")
	Warningf("kept %d\n", 1)
	Criticalf("kept %d\n", 2)
	if len(capture.lines) != 2 {
		t.Fatalf("expected 2 log lines at warning mode, got %v\n", capture.lines)
	}
	if capture.lines[0] != "WARNING kept 1\n" {
		t.Errorf("bad log line: %q\n", capture.lines[0])
	}

	SetLogMode(SilentMode)
	Criticalf("dropped\n")
	if len(capture.lines) != 2 {
		t.Errorf("silent mode still logged: %v\n", capture.lines)
	}

	SetLogMode(DebugMode)
	NewTimeLog().Infof("flushed %d objects", 3)
	last := capture.lines[len(capture.lines)-1]
	if !strings.HasPrefix(last, "INFO flushed 3 objects: ") {
		t.Errorf("bad timed log line: %q\n", last)
	}
	if DebugMode.String() != "DEBUG" || ModeFlag(42).String() != "UNKNOWN" {
		t.Errorf("bad mode names\n")
	}
}
