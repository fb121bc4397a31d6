package storage

import (
	"fmt"
)

// ErrLogEOF is an error returned by a log Read() on an end of file
var ErrLogEOF = fmt.Errorf("log EOF")

// LogMessage is a single message to a log
type LogMessage struct {
	EntryType uint16
	Data      []byte
}

// WriteLog is an append-only log of messages grouped by topic.
type WriteLog interface {
	TopicAppend(topic string, msg LogMessage) error
	TopicClose(topic string) error
	Close()
}

// ReadLog reads back the messages of a topic in the order they were appended.
type ReadLog interface {
	ReadAll(topic string) ([]LogMessage, error)

	// StreamAll sends each message to f until f returns an error.
	StreamAll(topic string, f func(LogMessage) error) error
}

// Journal is a log that can be both appended to and read.
type Journal interface {
	WriteLog
	ReadLog

	// Truncate removes a topic's messages.
	Truncate(topic string) error
}
