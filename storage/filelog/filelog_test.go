package filelog

import (
	"errors"
	"fmt"
	"testing"

	"github.com/janelia-flyem/dso/storage"
)

func TestAppendAndRead(t *testing.T) {
	config := TestConfig()
	logs, created, err := Open(config)
	if err != nil {
		t.Fatalf("unable to open logs: %v\n", err)
	}
	if !created {
		t.Errorf("expected fresh log directory\n")
	}
	defer Delete(config)
	defer logs.Close()

	var _ storage.Journal = logs

	for i := 0; i < 20; i++ {
		msg := storage.LogMessage{EntryType: uint16(i % 3), Data: []byte(fmt.Sprintf("txn %d", i))}
		if err := logs.TopicAppend("replication/S1", msg); err != nil {
			t.Fatalf("unable to append: %v\n", err)
		}
	}
	msgs, err := logs.ReadAll("replication/S1")
	if err != nil {
		t.Fatalf("unable to read: %v\n", err)
	}
	if len(msgs) != 20 {
		t.Fatalf("expected 20 messages, got %d\n", len(msgs))
	}
	for i, msg := range msgs {
		if msg.EntryType != uint16(i%3) || string(msg.Data) != fmt.Sprintf("txn %d", i) {
			t.Errorf("message %d bad: %d %q\n", i, msg.EntryType, msg.Data)
		}
	}

	// Appends after a read continue the same topic.
	if err := logs.TopicAppend("replication/S1", storage.LogMessage{Data: []byte("last")}); err != nil {
		t.Fatalf("unable to append after read: %v\n", err)
	}
	stop := errors.New("stop")
	var n int
	err = logs.StreamAll("replication/S1", func(storage.LogMessage) error {
		n++
		if n == 5 {
			return stop
		}
		return nil
	})
	if err != stop || n != 5 {
		t.Errorf("expected streaming to stop after 5 messages, got %d (%v)\n", n, err)
	}

	if err := logs.Truncate("replication/S1"); err != nil {
		t.Fatalf("unable to truncate: %v\n", err)
	}
	msgs, err = logs.ReadAll("replication/S1")
	if err != nil || len(msgs) != 0 {
		t.Errorf("expected empty topic after truncate, got %d (%v)\n", len(msgs), err)
	}
}

func TestMissingTopic(t *testing.T) {
	config := TestConfig()
	logs, _, err := Open(config)
	if err != nil {
		t.Fatalf("unable to open logs: %v\n", err)
	}
	defer Delete(config)
	defer logs.Close()

	msgs, err := logs.ReadAll("nothing")
	if err != nil || msgs != nil {
		t.Errorf("expected no messages and no error, got %v (%v)\n", msgs, err)
	}
}
