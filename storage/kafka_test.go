package storage

import (
	"errors"
	"sync"
	"testing"

	"github.com/Shopify/sarama/mocks"
)

type memLog struct {
	sync.Mutex
	msgs map[string][]LogMessage
}

func (m *memLog) TopicAppend(topic string, msg LogMessage) error {
	m.Lock()
	defer m.Unlock()
	if m.msgs == nil {
		m.msgs = make(map[string][]LogMessage)
	}
	m.msgs[topic] = append(m.msgs[topic], msg)
	return nil
}

func (m *memLog) TopicClose(topic string) error { return nil }
func (m *memLog) Close()                        {}

func TestEventLog(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndFail(errors.New("broker down"))

	failed := &memLog{}
	el, err := NewEventLogWithProducer(producer, "dsoactivity-test", failed)
	if err != nil {
		t.Fatalf("unable to create event log: %v\n", err)
	}
	if el.Topic() != "dsoactivity-test" {
		t.Errorf("unexpected topic %q\n", el.Topic())
	}
	el.LogActivity(map[string]interface{}{"Action": "gc", "Deleted": 3})
	el.Produce([]byte("lost"))
	el.Close()

	failed.Lock()
	defer failed.Unlock()
	if len(failed.msgs[FailedKafkaTopic]) != 1 {
		t.Fatalf("expected one failed message saved, got %v\n", failed.msgs)
	}
	if string(failed.msgs[FailedKafkaTopic][0].Data) != "lost" {
		t.Errorf("unexpected failed message %q\n", failed.msgs[FailedKafkaTopic][0].Data)
	}
}

func TestNilEventLog(t *testing.T) {
	var el *EventLog
	el.LogActivity(map[string]interface{}{"Action": "noop"})
	el.Close()

	el, err := NewEventLog(KafkaConfig{}, "host", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v\n", err)
	}
	el.Produce([]byte("dropped"))
	el.Close()
}

func TestActivityTopic(t *testing.T) {
	topic := activityTopic(KafkaConfig{TopicPrefix: "prod-"}, "my host:8000")
	if topic != "prod-dsoactivity-my-host-8000" {
		t.Errorf("unexpected topic %q\n", topic)
	}
}
