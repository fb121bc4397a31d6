package storage

import (
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/janelia-flyem/dso/dso"

	"github.com/Shopify/sarama"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * 1000

// FailedKafkaTopic is the journal topic into which undeliverable events are saved.
const FailedKafkaTopic = "failed-kafka"

// KafkaConfig describes kafka servers receiving server events.
type KafkaConfig struct {
	TopicActivity string // if supplied, will be override topic for activity log
	TopicPrefix   string // if supplied, will be prefixed to the activity topic
	Servers       []string
	BufferSize    int // queue.buffering.max.messages
}

// EventLog publishes server activity (gc cycles, lock hops, elections, transaction
// throughput) to kafka.  A nil *EventLog or one without servers drops events.
type EventLog struct {
	producer sarama.AsyncProducer
	topic    string
	failed   WriteLog

	wg sync.WaitGroup
}

// NewEventLog creates a producer for the configured servers.  Failed messages are
// appended to the failed log if it is non-nil.  If no servers are configured, a
// no-op event log is returned.
func NewEventLog(kc KafkaConfig, hostID string, failed WriteLog) (*EventLog, error) {
	if len(kc.Servers) == 0 {
		return &EventLog{}, nil
	}
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.ChannelBufferSize = kc.BufferSize
	}
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	return NewEventLogWithProducer(producer, activityTopic(kc, hostID), failed)
}

func activityTopic(kc KafkaConfig, hostID string) string {
	topic := kc.TopicActivity
	if topic == "" {
		topic = "dsoactivity-" + hostID
	}
	topic = kc.TopicPrefix + topic
	reg := regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)
	return reg.ReplaceAllString(topic, "-")
}

// NewEventLogWithProducer wraps an existing producer.
func NewEventLogWithProducer(producer sarama.AsyncProducer, topic string, failed WriteLog) (*EventLog, error) {
	el := &EventLog{producer: producer, topic: topic, failed: failed}
	el.wg.Add(1)
	go func() {
		defer el.wg.Done()
		for err := range producer.Errors() {
			dso.Errorf("error on kafka send: %v\n", err)
			el.storeFailedMsg(err.Msg)
		}
	}()
	dso.Infof("Kafka topic for server activity: %s\n", topic)
	return el, nil
}

// Topic returns the activity topic or the empty string if events are dropped.
func (el *EventLog) Topic() string {
	if el == nil {
		return ""
	}
	return el.topic
}

// LogActivity publishes an activity record as JSON, adding a timestamp.
func (el *EventLog) LogActivity(activity map[string]interface{}) {
	if el == nil || el.producer == nil {
		return
	}
	activity["Time"] = time.Now().Unix()
	jsonmsg, err := json.Marshal(activity)
	if err != nil {
		dso.Errorf("unable to marshal activity for kafka logging: %v\n", err)
		return
	}
	el.Produce(jsonmsg)
}

// Produce sends a message to the activity topic.
func (el *EventLog) Produce(value []byte) {
	if el == nil || el.producer == nil {
		return
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	msg := &sarama.ProducerMessage{Topic: el.topic, Value: sarama.ByteEncoder(value), Key: timeKey}
	el.producer.Input() <- msg
}

// Close makes sure that the kafka queue is flushed before stopping.
func (el *EventLog) Close() {
	if el == nil || el.producer == nil {
		return
	}
	if err := el.producer.Close(); err != nil {
		dso.Errorf("Kafka producer had error on close: %v\n", err)
	} else {
		dso.Infof("Successfully shut down kafka producer.\n")
	}
	el.wg.Wait()
}

func (el *EventLog) storeFailedMsg(msg *sarama.ProducerMessage) {
	if el.failed == nil || msg == nil || msg.Value == nil {
		return
	}
	value, err := msg.Value.Encode()
	if err != nil {
		dso.Errorf("unable to encode failed kafka message: %v\n", err)
		return
	}
	if err := el.failed.TopicAppend(FailedKafkaTopic, LogMessage{Data: value}); err != nil {
		dso.Criticalf("unable to store failed kafka message to topic %q: %v\n", msg.Topic, err)
	}
}
