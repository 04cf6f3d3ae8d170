/*
Package sink provides publish-callback adapters that forward asynchronous
bridge messages (telemetry samples, discovery broadcast replies) to
downstream systems.

A sink implements the callback signature of dab.Bridge.SetPublishCallback;
mains compose one or more sinks into the single callback the bridge takes.
*/
package sink

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/core/logger"
)

// Kafka forwards published envelopes to a Kafka topic. The DAB topic of the
// envelope becomes the message key, the payload becomes the message value.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a Kafka sink writing to the given topic.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// Publish implements the bridge publish-callback signature.
func (k *Kafka) Publish(env *element.Element) {
	key := []byte{}
	value := env.JSON()
	if env.Has("topic") {
		topicElem, _ := env.Get("topic")
		if topic, err := topicElem.AsString(); err == nil {
			key = []byte(topic)
			if payload, perr := env.Get("payload"); perr == nil {
				value = payload.JSON()
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := k.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
	if err != nil {
		logger.Default().WithError(err).Errorln("cannot write telemetry to kafka")
	}
}

// Close flushes and closes the underlying writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Tee composes publish callbacks into one.
func Tee(callbacks ...func(*element.Element)) func(*element.Element) {
	return func(env *element.Element) {
		for _, cb := range callbacks {
			cb(env)
		}
	}
}
