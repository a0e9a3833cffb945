package kafkabackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"tunelift/request"
)

// FlushTimeout is the timeout we give to our kafka producer
// to flush pending messages.
const FlushTimeout = 5000

// Backend delivers a status update by producing to a Kafka topic, from
// which the messaging gateway consumes.
type Backend struct {
	producer *kafka.Producer
	reports  chan request.StatusUpdate
	eventsWg *sync.WaitGroup
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start starts the backend by creating a producer,
// given a set of options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	var err error

	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		err := kafkaCfg.SetKey(k, v)
		if err != nil {
			return err
		}
	}

	b.producer, err = kafka.NewProducer(&kafkaCfg)
	if err != nil {
		return err
	}

	b.reports = make(chan request.StatusUpdate)
	b.eventsWg = new(sync.WaitGroup)

	// monitor Kafka's Events channel
	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.transformStream(ctx)
	}()

	return nil
}

// Notify produces a Kafka message to topic.
func (b *Backend) Notify(topic string, u request.StatusUpdate) error {
	payload, err := u.Bytes()
	if err != nil {
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
	}

	return b.producer.Produce(message, nil)
}

// DeliveryReports returns a channel of emitted delivery events
func (b *Backend) DeliveryReports() <-chan request.StatusUpdate {
	return b.reports
}

// Stop gracefully terminates b after flushing any outstanding messages to Kafka.
// An error is returned if (and only if) not all messages were flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("After %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	b.eventsWg.Wait()
	close(b.reports)

	return err
}

// transformStream iterates over the Events channel of Kafka, transforms
// each message back to a status update and enqueues it to b.reports.
func (b *Backend) transformStream(ctx context.Context) {
	for e := range b.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			var u request.StatusUpdate

			err := json.Unmarshal(ev.Value, &u)
			if err != nil {
				u.Delivered = false
				u.DeliveryError = fmt.Sprintf("Could not unmarshal value %s to status update", ev.Value)
			} else {
				u.Delivered = true
				u.DeliveryError = ""

				if ev.TopicPartition.Error != nil {
					u.Delivered = false
					u.DeliveryError = ev.TopicPartition.Error.Error()
				}
			}

			b.reports <- u
		}
	}
}
