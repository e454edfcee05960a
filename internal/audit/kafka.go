package audit

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/btcwrap/pkg/errors"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records to a Kafka topic as protobuf-encoded
// google.protobuf.Struct messages keyed by command name.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a synchronous producer for topic. No connection is
// made until the first write.
func NewKafkaSink(brokers []string, topic string, timeout time.Duration) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		MaxAttempts:            1,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           timeout,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(writer, topic)
}

func newKafkaSink(writer messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic}
}

// Name implements Sink
func (k *KafkaSink) Name() string { return "kafka" }

// Write implements Sink
func (k *KafkaSink) Write(ctx context.Context, rec Record) error {
	data, err := EncodeProto(rec)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(rec.Command),
		Value: data,
		Time:  rec.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeAudit, "publish_message",
			"failed to publish audit record to Kafka").
			WithContext("topic", k.topic).
			WithContext("message_size", len(data))
	}
	return nil
}

// Close implements Sink
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// EncodeProto marshals rec as a google.protobuf.Struct.
func EncodeProto(rec Record) ([]byte, error) {
	msg, err := structpb.NewStruct(rec.Fields())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal",
			"failed to convert audit record").
			WithRetryable(false)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal",
			"failed to marshal audit record").
			WithRetryable(false)
	}
	return data, nil
}

// DecodeProto is the inverse of EncodeProto.
func DecodeProto(data []byte) (map[string]interface{}, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_unmarshal",
			"failed to unmarshal audit record").
			WithRetryable(false)
	}
	return msg.AsMap(), nil
}
