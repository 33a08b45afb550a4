package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"admin-auth/internal/client"
)

// KafkaSink fans audit entries out to the security event stream.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// Append implements Sink. Entries are keyed by username so one principal's
// events stay ordered within a partition.
func (s *KafkaSink) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(e.Username), payload)
}
