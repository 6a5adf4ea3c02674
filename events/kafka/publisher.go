// Package kafka publishes ledger events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/warp/ledger-engine/bank"
	"github.com/warp/ledger-engine/events"
)

const defaultTopic = "ledger.transactions"

// Publisher writes TransactionRecorded events to Kafka.
type Publisher struct {
	writer *kafka.Writer
}

var _ bank.Publisher = (*Publisher)(nil)

func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    defaultTopic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// PublishEntry writes one event keyed by entry id, so retried publishes of
// the same entry land in the same partition.
func (p *Publisher) PublishEntry(ctx context.Context, entry bank.LedgerEntry) error {
	data, err := json.Marshal(events.FromEntry(entry))
	if err != nil {
		return fmt.Errorf("failed to encode ledger event: %w", err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.ID),
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
