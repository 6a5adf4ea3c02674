/*
Package events publishes committed ledger entries to downstream consumers.

PURPOSE:
  Every committed money movement can be fanned out as a TransactionRecorded
  event (statements, notifications, analytics). Publishing happens after
  commit and is best-effort: the ledger is the source of truth, the stream
  is a projection of it.

IMPLEMENTATIONS:
  kafka.Publisher: writes to a Kafka topic
  LogPublisher:    logs events locally (default when no brokers configured)
*/
package events

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/bank"
)

// TransactionRecorded is the wire form of a committed ledger entry.
type TransactionRecorded struct {
	EntryID       string          `json:"entry_id"`
	Type          string          `json:"type"`
	FromAccountID *int64          `json:"from_account_id,omitempty"`
	ToAccountID   *int64          `json:"to_account_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// FromEntry converts a ledger entry into its event form.
func FromEntry(entry bank.LedgerEntry) TransactionRecorded {
	event := TransactionRecorded{
		EntryID:    string(entry.ID),
		Type:       string(entry.Type),
		Amount:     entry.Amount,
		OccurredAt: entry.CreatedAt,
	}
	if entry.FromAccountID != nil {
		id := int64(*entry.FromAccountID)
		event.FromAccountID = &id
	}
	if entry.ToAccountID != nil {
		id := int64(*entry.ToAccountID)
		event.ToAccountID = &id
	}
	return event
}

// LogPublisher writes events to the process log. Used in development and as
// the fallback when no Kafka brokers are configured.
type LogPublisher struct{}

var _ bank.Publisher = LogPublisher{}

func (LogPublisher) PublishEntry(_ context.Context, entry bank.LedgerEntry) error {
	event := FromEntry(entry)
	log.Printf("ledger entry recorded: id=%s type=%s amount=%s", event.EntryID, event.Type, event.Amount)
	return nil
}
