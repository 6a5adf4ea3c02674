package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/bank"
	"github.com/warp/ledger-engine/events"
)

func TestFromEntry_TransferCarriesBothAccounts(t *testing.T) {
	from := bank.AccountID(1)
	to := bank.AccountID(2)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	event := events.FromEntry(bank.LedgerEntry{
		ID:            "entry-1",
		FromAccountID: &from,
		ToAccountID:   &to,
		Amount:        decimal.RequireFromString("12.50"),
		Type:          bank.EntryTransfer,
		CreatedAt:     at,
	})

	assert.Equal(t, "entry-1", event.EntryID)
	assert.Equal(t, "TRANSFER", event.Type)
	require.NotNil(t, event.FromAccountID)
	require.NotNil(t, event.ToAccountID)
	assert.EqualValues(t, 1, *event.FromAccountID)
	assert.EqualValues(t, 2, *event.ToAccountID)
	assert.True(t, event.Amount.Equal(decimal.RequireFromString("12.50")))
	assert.True(t, event.OccurredAt.Equal(at))
}

func TestFromEntry_DepositOmitsSourceAccount(t *testing.T) {
	to := bank.AccountID(7)

	event := events.FromEntry(bank.LedgerEntry{
		ID:          "entry-2",
		ToAccountID: &to,
		Amount:      decimal.RequireFromString("100"),
		Type:        bank.EntryDeposit,
		CreatedAt:   time.Now().UTC(),
	})

	assert.Nil(t, event.FromAccountID)
	require.NotNil(t, event.ToAccountID)

	// The wire form drops the absent side entirely.
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "from_account_id")
	assert.Contains(t, string(raw), "to_account_id")
}
