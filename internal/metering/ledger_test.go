package metering

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapsage/internal/types"
)

type fakeLedgerStore struct {
	entries   []*types.UsageLogEntry
	insertErr error
}

func (s *fakeLedgerStore) Insert(ctx context.Context, entry *types.UsageLogEntry) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func TestEstimateCostUSD_KnownModels(t *testing.T) {
	// 1M input at $0.15/M plus 1M output at $0.60/M.
	cost := EstimateCostUSD("gpt-4o-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, 0.75, cost, 1e-9)

	cost = EstimateCostUSD("gpt-4o", 100_000, 50_000)
	assert.InDelta(t, 0.25+0.5, cost, 1e-9)
}

func TestEstimateCostUSD_UnknownModelIsFree(t *testing.T) {
	assert.Zero(t, EstimateCostUSD("gpt-99", 1_000_000, 1_000_000))
}

func TestUsageLedger_Record_FillsAdvisoryCost(t *testing.T) {
	store := &fakeLedgerStore{}
	ledger := NewUsageLedger(store, nil)

	ledger.Record(context.Background(), &types.UsageLogEntry{
		UserID:       "user_1",
		Model:        "gpt-4o",
		InputTokens:  100_000,
		OutputTokens: 50_000,
		Success:      true,
	})

	require.Len(t, store.entries, 1)
	assert.InDelta(t, 0.75, store.entries[0].EstimatedCostUSD, 1e-9)
}

func TestUsageLedger_Record_SwallowsStorageErrors(t *testing.T) {
	store := &fakeLedgerStore{insertErr: errors.New("disk full")}
	ledger := NewUsageLedger(store, nil)

	// Must not panic or surface the error; best effort by design.
	ledger.Record(context.Background(), &types.UsageLogEntry{UserID: "user_1", Model: "gpt-4o-mini"})
}
