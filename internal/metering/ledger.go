package metering

import (
	"context"
	"log/slog"

	"snapsage/internal/types"
)

// LedgerStore is the persistence surface for audit records. Implemented by
// db.UsageLogRepo.
type LedgerStore interface {
	Insert(ctx context.Context, entry *types.UsageLogEntry) error
}

// modelPrice is the advisory USD price per 1,000 tokens for one model.
type modelPrice struct {
	inputPerK  float64
	outputPerK float64
}

// modelPrices is the static per-model price table used only for the ledger's
// advisory cost column. Quota and billing enforcement are token-count based
// and never consult these numbers.
var modelPrices = map[string]modelPrice{
	"gpt-4o-mini": {inputPerK: 0.00015, outputPerK: 0.0006},
	"gpt-4o":      {inputPerK: 0.0025, outputPerK: 0.01},
	"o3":          {inputPerK: 0.002, outputPerK: 0.008},
}

// UsageLedger is the append-only audit sink for metered calls. Writes are best
// effort: a storage failure is logged and swallowed so the user's request is
// never failed over bookkeeping.
type UsageLedger struct {
	store  LedgerStore
	logger *slog.Logger
}

// NewUsageLedger creates a UsageLedger.
func NewUsageLedger(store LedgerStore, logger *slog.Logger) *UsageLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLedger{store: store, logger: logger}
}

// Record computes the advisory cost and appends the entry.
func (l *UsageLedger) Record(ctx context.Context, entry *types.UsageLogEntry) {
	entry.EstimatedCostUSD = EstimateCostUSD(entry.Model, entry.InputTokens, entry.OutputTokens)

	if err := l.store.Insert(ctx, entry); err != nil {
		l.logger.Error("usage ledger write failed",
			slog.String("user_id", entry.UserID),
			slog.String("model", entry.Model),
			slog.String("error", err.Error()),
		)
	}
}

// EstimateCostUSD returns the advisory dollar cost of a call from the static
// price table. Unknown models cost zero.
func EstimateCostUSD(model string, inputTokens, outputTokens int64) float64 {
	price, ok := modelPrices[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*price.inputPerK + float64(outputTokens)/1000*price.outputPerK
}
