package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/metrics"
	"prepaidmeter/backend/services/metering-service/internal/models"
)

// DefaultScanLimit bounds the fallback scan.
const DefaultScanLimit = 10000

// Ledger reads ledger aggregates for policy decisions. Every read first tries the
// indexed tier and, if that fails while the caller is still waiting, falls back to a
// bounded filtered scan. Results of the fallback are exact as long as the account has
// no more than scanLimit entries of the requested kind.
type Ledger struct {
	store     LedgerStore
	scanLimit int
	logger    *zap.Logger
}

// NewLedger wraps store with the two-tier read contract.
func NewLedger(store LedgerStore, scanLimit int, logger *zap.Logger) *Ledger {
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, scanLimit: scanLimit, logger: logger}
}

// Store returns the wrapped ledger store.
func (l *Ledger) Store() LedgerStore {
	return l.store
}

// AggregateSum returns the total amount of the account's entries of txType.
func (l *Ledger) AggregateSum(ctx context.Context, accountID string, txType models.TransactionType) (decimal.Decimal, error) {
	total, err := l.store.SumByType(ctx, accountID, txType)
	if err == nil {
		return total, nil
	}
	if !l.shouldFallback(ctx, err) {
		return decimal.Zero, err
	}
	l.noteFallback("aggregate_sum", accountID, txType, err)

	entries, err := l.store.ScanTransactions(ctx, accountID, txType, l.scanLimit)
	if err != nil {
		return decimal.Zero, err
	}
	return sumAmounts(entries), nil
}

// FindLatestTransaction returns the newest entry of txType by timestamp, ties broken by
// insertion order. It returns ErrNotFound when the account has none.
func (l *Ledger) FindLatestTransaction(ctx context.Context, accountID string, txType models.TransactionType) (*models.Transaction, error) {
	tx, err := l.store.LatestByType(ctx, accountID, txType)
	if err == nil || errors.Is(err, ErrNotFound) {
		return tx, err
	}
	if !l.shouldFallback(ctx, err) {
		return nil, err
	}
	l.noteFallback("find_latest", accountID, txType, err)

	entries, err := l.store.ScanTransactions(ctx, accountID, txType, l.scanLimit)
	if err != nil {
		return nil, err
	}
	latest := pickLatest(entries)
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// HasTransaction reports whether the account has at least one entry of txType.
func (l *Ledger) HasTransaction(ctx context.Context, accountID string, txType models.TransactionType) (bool, error) {
	found, err := l.store.HasTransaction(ctx, accountID, txType)
	if err == nil {
		return found, nil
	}
	if !l.shouldFallback(ctx, err) {
		return false, err
	}
	l.noteFallback("has_transaction", accountID, txType, err)

	entries, err := l.store.ScanTransactions(ctx, accountID, txType, 1)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// RecentTransactions returns up to limit entries, newest first. On fallback the bounded
// scan is sorted in memory.
func (l *Ledger) RecentTransactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > l.scanLimit {
		limit = l.scanLimit
	}
	entries, err := l.store.ListTransactions(ctx, accountID, limit)
	if err == nil {
		return entries, nil
	}
	if !l.shouldFallback(ctx, err) {
		return nil, err
	}
	l.noteFallback("recent_transactions", accountID, "", err)

	entries, err = l.store.ScanTransactions(ctx, accountID, "", l.scanLimit)
	if err != nil {
		return nil, err
	}
	SortNewestFirst(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// shouldFallback limits the scan to transient failures of the indexed tier while the
// caller is still waiting. Anything else is a real error and is returned as is.
func (l *Ledger) shouldFallback(ctx context.Context, err error) bool {
	return ctx.Err() == nil && IsTransient(err)
}

func (l *Ledger) noteFallback(op, accountID string, txType models.TransactionType, err error) {
	metrics.LedgerFallbackReads.WithLabelValues(op).Inc()
	l.logger.Warn("indexed ledger read failed, using bounded scan",
		zap.String("op", op),
		zap.String("account_id", accountID),
		zap.String("type", string(txType)),
		zap.Int("scan_limit", l.scanLimit),
		zap.Error(err),
	)
}

func sumAmounts(entries []models.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

func pickLatest(entries []models.Transaction) *models.Transaction {
	var latest *models.Transaction
	for i := range entries {
		e := &entries[i]
		if e.Timestamp.IsZero() {
			continue
		}
		if latest == nil || newer(e, latest) {
			latest = e
		}
	}
	if latest == nil {
		return nil
	}
	out := *latest
	return &out
}
