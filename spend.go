package moltpay

import (
	"sync"
	"time"
)

// SpendTracker keeps running totals of settled payments. It is informational
// only; the per-transaction ceiling is enforced by Policy
type SpendTracker struct {
	mu      sync.RWMutex
	records []spendRecord
	total   Amount
	fees    Amount
	count   int
	now     func() time.Time
}

type spendRecord struct {
	timestamp time.Time
	quote     FeeQuote
	kind      SourceKind
}

// NewSpendTracker creates an empty tracker
func NewSpendTracker() *SpendTracker {
	return &SpendTracker{
		records: make([]spendRecord, 0),
		now:     time.Now,
	}
}

// Record adds a receipt to the totals. Only Success receipts count
func (t *SpendTracker) Record(receipt PaymentReceipt) {
	if receipt.Status.Kind() != StatusSuccess {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.records = append(t.records, spendRecord{
		timestamp: now,
		quote:     receipt.Amount,
		kind:      receipt.SourceKind,
	})
	t.total = t.total.Add(receipt.Amount.BaseAmount)
	t.fees = t.fees.Add(receipt.Amount.FeeAmount)
	t.count++

	// Keep the last 24 hours of records for windowed metrics
	cutoff := now.Add(-24 * time.Hour)
	for i, r := range t.records {
		if r.timestamp.After(cutoff) {
			t.records = t.records[i:]
			break
		}
	}
}

// Metrics returns the current totals
func (t *SpendTracker) Metrics() SpendMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := SpendMetrics{
		TotalSettled: t.total,
		TotalFees:    t.fees,
		PaymentCount: t.count,
		BySource:     make(map[SourceKind]int),
	}
	hourAgo := t.now().Add(-time.Hour)
	for _, r := range t.records {
		if r.timestamp.After(hourAgo) {
			m.HourlySettled = m.HourlySettled.Add(r.quote.TotalDeduction)
			m.HourlyCount++
		}
		m.BySource[r.kind]++
	}
	return m
}

// SpendMetrics contains settlement totals. HourlySettled includes fees;
// BySource counts the last 24 hours
type SpendMetrics struct {
	TotalSettled  Amount
	TotalFees     Amount
	PaymentCount  int
	HourlySettled Amount
	HourlyCount   int
	BySource      map[SourceKind]int
}
