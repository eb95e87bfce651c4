package moltpay

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Ledger records the terminal receipt of each intent. Put is write-once per
// payment id: a second Put for the same id fails with ErrReceiptExists and
// leaves the stored receipt untouched
type Ledger interface {
	Put(ctx context.Context, receipt PaymentReceipt) error
	Get(ctx context.Context, paymentID string) (PaymentReceipt, error)
}

// ReceiptLister is implemented by ledgers that can enumerate receipts,
// newest first
type ReceiptLister interface {
	List(ctx context.Context, limit int) ([]PaymentReceipt, error)
}

// ValidateReceipt checks the structural invariants every ledger enforces
func ValidateReceipt(r PaymentReceipt) error {
	if r.PaymentID == "" {
		return fmt.Errorf("%w: missing payment id", ErrInvalidReceipt)
	}
	switch r.Status.Kind() {
	case StatusInvalid:
		return fmt.Errorf("%w: status must hold exactly one of success, error, failure", ErrInvalidReceipt)
	case StatusSuccess:
		if r.Status.Success.MerchantConfirmationID == "" {
			return fmt.Errorf("%w: success requires a merchant confirmation id", ErrInvalidReceipt)
		}
	}
	return nil
}

// MemoryLedger is a process-local Ledger. Receipts do not survive restart
type MemoryLedger struct {
	mu       sync.RWMutex
	receipts map[string]PaymentReceipt
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{receipts: make(map[string]PaymentReceipt)}
}

func (l *MemoryLedger) Put(_ context.Context, receipt PaymentReceipt) error {
	if err := ValidateReceipt(receipt); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.receipts[receipt.PaymentID]; ok {
		return fmt.Errorf("%w: %s", ErrReceiptExists, receipt.PaymentID)
	}
	l.receipts[receipt.PaymentID] = cloneReceipt(receipt)
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, paymentID string) (PaymentReceipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.receipts[paymentID]
	if !ok {
		return PaymentReceipt{}, fmt.Errorf("%w: %s", ErrReceiptNotFound, paymentID)
	}
	return cloneReceipt(r), nil
}

func (l *MemoryLedger) List(_ context.Context, limit int) ([]PaymentReceipt, error) {
	l.mu.RLock()
	out := make([]PaymentReceipt, 0, len(l.receipts))
	for _, r := range l.receipts {
		out = append(out, cloneReceipt(r))
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].PaymentID < out[j].PaymentID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored receipts
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.receipts)
}

// cloneReceipt copies the pointer and map fields so stored receipts cannot be
// mutated through a returned value
func cloneReceipt(r PaymentReceipt) PaymentReceipt {
	out := r
	if r.Status.Success != nil {
		s := *r.Status.Success
		out.Status.Success = &s
	}
	if r.Status.Error != nil {
		e := *r.Status.Error
		out.Status.Error = &e
	}
	if r.Status.Failure != nil {
		f := *r.Status.Failure
		out.Status.Failure = &f
	}
	if r.PaymentMethodDetails != nil {
		out.PaymentMethodDetails = make(map[string]string, len(r.PaymentMethodDetails))
		for k, v := range r.PaymentMethodDetails {
			out.PaymentMethodDetails[k] = v
		}
	}
	return out
}
