package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	moltpay "github.com/molt-pay/molt-pay-go"
)

var dbSeq atomic.Int64

func newTestGormLedger(t *testing.T) *GormLedger {
	t.Helper()
	dsn := fmt.Sprintf("file:moltpay_ledger_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := OpenDB("sqlite", dsn, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	ledger, err := NewGormLedger(db)
	require.NoError(t, err)
	return ledger
}

func testReceipt(id string, at time.Time) moltpay.PaymentReceipt {
	return moltpay.PaymentReceipt{
		PaymentID:  id,
		Timestamp:  at.UTC(),
		SourceKind: moltpay.SourceDirectRequest,
		Amount: moltpay.FeeQuote{
			BaseAmount:     moltpay.MustAmount("45.00"),
			FeeAmount:      moltpay.MustAmount("0.45"),
			TotalDeduction: moltpay.MustAmount("45.45"),
			Currency:       "USDC",
		},
		Status: moltpay.PaymentStatus{Success: &moltpay.SuccessStatus{
			MerchantConfirmationID: "0xmerchant-" + id,
			PSPConfirmationID:      "0xfee-" + id,
			NetworkConfirmationID:  "4242",
		}},
		PaymentMethodDetails: map[string]string{"network": "polygon"},
	}
}

func TestGormLedger(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("PutThenGet", func(t *testing.T) {
		ledger := newTestGormLedger(t)
		in := testReceipt("pay-1", base)
		require.NoError(t, ledger.Put(ctx, in))

		out, err := ledger.Get(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, in.PaymentID, out.PaymentID)
		assert.True(t, in.Timestamp.Equal(out.Timestamp))
		assert.True(t, in.Amount.TotalDeduction.Equal(out.Amount.TotalDeduction))
		assert.Equal(t, in.Status.Success, out.Status.Success)
		assert.Equal(t, "polygon", out.PaymentMethodDetails["network"])
	})

	t.Run("WriteOnce", func(t *testing.T) {
		ledger := newTestGormLedger(t)
		require.NoError(t, ledger.Put(ctx, testReceipt("pay-1", base)))

		second := testReceipt("pay-1", base.Add(time.Minute))
		second.Status = moltpay.PaymentStatus{Failure: &moltpay.FailureStatus{FailureMessage: "late"}}
		err := ledger.Put(ctx, second)
		assert.ErrorIs(t, err, moltpay.ErrReceiptExists)

		out, err := ledger.Get(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, moltpay.StatusSuccess, out.Status.Kind())
	})

	t.Run("ConcurrentPutsHaveOneWinner", func(t *testing.T) {
		ledger := newTestGormLedger(t)

		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ledger.Put(ctx, testReceipt("race", base)) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("NotFound", func(t *testing.T) {
		ledger := newTestGormLedger(t)
		_, err := ledger.Get(ctx, "missing")
		assert.ErrorIs(t, err, moltpay.ErrReceiptNotFound)
	})

	t.Run("RejectsInvalidReceipt", func(t *testing.T) {
		ledger := newTestGormLedger(t)
		r := testReceipt("bad", base)
		r.Status.Error = &moltpay.ErrorStatus{ErrorMessage: "both set"}
		assert.ErrorIs(t, ledger.Put(ctx, r), moltpay.ErrInvalidReceipt)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		ledger := newTestGormLedger(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, ledger.Put(ctx, testReceipt(fmt.Sprintf("pay-%d", i), base.Add(time.Duration(i)*time.Minute))))
		}

		all, err := ledger.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "pay-2", all[0].PaymentID)
		assert.Equal(t, "pay-0", all[2].PaymentID)

		limited, err := ledger.List(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("CountByStatus", func(t *testing.T) {
		ledger := newTestGormLedger(t)
		require.NoError(t, ledger.Put(ctx, testReceipt("ok", base)))
		failed := testReceipt("failed", base)
		failed.Status = moltpay.PaymentStatus{Failure: &moltpay.FailureStatus{FailureMessage: "reverted"}}
		require.NoError(t, ledger.Put(ctx, failed))

		counts, err := ledger.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[moltpay.StatusSuccess])
		assert.Equal(t, int64(1), counts[moltpay.StatusFailure])
	})
}

func TestOpenDB(t *testing.T) {
	t.Run("UnsupportedDriver", func(t *testing.T) {
		_, err := OpenDB("oracle", "", PoolConfig{})
		assert.Error(t, err)
	})
}
