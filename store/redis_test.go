package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	moltpay "github.com/molt-pay/molt-pay-go"
)

// newTestRedisLedger connects to MOLTPAY_TEST_REDIS_ADDR under a unique
// prefix, skipping the test when no server is configured
func newTestRedisLedger(t *testing.T) *RedisLedger {
	t.Helper()
	addr := os.Getenv("MOLTPAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MOLTPAY_TEST_REDIS_ADDR not set")
	}

	client := NewRedisClient(RedisOptions{Addr: addr})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := fmt.Sprintf("moltpay-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return NewRedisLedger(client, prefix)
}

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("PutGetAndWriteOnce", func(t *testing.T) {
		ledger := newTestRedisLedger(t)
		require.NoError(t, ledger.Put(ctx, testReceipt("pay-1", base)))

		err := ledger.Put(ctx, testReceipt("pay-1", base))
		assert.ErrorIs(t, err, moltpay.ErrReceiptExists)

		out, err := ledger.Get(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, "0xmerchant-pay-1", out.Status.Success.MerchantConfirmationID)
	})

	t.Run("NotFound", func(t *testing.T) {
		ledger := newTestRedisLedger(t)
		_, err := ledger.Get(ctx, "missing")
		assert.ErrorIs(t, err, moltpay.ErrReceiptNotFound)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		ledger := newTestRedisLedger(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, ledger.Put(ctx, testReceipt(fmt.Sprintf("pay-%d", i), base.Add(time.Duration(i)*time.Minute))))
		}
		out, err := ledger.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "pay-2", out[0].PaymentID)
		assert.Equal(t, "pay-1", out[1].PaymentID)
	})
}

func TestNewRedisLedgerPrefix(t *testing.T) {
	l := NewRedisLedger(nil, " ")
	assert.Equal(t, "moltpay:receipt:abc", l.receiptKey("abc"))
	assert.Equal(t, "moltpay:receipts", l.indexKey())
}
