package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	moltpay "github.com/molt-pay/molt-pay-go"
)

// DefaultRedisPrefix namespaces ledger keys
const DefaultRedisPrefix = "moltpay"

// RedisOptions configures a Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisClient creates a client for opts. An empty address selects
// 127.0.0.1:6379
func NewRedisClient(opts RedisOptions) *redis.Client {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// RedisLedger is a Ledger shared by every process using the same Redis
// Receipts are stored with SETNX so the first writer wins; a sorted set
// indexes them by timestamp for List
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger creates a ledger over client. An empty prefix selects
// DefaultRedisPrefix
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) receiptKey(paymentID string) string {
	return fmt.Sprintf("%s:receipt:%s", l.prefix, paymentID)
}

func (l *RedisLedger) indexKey() string {
	return l.prefix + ":receipts"
}

func (l *RedisLedger) Put(ctx context.Context, receipt moltpay.PaymentReceipt) error {
	if err := moltpay.ValidateReceipt(receipt); err != nil {
		return err
	}

	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	ok, err := l.client.SetNX(ctx, l.receiptKey(receipt.PaymentID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("store receipt: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", moltpay.ErrReceiptExists, receipt.PaymentID)
	}

	err = l.client.ZAdd(ctx, l.indexKey(), redis.Z{
		Score:  float64(receipt.Timestamp.UnixMilli()),
		Member: receipt.PaymentID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index receipt: %w", err)
	}
	return nil
}

func (l *RedisLedger) Get(ctx context.Context, paymentID string) (moltpay.PaymentReceipt, error) {
	val, err := l.client.Get(ctx, l.receiptKey(paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return moltpay.PaymentReceipt{}, fmt.Errorf("%w: %s", moltpay.ErrReceiptNotFound, paymentID)
	}
	if err != nil {
		return moltpay.PaymentReceipt{}, fmt.Errorf("read receipt: %w", err)
	}
	return decodeReceipt(val)
}

func (l *RedisLedger) List(ctx context.Context, limit int) ([]moltpay.PaymentReceipt, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := l.client.ZRevRange(ctx, l.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	if len(ids) == 0 {
		return []moltpay.PaymentReceipt{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.receiptKey(id)
	}
	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read receipts: %w", err)
	}

	out := make([]moltpay.PaymentReceipt, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		receipt, err := decodeReceipt(s)
		if err != nil {
			return nil, err
		}
		out = append(out, receipt)
	}
	return out, nil
}
