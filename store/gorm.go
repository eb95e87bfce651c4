package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	moltpay "github.com/molt-pay/molt-pay-go"
)

// ReceiptRecord is the table row for one receipt. Payload holds the full
// receipt; the other columns exist for indexing and reporting
type ReceiptRecord struct {
	ID             uint           `gorm:"primarykey"`
	PaymentID      string         `gorm:"size:128;not null;uniqueIndex"`
	SourceKind     string         `gorm:"size:32;index"`
	Status         string         `gorm:"size:16;index"`
	BaseAmount     moltpay.Amount `gorm:"type:decimal(20,2)"`
	FeeAmount      moltpay.Amount `gorm:"type:decimal(20,2)"`
	TotalDeduction moltpay.Amount `gorm:"type:decimal(20,2)"`
	Currency       string         `gorm:"size:16"`
	Payload        string         `gorm:"type:text;not null"`
	RecordedAt     time.Time      `gorm:"index"`
	CreatedAt      time.Time
}

func (ReceiptRecord) TableName() string {
	return "moltpay_receipts"
}

// PoolConfig is the connection pool configuration
type PoolConfig struct {
	MaxOpenConns           int
	MaxIdleConns           int
	ConnMaxLifetimeSeconds int
	ConnMaxIdleTimeSeconds int
}

// OpenDB opens a database with the named driver: sqlite (default) or postgres
func OpenDB(driver, dsn string, pool PoolConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	applyPool(sqlDB, pool)
	return db, nil
}

func applyPool(sqlDB *sql.DB, pool PoolConfig) {
	if sqlDB == nil {
		return
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.ConnMaxLifetimeSeconds) * time.Second)
	}
	if pool.ConnMaxIdleTimeSeconds > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(pool.ConnMaxIdleTimeSeconds) * time.Second)
	}
}

// GormLedger is a Ledger backed by a SQL database. The unique index on
// payment_id makes Put write-once across processes sharing the database
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger migrates the receipt table and returns a ledger over db
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&ReceiptRecord{}); err != nil {
		return nil, fmt.Errorf("migrate receipts: %w", err)
	}
	return &GormLedger{db: db}, nil
}

func (l *GormLedger) Put(ctx context.Context, receipt moltpay.PaymentReceipt) error {
	if err := moltpay.ValidateReceipt(receipt); err != nil {
		return err
	}

	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	record := ReceiptRecord{
		PaymentID:      receipt.PaymentID,
		SourceKind:     string(receipt.SourceKind),
		Status:         string(receipt.Status.Kind()),
		BaseAmount:     receipt.Amount.BaseAmount,
		FeeAmount:      receipt.Amount.FeeAmount,
		TotalDeduction: receipt.Amount.TotalDeduction,
		Currency:       receipt.Amount.Currency,
		Payload:        string(payload),
		RecordedAt:     receipt.Timestamp,
	}

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "payment_id"}}, DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return fmt.Errorf("insert receipt: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", moltpay.ErrReceiptExists, receipt.PaymentID)
	}
	return nil
}

func (l *GormLedger) Get(ctx context.Context, paymentID string) (moltpay.PaymentReceipt, error) {
	var record ReceiptRecord
	err := l.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return moltpay.PaymentReceipt{}, fmt.Errorf("%w: %s", moltpay.ErrReceiptNotFound, paymentID)
	}
	if err != nil {
		return moltpay.PaymentReceipt{}, fmt.Errorf("query receipt: %w", err)
	}
	return decodeReceipt(record.Payload)
}

func (l *GormLedger) List(ctx context.Context, limit int) ([]moltpay.PaymentReceipt, error) {
	query := l.db.WithContext(ctx).Order("recorded_at DESC").Order("payment_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []ReceiptRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}

	out := make([]moltpay.PaymentReceipt, 0, len(records))
	for _, record := range records {
		receipt, err := decodeReceipt(record.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, receipt)
	}
	return out, nil
}

// CountByStatus returns the number of receipts per status kind
func (l *GormLedger) CountByStatus(ctx context.Context) (map[moltpay.StatusKind]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := l.db.WithContext(ctx).Model(&ReceiptRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count receipts: %w", err)
	}

	out := make(map[moltpay.StatusKind]int64, len(rows))
	for _, row := range rows {
		out[moltpay.StatusKind(row.Status)] = row.Count
	}
	return out, nil
}

func decodeReceipt(payload string) (moltpay.PaymentReceipt, error) {
	var receipt moltpay.PaymentReceipt
	if err := json.Unmarshal([]byte(payload), &receipt); err != nil {
		return moltpay.PaymentReceipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return receipt, nil
}
