package moltpay

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// protocolCeiling is the per-transaction limit. Configuration may lower the
// effective limit but never raise it
const protocolCeiling = "50.00"

// ProtocolCeiling returns the fixed per-transaction limit
func ProtocolCeiling() Amount { return MustAmount(protocolCeiling) }

const (
	// DefaultFeeRate is the protocol fee charged on top of the base amount
	DefaultFeeRate = "0.01"

	// DefaultTreasuryAddress receives the protocol fee leg
	DefaultTreasuryAddress = "0xE297B2f3e3AeAc7Fca5Fb4b3125873454fE58014"
)

// PolicyConfig configures the limit and fee policy
type PolicyConfig struct {
	MaxTransactionLimit Amount
	FeeRate             decimal.Decimal
	TreasuryAddress     string
	Currency            string
}

// DefaultPolicyConfig returns the reference policy: a 50.00 ceiling and a 1%
// additive fee paid to the protocol treasury
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxTransactionLimit: ProtocolCeiling(),
		FeeRate:             decimal.RequireFromString(DefaultFeeRate),
		TreasuryAddress:     DefaultTreasuryAddress,
		Currency:            "USDC",
	}
}

// Policy enforces the transaction limit and computes fees. It holds no
// mutable state and is safe for concurrent use
type Policy struct {
	limit    Amount
	feeRate  decimal.Decimal
	treasury string
	currency string
}

// NewPolicy validates config and returns a policy
func NewPolicy(config PolicyConfig) (*Policy, error) {
	if !config.MaxTransactionLimit.IsPositive() {
		return nil, fmt.Errorf("%w: max transaction limit must be positive", ErrInvalidPolicy)
	}
	if ceiling := ProtocolCeiling(); config.MaxTransactionLimit.GreaterThan(ceiling) {
		return nil, fmt.Errorf("%w: max transaction limit %s exceeds protocol ceiling %s",
			ErrInvalidPolicy, config.MaxTransactionLimit, ceiling)
	}
	if config.FeeRate.IsNegative() || config.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: fee rate %s must be in [0, 1)", ErrInvalidPolicy, config.FeeRate)
	}
	if err := ValidateAddress(config.TreasuryAddress); err != nil {
		return nil, fmt.Errorf("%w: treasury address %v", ErrInvalidPolicy, err)
	}
	if config.Currency == "" {
		config.Currency = "USDC"
	}

	return &Policy{
		limit:    config.MaxTransactionLimit,
		feeRate:  config.FeeRate,
		treasury: config.TreasuryAddress,
		currency: config.Currency,
	}, nil
}

// Limit returns the effective per-transaction limit
func (p *Policy) Limit() Amount { return p.limit }

// FeeRate returns the fee rate
func (p *Policy) FeeRate() decimal.Decimal { return p.feeRate }

// TreasuryAddress returns the destination of the fee leg
func (p *Policy) TreasuryAddress() string { return p.treasury }

// EvaluateOption modifies a single evaluation
type EvaluateOption func(*evaluateOptions)

type evaluateOptions struct {
	limitOverride *Amount
}

// WithLimitOverride asks for a different limit on this call. The limit is a
// protocol invariant, so an evaluation carrying an override always fails
// with ErrLimitOverride
func WithLimitOverride(limit Amount) EvaluateOption {
	return func(o *evaluateOptions) {
		o.limitOverride = &limit
	}
}

// Evaluate checks the intent against the limit and returns its fee quote
// The result depends only on the intent amount and the policy
func (p *Policy) Evaluate(intent PaymentIntent, opts ...EvaluateOption) (FeeQuote, error) {
	var o evaluateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.limitOverride != nil {
		return FeeQuote{}, fmt.Errorf("%w: requested %s, protocol limit is %s",
			ErrLimitOverride, *o.limitOverride, p.limit)
	}

	amount := intent.Amount()
	if amount.GreaterThan(p.limit) {
		return FeeQuote{}, fmt.Errorf("%w: %s %s exceeds limit of %s",
			ErrLimitExceeded, amount, p.currency, p.limit)
	}

	return p.Quote(amount), nil
}

// Quote computes the fee for amount without checking the limit
func (p *Policy) Quote(amount Amount) FeeQuote {
	fee := NewAmount(amount.Decimal.Mul(p.feeRate)).RoundUnit()
	return FeeQuote{
		BaseAmount:     amount,
		FeeAmount:      fee,
		TotalDeduction: amount.Add(fee),
		Currency:       p.currency,
	}
}
