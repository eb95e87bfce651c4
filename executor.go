package moltpay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TransferLeg identifies one transfer of an on-chain settlement
type TransferLeg string

const (
	LegMerchant    TransferLeg = "merchant"
	LegTreasuryFee TransferLeg = "treasury_fee"
)

// TransferRequest asks the execution collaborator to move funds
type TransferRequest struct {
	// IdempotencyKey is unique per intent and leg; collaborators must refuse
	// a second submission carrying the same key
	IdempotencyKey string
	Leg            TransferLeg
	Amount         Amount
	Currency       string
	From           string
	To             string
	Network        string
}

// TransferResult carries the identifiers of a confirmed transfer
type TransferResult struct {
	ConfirmationID        string
	NetworkConfirmationID string
}

// Transferer submits a single transfer and waits for confirmation
type Transferer interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// LegResult records a confirmed leg
type LegResult struct {
	Leg            TransferLeg
	Amount         Amount
	To             string
	ConfirmationID string
}

// Protocol payload constants
const (
	ProtocolName          = "AP2"
	ProtocolVersion       = "1.0"
	StatusPendingApproval = "PENDING_AUTHORIZATION"
)

// ProtocolTransaction is a single transfer inside a ProtocolPayload
type ProtocolTransaction struct {
	Amount   Amount `json:"amount"`
	Currency string `json:"currency"`
	To       string `json:"to"`
	From     string `json:"from"`
	Network  string `json:"network"`
}

// ProtocolPayload is the structured settlement request for an intent
type ProtocolPayload struct {
	Protocol       string              `json:"protocol"`
	Version        string              `json:"version"`
	PaymentID      string              `json:"payment_id"`
	Transaction    ProtocolTransaction `json:"transaction"`
	FeeTransaction ProtocolTransaction `json:"fee_transaction"`
	Status         string              `json:"status"`
}

// SettlementConfig names the payer and the chain settlements run on
type SettlementConfig struct {
	PayerAddress string
	Currency     string
	Network      string
}

// DefaultSettlementConfig returns USDC on Polygon with no payer configured
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{Currency: "USDC", Network: "polygon"}
}

// ExecutorConfig wires the executor's collaborators
type ExecutorConfig struct {
	Settlement      SettlementConfig
	TreasuryAddress string
	Transferer      Transferer
	Bridge          BrowserBridge
	Ledger          Ledger
	Logger          *zap.Logger
	OnEvent         EventHandler
}

// Executor settles approved intents and records their receipts. Each intent
// id is submitted to a collaborator at most once
type Executor struct {
	settlement SettlementConfig
	treasury   string
	transferer Transferer
	bridge     BrowserBridge
	ledger     Ledger
	logger     *zap.SugaredLogger
	onEvent    EventHandler
	now        func() time.Time
	spend      *SpendTracker

	flights   singleflight.Group
	attempted sync.Map
}

// NewExecutor creates an executor. A nil ledger means a new MemoryLedger
func NewExecutor(config ExecutorConfig) *Executor {
	def := DefaultSettlementConfig()
	if config.Settlement.Currency == "" {
		config.Settlement.Currency = def.Currency
	}
	if config.Settlement.Network == "" {
		config.Settlement.Network = def.Network
	}
	if config.TreasuryAddress == "" {
		config.TreasuryAddress = DefaultTreasuryAddress
	}
	if config.Ledger == nil {
		config.Ledger = NewMemoryLedger()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Executor{
		settlement: config.Settlement,
		treasury:   config.TreasuryAddress,
		transferer: config.Transferer,
		bridge:     config.Bridge,
		ledger:     config.Ledger,
		logger:     config.Logger.Sugar(),
		onEvent:    config.OnEvent,
		now:        time.Now,
		spend:      NewSpendTracker(),
	}
}

// Ledger returns the ledger receipts are written to
func (e *Executor) Ledger() Ledger { return e.ledger }

// Spend returns the totals of receipts this executor recorded
func (e *Executor) Spend() *SpendTracker { return e.spend }

// CanSettle reports whether a collaborator for kind is configured, and for
// on-chain kinds a valid payer address to send from
func (e *Executor) CanSettle(kind SourceKind) error {
	if kind.OnChain() {
		if e.transferer == nil {
			return ErrNoTransferer
		}
		if err := ValidateAddress(e.settlement.PayerAddress); err != nil {
			return fmt.Errorf("%w: %v", ErrNoPayer, err)
		}
		return nil
	}
	if e.bridge == nil {
		return ErrNoBridge
	}
	return nil
}

// Structure builds the protocol payload for an intent. It has no side effects
func (e *Executor) Structure(intent PaymentIntent, quote FeeQuote) ProtocolPayload {
	to := intent.Payee().Address()
	if to == "" {
		to = intent.Payee().MerchantName()
	}
	return ProtocolPayload{
		Protocol:  ProtocolName,
		Version:   ProtocolVersion,
		PaymentID: intent.ID(),
		Transaction: ProtocolTransaction{
			Amount:   quote.BaseAmount,
			Currency: e.settlement.Currency,
			To:       to,
			From:     e.settlement.PayerAddress,
			Network:  e.settlement.Network,
		},
		FeeTransaction: ProtocolTransaction{
			Amount:   quote.FeeAmount,
			Currency: e.settlement.Currency,
			To:       e.treasury,
			From:     e.settlement.PayerAddress,
			Network:  e.settlement.Network,
		},
		Status: StatusPendingApproval,
	}
}

// Execute settles an approved intent and returns its receipt. If a receipt for
// the intent already exists it is returned without a new submission. The
// error is non-nil only when the ledger cannot be read or written
func (e *Executor) Execute(ctx context.Context, intent PaymentIntent, quote FeeQuote) (PaymentReceipt, error) {
	v, err, _ := e.flights.Do(intent.ID(), func() (interface{}, error) {
		return e.execute(ctx, intent, quote)
	})
	if err != nil {
		if r, ok := v.(PaymentReceipt); ok {
			return r, err
		}
		return PaymentReceipt{}, err
	}
	return v.(PaymentReceipt), nil
}

func (e *Executor) execute(ctx context.Context, intent PaymentIntent, quote FeeQuote) (PaymentReceipt, error) {
	id := intent.ID()

	stored, err := e.ledger.Get(ctx, id)
	if err == nil {
		e.logger.Infow("settlement_replayed", "payment_id", id)
		e.onEvent.emit(intentEvent(PaymentEventReplayed, intent, quote))
		return stored, nil
	}
	if !errors.Is(err, ErrReceiptNotFound) {
		return PaymentReceipt{}, fmt.Errorf("read ledger: %w", err)
	}

	if _, loaded := e.attempted.LoadOrStore(id, struct{}{}); loaded {
		// A previous attempt reached a collaborator but its receipt was not
		// recorded. Resubmitting could pay twice
		return PaymentReceipt{}, fmt.Errorf("%w: %s", ErrDuplicateSubmission, id)
	}

	if err := e.precheck(intent, quote); err != nil {
		e.logger.Warnw("settlement_precheck_failed", "payment_id", id, "error", err)
		return e.record(ctx, e.receipt(intent, quote, PaymentStatus{
			Error: &ErrorStatus{ErrorMessage: err.Error()},
		}, nil))
	}

	attempt := intentEvent(PaymentEventSettlementAttempt, intent, quote)
	attempt.Detail = string(intent.SourceKind())
	e.onEvent.emit(attempt)

	var receipt PaymentReceipt
	if intent.SourceKind().OnChain() {
		receipt = e.settleOnChain(ctx, intent, quote)
	} else {
		receipt = e.settleBridged(ctx, intent, quote)
	}

	evt := intentEvent(PaymentEventSettled, intent, quote)
	switch receipt.Status.Kind() {
	case StatusSuccess:
		evt.Detail = receipt.Status.Success.MerchantConfirmationID
		e.logger.Infow("settlement_succeeded", "payment_id", id, "confirmation_id", evt.Detail)
	default:
		evt.Type = PaymentEventSettlementFailed
		evt.Detail = receipt.Status.Failure.FailureMessage
		e.logger.Errorw("settlement_failed", "payment_id", id, "reason", evt.Detail)
	}
	e.onEvent.emit(evt)

	return e.record(ctx, receipt)
}

func (e *Executor) precheck(intent PaymentIntent, quote FeeQuote) error {
	if !quote.BaseAmount.Equal(intent.Amount()) {
		return fmt.Errorf("%w: fee quote base %s does not match intent amount %s",
			ErrExecution, quote.BaseAmount, intent.Amount())
	}
	return e.CanSettle(intent.SourceKind())
}

func (e *Executor) settleOnChain(ctx context.Context, intent PaymentIntent, quote FeeQuote) PaymentReceipt {
	payload := e.Structure(intent, quote)
	id := intent.ID()
	details := map[string]string{
		"network":  payload.Transaction.Network,
		"currency": payload.Transaction.Currency,
		"payer":    payload.Transaction.From,
		"payee":    payload.Transaction.To,
		"treasury": payload.FeeTransaction.To,
	}

	merchant := TransferRequest{
		IdempotencyKey: id + ":merchant",
		Leg:            LegMerchant,
		Amount:         payload.Transaction.Amount,
		Currency:       payload.Transaction.Currency,
		From:           payload.Transaction.From,
		To:             payload.Transaction.To,
		Network:        payload.Transaction.Network,
	}
	merchantRes, err := e.transferer.SubmitTransfer(ctx, merchant)
	if err == nil && merchantRes.ConfirmationID == "" {
		err = fmt.Errorf("%w: no confirmation id returned", ErrExecution)
	}
	if err != nil {
		legErr := legError(id, merchant, err)
		return e.receipt(intent, quote, PaymentStatus{
			Failure: &FailureStatus{FailureMessage: legErr.Error()},
		}, details)
	}
	details["merchant_confirmation_id"] = merchantRes.ConfirmationID

	completed := LegResult{
		Leg:            LegMerchant,
		Amount:         merchant.Amount,
		To:             merchant.To,
		ConfirmationID: merchantRes.ConfirmationID,
	}

	var feeID string
	if quote.FeeAmount.IsPositive() {
		fee := TransferRequest{
			IdempotencyKey: id + ":fee",
			Leg:            LegTreasuryFee,
			Amount:         payload.FeeTransaction.Amount,
			Currency:       payload.FeeTransaction.Currency,
			From:           payload.FeeTransaction.From,
			To:             payload.FeeTransaction.To,
			Network:        payload.FeeTransaction.Network,
		}
		feeRes, err := e.transferer.SubmitTransfer(ctx, fee)
		if err == nil && feeRes.ConfirmationID == "" {
			err = fmt.Errorf("%w: no confirmation id returned", ErrExecution)
		}
		if err != nil {
			partial := &PartialSettlementError{
				PaymentID: id,
				Completed: []LegResult{completed},
				Failed:    legError(id, fee, err),
			}
			e.logger.Errorw("settlement_partial",
				"payment_id", id,
				"merchant_confirmation_id", merchantRes.ConfirmationID,
				"error", err,
			)
			return e.receipt(intent, quote, PaymentStatus{
				Failure: &FailureStatus{FailureMessage: partial.Error()},
			}, details)
		}
		feeID = feeRes.ConfirmationID
		details["fee_confirmation_id"] = feeID
	}

	return e.receipt(intent, quote, PaymentStatus{
		Success: &SuccessStatus{
			MerchantConfirmationID: merchantRes.ConfirmationID,
			PSPConfirmationID:      feeID,
			NetworkConfirmationID:  merchantRes.NetworkConfirmationID,
		},
	}, details)
}

func (e *Executor) settleBridged(ctx context.Context, intent PaymentIntent, quote FeeQuote) PaymentReceipt {
	plan := BuildBridgePlan(intent, quote, e.treasury, e.settlement.Network, e.settlement.Currency)
	details := map[string]string{
		"network":  e.settlement.Network,
		"currency": e.settlement.Currency,
		"merchant": plan.Merchant,
		"bridge":   "bitrefill",
		"treasury": e.treasury,
	}
	if e.settlement.PayerAddress != "" {
		details["payer"] = e.settlement.PayerAddress
	}

	res, err := e.bridge.RunPlan(ctx, plan)
	if err == nil && res.GiftCode == "" {
		err = errors.New("no gift code retrieved")
	}
	if err != nil {
		return e.receipt(intent, quote, PaymentStatus{
			Failure: &FailureStatus{FailureMessage: fmt.Sprintf("%v: %s: %v", ErrBridge, plan.Merchant, err)},
		}, details)
	}

	details["gift_code"] = res.GiftCode
	merchantID := res.OrderID
	if merchantID == "" {
		merchantID = res.GiftCode
	}
	return e.receipt(intent, quote, PaymentStatus{
		Success: &SuccessStatus{
			MerchantConfirmationID: merchantID,
			PSPConfirmationID:      res.FeeTxID,
			NetworkConfirmationID:  res.MerchantTxID,
		},
	}, details)
}

func (e *Executor) receipt(intent PaymentIntent, quote FeeQuote, status PaymentStatus, details map[string]string) PaymentReceipt {
	return PaymentReceipt{
		PaymentID:            intent.ID(),
		Timestamp:            e.now().UTC(),
		SourceKind:           intent.SourceKind(),
		Amount:               quote,
		Status:               status,
		PaymentMethodDetails: details,
	}
}

// record writes the receipt once. When another writer won, the stored
// receipt is returned instead
func (e *Executor) record(ctx context.Context, receipt PaymentReceipt) (PaymentReceipt, error) {
	err := e.ledger.Put(ctx, receipt)
	if err == nil {
		e.spend.Record(receipt)
		return receipt, nil
	}
	if errors.Is(err, ErrReceiptExists) {
		stored, gerr := e.ledger.Get(ctx, receipt.PaymentID)
		if gerr != nil {
			return receipt, fmt.Errorf("read ledger: %w", gerr)
		}
		return stored, nil
	}
	e.logger.Errorw("ledger_write_failed", "payment_id", receipt.PaymentID, "error", err)
	return receipt, fmt.Errorf("write ledger: %w", err)
}

func legError(id string, req TransferRequest, err error) *SettlementError {
	if !errors.Is(err, ErrExecution) {
		err = fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return &SettlementError{
		Leg:       req.Leg,
		PaymentID: id,
		Amount:    req.Amount.String(),
		To:        req.To,
		Network:   req.Network,
		Wrapped:   err,
	}
}
