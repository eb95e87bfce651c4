package moltpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ResponseStatus discriminates the outcome of SubmitPayment
type ResponseStatus string

const (
	ResponseReceipt               ResponseStatus = "receipt"
	ResponseValidationFailed      ResponseStatus = "validation_failed"
	ResponseLimitExceeded         ResponseStatus = "limit_exceeded"
	ResponseAuthorizationDenied   ResponseStatus = "authorization_denied"
	ResponseAuthorizationTimedOut ResponseStatus = "authorization_timed_out"
)

// Rejection explains why an intent ended without a receipt
type Rejection struct {
	PaymentID string    `json:"payment_id,omitempty"`
	Reason    string    `json:"reason"`
	Field     string    `json:"field,omitempty"`
	Quote     *FeeQuote `json:"quote,omitempty"`
}

// Response is the host-facing result of SubmitPayment. Exactly one of
// Receipt and Rejection is set
type Response struct {
	Status    ResponseStatus
	Receipt   *PaymentReceipt
	Rejection *Rejection
}

// MarshalJSON renders {"status": ..., "details": ...}
func (r Response) MarshalJSON() ([]byte, error) {
	var details interface{}
	if r.Receipt != nil {
		details = r.Receipt
	} else {
		details = r.Rejection
	}
	return json.Marshal(struct {
		Status  ResponseStatus `json:"status"`
		Details interface{}    `json:"details"`
	}{r.Status, details})
}

// Approved reports whether the response carries a receipt
func (r *Response) Approved() bool {
	return r.Status == ResponseReceipt
}

// AsReceipt returns the receipt, or for a rejection an Error receipt
// describing it. Rejection receipts are never written to the ledger
func (r *Response) AsReceipt() PaymentReceipt {
	if r.Receipt != nil {
		return *r.Receipt
	}
	out := PaymentReceipt{
		Timestamp: time.Now().UTC(),
		Status:    PaymentStatus{Error: &ErrorStatus{ErrorMessage: string(r.Status)}},
	}
	if r.Rejection != nil {
		out.PaymentID = r.Rejection.PaymentID
		out.Status.Error.ErrorMessage = fmt.Sprintf("%s: %s", r.Status, r.Rejection.Reason)
		if r.Rejection.Quote != nil {
			out.Amount = *r.Rejection.Quote
		}
	}
	return out
}

// Config configures an Engine
type Config struct {
	Normalizer NormalizerConfig
	Policy     PolicyConfig
	Handshake  HandshakeConfig
	Settlement SettlementConfig

	Messenger  Messenger
	Transferer Transferer
	Bridge     BrowserBridge
	Ledger     Ledger

	Logger  *zap.Logger
	OnEvent EventHandler
}

// Engine runs the payment pipeline: normalize, evaluate limit and fee,
// obtain human authorization, settle and record a receipt
type Engine struct {
	normalizer *Normalizer
	policy     *Policy
	authorizer *Authorizer
	executor   *Executor
	ledger     Ledger
	logger     *zap.SugaredLogger
	onEvent    EventHandler

	flights singleflight.Group
}

// NewEngine validates config and builds an engine. A zero Policy selects
// DefaultPolicyConfig; a nil Ledger selects a MemoryLedger
func NewEngine(config Config) (*Engine, error) {
	if config.Messenger == nil {
		return nil, errors.New("messenger is required")
	}
	if config.Transferer == nil && config.Bridge == nil {
		return nil, errors.New("at least one of transferer or bridge is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Ledger == nil {
		config.Ledger = NewMemoryLedger()
	}

	normalizer := NewNormalizer(config.Normalizer)
	currency := normalizer.Config().Currency

	if config.Policy == (PolicyConfig{}) {
		config.Policy = DefaultPolicyConfig()
	}
	if config.Policy.Currency == "" {
		config.Policy.Currency = currency
	}
	policy, err := NewPolicy(config.Policy)
	if err != nil {
		return nil, err
	}

	if config.Settlement.Currency == "" {
		config.Settlement.Currency = currency
	}
	if config.Settlement.Network == "" {
		config.Settlement.Network = normalizer.Config().Network
	}
	if config.Settlement.PayerAddress != "" {
		if err := ValidateAddress(config.Settlement.PayerAddress); err != nil {
			return nil, fmt.Errorf("payer address %v", err)
		}
	}

	return &Engine{
		normalizer: normalizer,
		policy:     policy,
		authorizer: NewAuthorizer(config.Messenger, config.Handshake, config.Logger, config.OnEvent),
		executor: NewExecutor(ExecutorConfig{
			Settlement:      config.Settlement,
			TreasuryAddress: policy.TreasuryAddress(),
			Transferer:      config.Transferer,
			Bridge:          config.Bridge,
			Ledger:          config.Ledger,
			Logger:          config.Logger,
			OnEvent:         config.OnEvent,
		}),
		ledger:  config.Ledger,
		logger:  config.Logger.Sugar(),
		onEvent: config.OnEvent,
	}, nil
}

func (e *Engine) Normalizer() *Normalizer { return e.normalizer }
func (e *Engine) Policy() *Policy         { return e.policy }
func (e *Engine) Authorizer() *Authorizer { return e.authorizer }
func (e *Engine) Executor() *Executor     { return e.executor }
func (e *Engine) Ledger() Ledger          { return e.ledger }

// SubmitPayment runs raw through the pipeline. Validation and limit failures
// return before any message is sent. The error is reserved for
// infrastructure faults and cancellation of ctx during the handshake
func (e *Engine) SubmitPayment(ctx context.Context, raw RawIntent) (*Response, error) {
	intent, err := e.normalizer.Normalize(raw)
	if err != nil {
		rej := &Rejection{Reason: err.Error()}
		var nerr *NormalizationError
		if errors.As(err, &nerr) {
			rej.Field = nerr.Field
		}
		if raw != nil {
			rej.PaymentID = raw.requestMeta().PaymentID
		}
		return e.reject(ResponseValidationFailed, rej, nil), nil
	}

	var opts []EvaluateOption
	if limit := raw.requestMeta().MaxLimit; limit != nil {
		opts = append(opts, WithLimitOverride(*limit))
	}
	quote, err := e.policy.Evaluate(intent, opts...)
	if err != nil {
		return e.reject(ResponseLimitExceeded, &Rejection{
			PaymentID: intent.ID(),
			Reason:    err.Error(),
		}, &intent), nil
	}

	if err := e.executor.CanSettle(intent.SourceKind()); err != nil {
		return e.reject(ResponseValidationFailed, &Rejection{
			PaymentID: intent.ID(),
			Reason:    err.Error(),
			Quote:     &quote,
		}, &intent), nil
	}

	v, err, _ := e.flights.Do(intent.ID(), func() (interface{}, error) {
		return e.authorizeAndSettle(ctx, intent, quote)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (e *Engine) authorizeAndSettle(ctx context.Context, intent PaymentIntent, quote FeeQuote) (*Response, error) {
	id := intent.ID()

	stored, err := e.ledger.Get(ctx, id)
	switch {
	case err == nil:
		if conflict := replayConflict(stored, intent); conflict != "" {
			return e.reject(ResponseValidationFailed, &Rejection{
				PaymentID: id,
				Reason:    fmt.Sprintf("%v: %s", ErrPaymentIDReused, conflict),
				Field:     "payment_id",
				Quote:     &quote,
			}, &intent), nil
		}
		e.logger.Infow("payment_replayed", "payment_id", id)
		e.onEvent.emit(intentEvent(PaymentEventReplayed, intent, quote))
		return &Response{Status: ResponseReceipt, Receipt: &stored}, nil
	case !errors.Is(err, ErrReceiptNotFound):
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	state, err := e.authorizer.Authorize(ctx, intent, quote)
	if err != nil {
		return nil, err
	}

	switch state {
	case Approved:
	case TimedOut:
		return e.reject(ResponseAuthorizationTimedOut, &Rejection{
			PaymentID: id,
			Reason:    fmt.Sprintf("%v after %s", ErrAuthorizationTimedOut, e.authorizer.Timeout()),
			Quote:     &quote,
		}, &intent), nil
	default:
		return e.reject(ResponseAuthorizationDenied, &Rejection{
			PaymentID: id,
			Reason:    ErrAuthorizationDenied.Error(),
			Quote:     &quote,
		}, &intent), nil
	}

	receipt, err := e.executor.Execute(ctx, intent, quote)
	if err != nil {
		return nil, err
	}
	return &Response{Status: ResponseReceipt, Receipt: &receipt}, nil
}

// replayConflict describes how intent differs from the terms stored under
// its id, or returns "" when a replay is safe
func replayConflict(stored PaymentReceipt, intent PaymentIntent) string {
	if stored.SourceKind != "" && stored.SourceKind != intent.SourceKind() {
		return fmt.Sprintf("source %s, stored %s", intent.SourceKind(), stored.SourceKind)
	}
	if !stored.Amount.BaseAmount.Equal(intent.Amount()) {
		return fmt.Sprintf("amount %s, stored %s", intent.Amount(), stored.Amount.BaseAmount)
	}
	payee := intent.Payee()
	if addr, ok := stored.PaymentMethodDetails["payee"]; ok && payee.Address() != "" && !strings.EqualFold(addr, payee.Address()) {
		return fmt.Sprintf("payee %s, stored %s", payee.Masked(), MaskAddress(addr))
	}
	if name, ok := stored.PaymentMethodDetails["merchant"]; ok && payee.MerchantName() != "" && !strings.EqualFold(name, payee.MerchantName()) {
		return fmt.Sprintf("merchant %s, stored %s", payee.MerchantName(), name)
	}
	return ""
}

func (e *Engine) reject(status ResponseStatus, rej *Rejection, intent *PaymentIntent) *Response {
	e.logger.Infow("payment_rejected",
		"payment_id", rej.PaymentID,
		"status", status,
		"reason", rej.Reason,
	)

	evt := PaymentEvent{Type: PaymentEventRejected, PaymentID: rej.PaymentID, Detail: string(status)}
	if intent != nil {
		var quote FeeQuote
		if rej.Quote != nil {
			quote = *rej.Quote
		}
		evt = intentEvent(PaymentEventRejected, *intent, quote)
		evt.Detail = string(status)
	}
	evt.Error = errors.New(rej.Reason)
	e.onEvent.emit(evt)

	return &Response{Status: status, Rejection: rej}
}

// Metrics returns settlement totals recorded by this engine
func (e *Engine) Metrics() SpendMetrics {
	return e.executor.Spend().Metrics()
}

// DeliverReply routes a human reply to the pending handshake for paymentID
// It returns false when nothing is pending
func (e *Engine) DeliverReply(paymentID, text string) bool {
	return e.authorizer.Deliver(paymentID, text)
}

// Receipt returns the stored receipt for paymentID
func (e *Engine) Receipt(ctx context.Context, paymentID string) (PaymentReceipt, error) {
	return e.ledger.Get(ctx, paymentID)
}

// Receipts lists recent receipts when the ledger supports it
func (e *Engine) Receipts(ctx context.Context, limit int) ([]PaymentReceipt, error) {
	lister, ok := e.ledger.(ReceiptLister)
	if !ok {
		return nil, fmt.Errorf("ledger %T cannot list receipts", e.ledger)
	}
	return lister.List(ctx, limit)
}
