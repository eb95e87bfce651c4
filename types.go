package moltpay

import (
	"time"
)

// SourceKind tags where a payment intent came from
type SourceKind string

const (
	SourceDirectRequest   SourceKind = "direct_request"
	SourceX402Signal      SourceKind = "x402_signal"
	SourceBridgedMerchant SourceKind = "bridged_merchant"
)

// OnChain reports whether intents of this kind settle by direct transfers
func (k SourceKind) OnChain() bool {
	return k == SourceDirectRequest || k == SourceX402Signal
}

// RawIntent is one of the inbound request shapes accepted by the normalizer:
// *DirectRequest, *X402Signal or *BridgedMerchantRequest
type RawIntent interface {
	SourceKind() SourceKind
	requestMeta() RequestMeta
}

// RequestMeta carries fields shared by every inbound shape
type RequestMeta struct {
	// PaymentID, when set, becomes the intent id and acts as the idempotency key
	PaymentID string `json:"payment_id,omitempty"`

	// MaxLimit is an attempt to override the protocol ceiling; it is always refused
	MaxLimit *Amount `json:"max_limit,omitempty"`
}

func (m RequestMeta) requestMeta() RequestMeta { return m }

// DirectRequest is an agent asking to pay a wallet address directly
type DirectRequest struct {
	RequestMeta
	Amount       Amount `json:"amount"`
	PayeeAddress string `json:"payee_address"`
	Memo         string `json:"memo"`
}

func (*DirectRequest) SourceKind() SourceKind { return SourceDirectRequest }

// X402Signal is a third-party "payment required" signal offering one or more
// ways to pay
type X402Signal struct {
	RequestMeta
	X402Version int         `json:"x402Version,omitempty"`
	Description string      `json:"description"`
	Accepts     []X402Offer `json:"accepts"`
}

func (*X402Signal) SourceKind() SourceKind { return SourceX402Signal }

// X402Offer is one payment option inside an x402 signal. Both the simple shape
// (currency/network/amount/address) and the x402 v1 PaymentRequirement shape
// (network/asset/maxAmountRequired/payTo) are understood
type X402Offer struct {
	Currency string  `json:"currency,omitempty"`
	Network  string  `json:"network,omitempty"`
	Amount   *Amount `json:"amount,omitempty"`
	Address  string  `json:"address,omitempty"`

	Scheme            string            `json:"scheme,omitempty"`
	Asset             string            `json:"asset,omitempty"`
	MaxAmountRequired string            `json:"maxAmountRequired,omitempty"`
	PayTo             string            `json:"payTo,omitempty"`
	Resource          string            `json:"resource,omitempty"`
	Description       string            `json:"description,omitempty"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// BridgedMerchantRequest buys credit at a real-world merchant that does not
// accept stablecoins, through a gift-card bridge
type BridgedMerchantRequest struct {
	RequestMeta
	Amount       Amount `json:"amount"`
	MerchantName string `json:"merchant_name"`
}

func (*BridgedMerchantRequest) SourceKind() SourceKind { return SourceBridgedMerchant }

// PayeeKind discriminates Payee
type PayeeKind string

const (
	PayeeWallet   PayeeKind = "wallet"
	PayeeMerchant PayeeKind = "merchant"
)

// Payee is either a wallet address or a named merchant, never both
type Payee struct {
	kind  PayeeKind
	value string
}

// WalletPayee returns a payee for a validated wallet address
func WalletPayee(address string) Payee {
	return Payee{kind: PayeeWallet, value: address}
}

// MerchantPayee returns a payee for a named real-world merchant
func MerchantPayee(name string) Payee {
	return Payee{kind: PayeeMerchant, value: name}
}

func (p Payee) Kind() PayeeKind { return p.kind }

// Address returns the wallet address, or "" for a merchant payee
func (p Payee) Address() string {
	if p.kind != PayeeWallet {
		return ""
	}
	return p.value
}

// MerchantName returns the merchant name, or "" for a wallet payee
func (p Payee) MerchantName() string {
	if p.kind != PayeeMerchant {
		return ""
	}
	return p.value
}

// Masked returns the payee identifier safe for display and logs
func (p Payee) Masked() string {
	if p.kind == PayeeWallet {
		return MaskAddress(p.value)
	}
	return p.value
}

func (p Payee) String() string { return p.value }

// PaymentIntent is the canonical, validated request to move funds. It is
// immutable; corrections produce a new intent with a new id
type PaymentIntent struct {
	id         string
	amount     Amount
	payee      Payee
	memo       string
	sourceKind SourceKind
	createdAt  time.Time
}

func (i PaymentIntent) ID() string             { return i.id }
func (i PaymentIntent) Amount() Amount         { return i.amount }
func (i PaymentIntent) Payee() Payee           { return i.payee }
func (i PaymentIntent) Memo() string           { return i.memo }
func (i PaymentIntent) SourceKind() SourceKind { return i.sourceKind }
func (i PaymentIntent) CreatedAt() time.Time   { return i.createdAt }

// FeeQuote is the fee computed for an intent at authorization time
type FeeQuote struct {
	BaseAmount     Amount `json:"base_amount"`
	FeeAmount      Amount `json:"fee_amount"`
	TotalDeduction Amount `json:"total_deduction"`
	Currency       string `json:"currency"`
}

// AuthorizationState is the outcome of a human handshake
type AuthorizationState string

const (
	AwaitingDecision AuthorizationState = "awaiting_decision"
	Approved         AuthorizationState = "approved"
	Rejected         AuthorizationState = "rejected"
	TimedOut         AuthorizationState = "timed_out"
)

// Terminal reports whether no further transition is possible
func (s AuthorizationState) Terminal() bool {
	return s == Approved || s == Rejected || s == TimedOut
}

// PaymentReceipt is the terminal, write-once record of an intent's outcome
type PaymentReceipt struct {
	PaymentID            string            `json:"payment_id"`
	Timestamp            time.Time         `json:"timestamp"`
	SourceKind           SourceKind        `json:"source_kind"`
	Amount               FeeQuote          `json:"amount"`
	Status               PaymentStatus     `json:"payment_status"`
	PaymentMethodDetails map[string]string `json:"payment_method_details,omitempty"`
}

// PaymentStatus is a tagged union; exactly one field is set
type PaymentStatus struct {
	Success *SuccessStatus `json:"success,omitempty"`
	Error   *ErrorStatus   `json:"error,omitempty"`
	Failure *FailureStatus `json:"failure,omitempty"`
}

// StatusKind names the variant held by a PaymentStatus
type StatusKind string

const (
	StatusSuccess StatusKind = "success"
	StatusError   StatusKind = "error"
	StatusFailure StatusKind = "failure"
	StatusInvalid StatusKind = "invalid"
)

// Kind returns the variant, or StatusInvalid unless exactly one is set
func (s PaymentStatus) Kind() StatusKind {
	set := 0
	kind := StatusInvalid
	if s.Success != nil {
		set++
		kind = StatusSuccess
	}
	if s.Error != nil {
		set++
		kind = StatusError
	}
	if s.Failure != nil {
		set++
		kind = StatusFailure
	}
	if set != 1 {
		return StatusInvalid
	}
	return kind
}

// SuccessStatus carries the confirmation identifiers of a settled payment
type SuccessStatus struct {
	MerchantConfirmationID string `json:"merchant_confirmation_id"`
	PSPConfirmationID      string `json:"psp_confirmation_id,omitempty"`
	NetworkConfirmationID  string `json:"network_confirmation_id,omitempty"`
}

// ErrorStatus is a caller or input problem detected before any submission
type ErrorStatus struct {
	ErrorMessage string `json:"error_message"`
}

// FailureStatus is an execution-layer problem after submission was attempted
type FailureStatus struct {
	FailureMessage string `json:"failure_message"`
}

// PaymentEvent represents a payment lifecycle event
type PaymentEvent struct {
	Type       PaymentEventType
	PaymentID  string
	SourceKind SourceKind
	Amount     Amount
	Fee        Amount
	Payee      string // masked
	Detail     string
	Error      error
	Timestamp  int64
}

// PaymentEventType represents types of payment events
type PaymentEventType string

const (
	PaymentEventRejected          PaymentEventType = "rejected"
	PaymentEventAuthorizationSent PaymentEventType = "authorization_sent"
	PaymentEventDeliveryFailed    PaymentEventType = "delivery_failed"
	PaymentEventApproved          PaymentEventType = "approved"
	PaymentEventDenied            PaymentEventType = "denied"
	PaymentEventTimedOut          PaymentEventType = "timed_out"
	PaymentEventSettlementAttempt PaymentEventType = "settlement_attempt"
	PaymentEventSettled           PaymentEventType = "settled"
	PaymentEventSettlementFailed  PaymentEventType = "settlement_failed"
	PaymentEventReplayed          PaymentEventType = "replayed"
)
