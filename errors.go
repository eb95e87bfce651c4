package moltpay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Normalization errors
	ErrValidation        = errors.New("validation failed")
	ErrNoCompatibleOffer = errors.New("no compatible payment offer")
	ErrIncompleteOffer   = errors.New("incomplete payment offer")

	// Policy errors
	ErrLimitExceeded = errors.New("amount exceeds transaction limit")
	ErrLimitOverride = errors.New("limit override refused")
	ErrInvalidPolicy = errors.New("invalid policy configuration")

	// Authorization errors
	ErrAuthorizationDenied    = errors.New("authorization denied")
	ErrAuthorizationTimedOut  = errors.New("authorization timed out")
	ErrAuthorizationCancelled = errors.New("authorization cancelled")
	ErrAuthorizationPending   = errors.New("authorization already pending")
	ErrDeliveryFailed         = errors.New("handshake delivery failed")

	// Settlement errors
	ErrExecution           = errors.New("execution failed")
	ErrBridge              = errors.New("bridge failed")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrNoTransferer        = errors.New("no transfer collaborator configured")
	ErrNoBridge            = errors.New("no browser bridge configured")
	ErrNoPayer             = errors.New("payer address not configured")

	// Ledger errors
	ErrReceiptExists   = errors.New("receipt already recorded")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrInvalidReceipt  = errors.New("invalid receipt")
	ErrPaymentIDReused = errors.New("payment id already recorded with different terms")
)

// NormalizationError reports which input field was rejected and why
type NormalizationError struct {
	Field  string
	Reason string
	Kind   error // ErrValidation, ErrNoCompatibleOffer or ErrIncompleteOffer
}

func (e *NormalizationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *NormalizationError) Unwrap() error {
	return e.Kind
}

func invalidField(field, reason string) *NormalizationError {
	return &NormalizationError{Field: field, Reason: reason, Kind: ErrValidation}
}

// SettlementError provides detailed information about one failed transfer leg
type SettlementError struct {
	Leg       TransferLeg
	PaymentID string
	Amount    string
	To        string
	Network   string
	Wrapped   error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s leg failed (payment: %s, amount: %s, to: %s, network: %s): %v",
		e.Leg, e.PaymentID, e.Amount, MaskAddress(e.To), e.Network, e.Wrapped)
}

func (e *SettlementError) Unwrap() error {
	return e.Wrapped
}

// PartialSettlementError reports a settlement where some legs were confirmed
// and a later leg failed. Confirmed legs are not rolled back
type PartialSettlementError struct {
	PaymentID string
	Completed []LegResult
	Failed    *SettlementError
}

func (e *PartialSettlementError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "partial settlement for payment %s; manual reconciliation required: ", e.PaymentID)
	for _, leg := range e.Completed {
		fmt.Fprintf(&b, "%s leg confirmed (amount %s, to %s, confirmation %s); ",
			leg.Leg, leg.Amount, MaskAddress(leg.To), leg.ConfirmationID)
	}
	b.WriteString(e.Failed.Error())
	return b.String()
}

func (e *PartialSettlementError) Unwrap() error {
	return e.Failed
}
