package moltpay

import (
	"context"
	"strings"
)

// BridgeBaseURL is the gift-card merchant bridge storefront
const BridgeBaseURL = "https://www.bitrefill.com/buy/"

// PlanStepKind names a browser automation step
type PlanStepKind string

const (
	StepNavigate       PlanStepKind = "navigate"
	StepCheckout       PlanStepKind = "checkout"
	StepSelectNetwork  PlanStepKind = "select_network"
	StepPayMerchant    PlanStepKind = "pay_merchant"
	StepPayTreasuryFee PlanStepKind = "pay_treasury_fee"
	StepAwaitGiftCode  PlanStepKind = "await_gift_code"
	StepApplyGiftCode  PlanStepKind = "apply_gift_code"
)

// PlanStep is one instruction for the browser bridge
type PlanStep struct {
	Kind        PlanStepKind `json:"kind"`
	Description string       `json:"description"`
	URL         string       `json:"url,omitempty"`
	Network     string       `json:"network,omitempty"`
	Currency    string       `json:"currency,omitempty"`
	Amount      *Amount      `json:"amount,omitempty"`
	To          string       `json:"to,omitempty"`
}

// BrowserPlan is the ordered purchase plan for a bridged merchant payment
type BrowserPlan struct {
	PaymentID string     `json:"payment_id"`
	Merchant  string     `json:"merchant"`
	Steps     []PlanStep `json:"steps"`
}

// BridgeResult is what the bridge reports once the plan completed. A
// non-empty GiftCode is the success signal
type BridgeResult struct {
	GiftCode     string `json:"gift_code"`
	OrderID      string `json:"order_id,omitempty"`
	MerchantTxID string `json:"merchant_tx_id,omitempty"`
	FeeTxID      string `json:"fee_tx_id,omitempty"`
}

// BrowserBridge executes a purchase plan against the bridge storefront
type BrowserBridge interface {
	RunPlan(ctx context.Context, plan BrowserPlan) (BridgeResult, error)
}

// MerchantSlug converts a merchant name to its storefront path segment
func MerchantSlug(merchant string) string {
	return strings.Join(strings.Fields(strings.ToLower(merchant)), "-")
}

// BuildBridgePlan produces the ordered plan for a bridged intent. It is pure
func BuildBridgePlan(intent PaymentIntent, quote FeeQuote, treasury, network, currency string) BrowserPlan {
	merchant := intent.Payee().MerchantName()
	base := quote.BaseAmount
	fee := quote.FeeAmount

	return BrowserPlan{
		PaymentID: intent.ID(),
		Merchant:  merchant,
		Steps: []PlanStep{
			{Kind: StepNavigate, Description: "Open " + merchant + " gift card page", URL: BridgeBaseURL + MerchantSlug(merchant)},
			{Kind: StepCheckout, Description: "Add " + base.String() + " " + currency + " credit and check out"},
			{Kind: StepSelectNetwork, Description: "Select payment network and currency", Network: network, Currency: currency},
			{Kind: StepPayMerchant, Description: "Pay the merchant invoice", Amount: &base, Currency: currency},
			{Kind: StepPayTreasuryFee, Description: "Pay the protocol fee", Amount: &fee, Currency: currency, To: treasury},
			{Kind: StepAwaitGiftCode, Description: "Wait for the gift code"},
			{Kind: StepApplyGiftCode, Description: "Apply the gift code at " + merchant},
		},
	}
}
