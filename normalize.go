package moltpay

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	// AddressLength is the length of a 0x-prefixed EVM address
	AddressLength = 42

	defaultMemo = "Unknown Item"
)

// Well-known USDC contracts on Polygon
const (
	USDCAddressPolygon        = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	USDCBridgedAddressPolygon = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

// NormalizerConfig selects the stablecoin and chain the engine can settle on
type NormalizerConfig struct {
	Currency        string
	CurrencyAliases []string
	Network         string
	NetworkAliases  []string
	KnownAssets     map[string]string // asset contract -> currency symbol
	AssetDecimals   int32
	DefaultMemo     string
}

// DefaultNormalizerConfig returns USDC on Polygon
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		Currency:        "USDC",
		CurrencyAliases: []string{"USDC.e"},
		Network:         "polygon",
		NetworkAliases:  []string{"matic", "polygon-mainnet"},
		KnownAssets: map[string]string{
			USDCAddressPolygon:        "USDC",
			USDCBridgedAddressPolygon: "USDC.e",
		},
		AssetDecimals: 6,
		DefaultMemo:   defaultMemo,
	}
}

// Normalizer converts inbound request shapes into PaymentIntents
type Normalizer struct {
	config     NormalizerConfig
	currencies map[string]struct{}
	networks   map[string]struct{}
	assets     map[string]string

	newID func() string
	now   func() time.Time
}

// NewNormalizer creates a normalizer. Zero-valued fields fall back to
// DefaultNormalizerConfig
func NewNormalizer(config NormalizerConfig) *Normalizer {
	def := DefaultNormalizerConfig()
	if config.Currency == "" {
		config.Currency = def.Currency
		config.CurrencyAliases = def.CurrencyAliases
	}
	if config.Network == "" {
		config.Network = def.Network
		config.NetworkAliases = def.NetworkAliases
	}
	if config.KnownAssets == nil {
		config.KnownAssets = def.KnownAssets
	}
	if config.AssetDecimals == 0 {
		config.AssetDecimals = def.AssetDecimals
	}
	if config.DefaultMemo == "" {
		config.DefaultMemo = def.DefaultMemo
	}

	n := &Normalizer{
		config:     config,
		currencies: foldSet(append([]string{config.Currency}, config.CurrencyAliases...)),
		networks:   foldSet(append([]string{config.Network}, config.NetworkAliases...)),
		assets:     make(map[string]string, len(config.KnownAssets)),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for addr, symbol := range config.KnownAssets {
		n.assets[strings.ToLower(addr)] = symbol
	}
	return n
}

func foldSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

// Config returns the configuration in effect
func (n *Normalizer) Config() NormalizerConfig {
	return n.config
}

// Normalize validates a raw request and produces a PaymentIntent. It has no
// side effects; every failure is a *NormalizationError
func (n *Normalizer) Normalize(raw RawIntent) (PaymentIntent, error) {
	if raw == nil {
		return PaymentIntent{}, invalidField("", "empty request")
	}

	id, err := n.intentID(raw.requestMeta())
	if err != nil {
		return PaymentIntent{}, err
	}

	switch r := raw.(type) {
	case *DirectRequest:
		return n.direct(id, r.Amount, r.PayeeAddress, r.Memo, SourceDirectRequest)
	case *X402Signal:
		return n.x402(id, r)
	case *BridgedMerchantRequest:
		return n.bridged(id, r)
	default:
		return PaymentIntent{}, invalidField("", fmt.Sprintf("unsupported request type %T", raw))
	}
}

func (n *Normalizer) intentID(meta RequestMeta) (string, error) {
	id := strings.TrimSpace(meta.PaymentID)
	if id == "" {
		return n.newID(), nil
	}
	if len(id) > 128 {
		return "", invalidField("payment_id", "must be at most 128 characters")
	}
	return id, nil
}

func (n *Normalizer) direct(id string, amount Amount, address, memo string, kind SourceKind) (PaymentIntent, error) {
	if err := validateAmount("amount", amount); err != nil {
		return PaymentIntent{}, err
	}
	address = strings.TrimSpace(address)
	if err := ValidateAddress(address); err != nil {
		return PaymentIntent{}, invalidField("payee_address", err.Error())
	}
	memo = strings.TrimSpace(memo)
	if memo == "" {
		return PaymentIntent{}, invalidField("memo", "must not be empty")
	}
	return PaymentIntent{
		id:         id,
		amount:     amount,
		payee:      WalletPayee(address),
		memo:       memo,
		sourceKind: kind,
		createdAt:  n.now().UTC(),
	}, nil
}

func (n *Normalizer) x402(id string, signal *X402Signal) (PaymentIntent, error) {
	offer, ok := n.SelectOffer(signal.Accepts)
	if !ok {
		return PaymentIntent{}, &NormalizationError{
			Field:  "accepts",
			Reason: fmt.Sprintf("no offer for %s on %s", n.config.Currency, n.config.Network),
			Kind:   ErrNoCompatibleOffer,
		}
	}

	amount, address, err := n.offerTerms(offer)
	if err != nil {
		return PaymentIntent{}, err
	}

	memo := strings.TrimSpace(signal.Description)
	if memo == "" {
		memo = strings.TrimSpace(offer.Description)
	}
	if memo == "" {
		memo = n.config.DefaultMemo
	}
	return n.direct(id, amount, address, memo, SourceX402Signal)
}

// SelectOffer returns the first offer, in listed order, whose currency and
// network are both supported
func (n *Normalizer) SelectOffer(accepts []X402Offer) (X402Offer, bool) {
	for _, offer := range accepts {
		if !n.supportsNetwork(offer.Network) {
			continue
		}
		if !n.supportsCurrency(n.offerCurrency(offer)) {
			continue
		}
		return offer, true
	}
	return X402Offer{}, false
}

func (n *Normalizer) supportsNetwork(network string) bool {
	_, ok := n.networks[strings.ToUpper(strings.TrimSpace(network))]
	return ok
}

func (n *Normalizer) supportsCurrency(currency string) bool {
	_, ok := n.currencies[strings.ToUpper(strings.TrimSpace(currency))]
	return ok
}

func (n *Normalizer) offerCurrency(offer X402Offer) string {
	if offer.Currency != "" {
		return offer.Currency
	}
	if offer.Asset == "" {
		return ""
	}
	return n.assets[strings.ToLower(strings.TrimSpace(offer.Asset))]
}

func (n *Normalizer) offerTerms(offer X402Offer) (Amount, string, error) {
	address := offer.Address
	if address == "" {
		address = offer.PayTo
	}

	var amount *Amount
	switch {
	case offer.Amount != nil:
		amount = offer.Amount
	case offer.MaxAmountRequired != "":
		a, err := AmountFromAtomic(offer.MaxAmountRequired, n.config.AssetDecimals)
		if err != nil {
			return Amount{}, "", &NormalizationError{Field: "maxAmountRequired", Reason: err.Error(), Kind: ErrIncompleteOffer}
		}
		amount = &a
	}

	if amount == nil || address == "" {
		missing := "amount"
		if amount != nil {
			missing = "address"
		}
		return Amount{}, "", &NormalizationError{
			Field:  missing,
			Reason: "matched offer is missing " + missing,
			Kind:   ErrIncompleteOffer,
		}
	}
	return *amount, address, nil
}

func (n *Normalizer) bridged(id string, r *BridgedMerchantRequest) (PaymentIntent, error) {
	if err := validateAmount("amount", r.Amount); err != nil {
		return PaymentIntent{}, err
	}
	name := strings.TrimSpace(r.MerchantName)
	if name == "" {
		return PaymentIntent{}, invalidField("merchant_name", "must not be empty")
	}
	return PaymentIntent{
		id:         id,
		amount:     r.Amount,
		payee:      MerchantPayee(name),
		memo:       fmt.Sprintf("%s credit", name),
		sourceKind: SourceBridgedMerchant,
		createdAt:  n.now().UTC(),
	}, nil
}

func validateAmount(field string, amount Amount) error {
	if !amount.IsPositive() {
		return invalidField(field, "must be greater than zero")
	}
	if amount.HasSubUnitPrecision() {
		return invalidField(field, fmt.Sprintf("must have at most %d decimal places", CurrencyPlaces))
	}
	return nil
}

// ValidateAddress checks that s is a 0x-prefixed, 42 character hex address
func ValidateAddress(s string) error {
	if len(s) != AddressLength {
		return fmt.Errorf("must be %d characters, got %d", AddressLength, len(s))
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return fmt.Errorf("must start with 0x")
	}
	if !common.IsHexAddress(s) {
		return fmt.Errorf("is not a hex address")
	}
	return nil
}

// MaskAddress keeps the first 6 and last 4 characters of an address
func MaskAddress(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}
