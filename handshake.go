package moltpay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAuthorizationTimeout bounds how long a handshake waits for a reply
const DefaultAuthorizationTimeout = 5 * time.Minute

// DefaultAffirmativeTokens are the replies that approve a payment
var DefaultAffirmativeTokens = []string{"YES", "CONFIRM"}

// OutboundMessage is a handshake summary addressed to the human principal
type OutboundMessage struct {
	PaymentID string `json:"payment_id"`
	Text      string `json:"text"`
}

// DeliveryAck confirms the gateway accepted a message
type DeliveryAck struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Messenger delivers handshake summaries to the human principal
type Messenger interface {
	Send(ctx context.Context, msg OutboundMessage) (DeliveryAck, error)
}

// ReplySource is implemented by messengers that can also be polled for the
// principal's reply. Messengers that receive replies out of band (webhooks)
// route them through Authorizer.Deliver instead
type ReplySource interface {
	Receive(ctx context.Context, paymentID string) (string, error)
}

// HandshakeConfig configures the authorization handshake
type HandshakeConfig struct {
	Timeout           time.Duration
	AffirmativeTokens []string
}

// DefaultHandshakeConfig returns a five minute timeout accepting YES and CONFIRM
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Timeout:           DefaultAuthorizationTimeout,
		AffirmativeTokens: DefaultAffirmativeTokens,
	}
}

// Authorizer drives the human confirmation exchange for each intent. Pending
// authorizations are independent; one intent waiting never blocks another
type Authorizer struct {
	messenger Messenger
	timeout   time.Duration
	tokens    []string
	logger    *zap.SugaredLogger
	onEvent   EventHandler

	mu      sync.Mutex
	pending map[string]*pendingAuthorization
}

type pendingAuthorization struct {
	state AuthorizationState
	done  chan struct{}
}

// NewAuthorizer creates an authorizer that sends summaries through messenger
func NewAuthorizer(messenger Messenger, config HandshakeConfig, logger *zap.Logger, onEvent EventHandler) *Authorizer {
	if config.Timeout <= 0 {
		config.Timeout = DefaultAuthorizationTimeout
	}
	if len(config.AffirmativeTokens) == 0 {
		config.AffirmativeTokens = DefaultAffirmativeTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tokens := make([]string, 0, len(config.AffirmativeTokens))
	for _, t := range config.AffirmativeTokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, strings.ToUpper(t))
		}
	}

	return &Authorizer{
		messenger: messenger,
		timeout:   config.Timeout,
		tokens:    tokens,
		logger:    logger.Sugar(),
		onEvent:   onEvent,
		pending:   make(map[string]*pendingAuthorization),
	}
}

// Timeout returns the configured reply timeout
func (a *Authorizer) Timeout() time.Duration { return a.timeout }

// Summary renders the handshake text for an intent
func (a *Authorizer) Summary(intent PaymentIntent, quote FeeQuote) string {
	return RenderSummary(intent, quote, a.tokens)
}

// Authorize sends the summary and blocks until the first reply, the timeout
// or cancellation of ctx. Denials and timeouts are reported through the
// returned state; the error is non-nil only when ctx ends the wait
// (ErrAuthorizationCancelled) or a handshake for the same intent is already
// pending (ErrAuthorizationPending)
func (a *Authorizer) Authorize(ctx context.Context, intent PaymentIntent, quote FeeQuote) (AuthorizationState, error) {
	id := intent.ID()
	p, err := a.register(id)
	if err != nil {
		return Rejected, err
	}
	defer a.unregister(id)

	msg := OutboundMessage{PaymentID: id, Text: a.Summary(intent, quote)}
	ack, err := a.messenger.Send(ctx, msg)
	if err != nil {
		// The authorization stays pending; the principal may still reply
		// through another path before the timeout
		a.logger.Warnw("authorization_delivery_failed", "payment_id", id, "error", err)
		evt := intentEvent(PaymentEventDeliveryFailed, intent, quote)
		evt.Error = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		a.onEvent.emit(evt)
	} else {
		a.logger.Infow("authorization_requested",
			"payment_id", id,
			"payee", intent.Payee().Masked(),
			"total", quote.TotalDeduction.String(),
			"message_id", ack.MessageID,
		)
		evt := intentEvent(PaymentEventAuthorizationSent, intent, quote)
		evt.Detail = ack.MessageID
		a.onEvent.emit(evt)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if source, ok := a.messenger.(ReplySource); ok {
		go a.pump(waitCtx, source, id)
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	cancelled := false
	select {
	case <-p.done:
	case <-timer.C:
		a.resolve(id, TimedOut)
	case <-ctx.Done():
		cancelled = a.resolve(id, Rejected)
	}

	state := a.state(p)
	switch {
	case cancelled:
		a.logger.Infow("authorization_cancelled", "payment_id", id, "error", ctx.Err())
		evt := intentEvent(PaymentEventDenied, intent, quote)
		evt.Error = ctx.Err()
		a.onEvent.emit(evt)
		return Rejected, fmt.Errorf("%w: %v", ErrAuthorizationCancelled, ctx.Err())
	case state == Approved:
		a.logger.Infow("authorization_approved", "payment_id", id)
		a.onEvent.emit(intentEvent(PaymentEventApproved, intent, quote))
	case state == TimedOut:
		a.logger.Infow("authorization_timed_out", "payment_id", id, "timeout", a.timeout)
		a.onEvent.emit(intentEvent(PaymentEventTimedOut, intent, quote))
	default:
		a.logger.Infow("authorization_denied", "payment_id", id)
		a.onEvent.emit(intentEvent(PaymentEventDenied, intent, quote))
	}
	return state, nil
}

// Deliver routes a reply to the pending handshake for paymentID. It returns
// false when no handshake is waiting, including when the handshake already
// reached a terminal state; such replies are ignored
func (a *Authorizer) Deliver(paymentID, reply string) bool {
	state := Rejected
	if a.IsAffirmative(reply) {
		state = Approved
	}
	accepted := a.resolve(paymentID, state)
	if !accepted {
		a.logger.Debugw("authorization_reply_ignored", "payment_id", paymentID)
	}
	return accepted
}

// Pending reports whether a handshake is waiting for paymentID
func (a *Authorizer) Pending(paymentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[paymentID]
	return ok && p.state == AwaitingDecision
}

// IsAffirmative reports whether reply exactly matches an affirmative token,
// ignoring case and surrounding whitespace
func (a *Authorizer) IsAffirmative(reply string) bool {
	reply = strings.TrimSpace(reply)
	for _, t := range a.tokens {
		if strings.EqualFold(reply, t) {
			return true
		}
	}
	return false
}

func (a *Authorizer) register(id string) (*pendingAuthorization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationPending, id)
	}
	p := &pendingAuthorization{state: AwaitingDecision, done: make(chan struct{})}
	a.pending[id] = p
	return p, nil
}

func (a *Authorizer) unregister(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, id)
}

// resolve performs the single terminal transition for id. It returns false
// if there is no pending handshake or it is already terminal
func (a *Authorizer) resolve(id string, state AuthorizationState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[id]
	if !ok || p.state.Terminal() {
		return false
	}
	p.state = state
	close(p.done)
	return true
}

func (a *Authorizer) state(p *pendingAuthorization) AuthorizationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return p.state
}

func (a *Authorizer) pump(ctx context.Context, source ReplySource, id string) {
	reply, err := source.Receive(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warnw("authorization_receive_failed", "payment_id", id, "error", err)
		}
		return
	}
	a.Deliver(id, reply)
}

// RenderSummary renders the deterministic human-readable handshake text
// Wallet payees are masked to their first 6 and last 4 characters
func RenderSummary(intent PaymentIntent, quote FeeQuote, tokens []string) string {
	if len(tokens) == 0 {
		tokens = DefaultAffirmativeTokens
	}
	currency := quote.Currency
	if currency == "" {
		currency = "USDC"
	}

	var b strings.Builder
	if intent.SourceKind() == SourceBridgedMerchant {
		b.WriteString("MOLT-PAY HANDSHAKE (Bitrefill Bridge)\n")
		fmt.Fprintf(&b, "Action: Buy %s Credit\n", intent.Payee().MerchantName())
	} else {
		b.WriteString("MOLT-PAY HANDSHAKE\n")
		fmt.Fprintf(&b, "Item: %s\n", intent.Memo())
	}
	fmt.Fprintf(&b, "Price: $%s (+ $%s fee)\n", quote.BaseAmount, quote.FeeAmount)
	fmt.Fprintf(&b, "Total: $%s %s\n", quote.TotalDeduction, currency)
	if intent.SourceKind() == SourceBridgedMerchant {
		b.WriteString("Bridge: Bitrefill.com (Polygon Network)\n")
	} else {
		fmt.Fprintf(&b, "Merchant: %s\n", intent.Payee().Masked())
	}
	fmt.Fprintf(&b, "Ref: %s\n", intent.ID())
	fmt.Fprintf(&b, "Reply %s to authorize.", strings.Join(tokens, " or "))
	return b.String()
}
