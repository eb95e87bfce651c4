package moltpay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine     *Engine
	messenger  *ScriptedMessenger
	transferer *MockTransferer
	bridge     *MockBridge
	ledger     *MemoryLedger
	events     *EventRecorder
}

func newEngineFixture(t *testing.T, reply string, timeout time.Duration) *engineFixture {
	t.Helper()
	f := &engineFixture{
		messenger:  NewScriptedMessenger(reply),
		transferer: NewMockTransferer(),
		bridge:     NewMockBridge(BridgeResult{GiftCode: "GIFT-1", OrderID: "order-1"}),
		ledger:     NewMemoryLedger(),
		events:     NewEventRecorder(),
	}
	engine, err := NewEngine(Config{
		Handshake:  HandshakeConfig{Timeout: timeout},
		Settlement: SettlementConfig{PayerAddress: testPayer},
		Messenger:  f.messenger,
		Transferer: f.transferer,
		Bridge:     f.bridge,
		Ledger:     f.ledger,
		OnEvent:    f.events.Handler(),
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func pizzaRequest(amount string) *DirectRequest {
	return &DirectRequest{Amount: MustAmount(amount), PayeeAddress: testPayee, Memo: "Pizza"}
}

func TestSubmitPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("ApprovedDirectRequest", func(t *testing.T) {
		f := newEngineFixture(t, "YES", time.Second)
		f.transferer.SetConfirmation(LegMerchant, "abc123")

		resp, err := f.engine.SubmitPayment(ctx, pizzaRequest("45.00"))
		require.NoError(t, err)
		require.Equal(t, ResponseReceipt, resp.Status)
		require.NotNil(t, resp.Receipt)
		assert.True(t, resp.Approved())

		r := resp.Receipt
		require.Equal(t, StatusSuccess, r.Status.Kind())
		assert.Equal(t, "abc123", r.Status.Success.MerchantConfirmationID)
		assert.Equal(t, "0.45", r.Amount.FeeAmount.String())
		assert.Equal(t, "45.45", r.Amount.TotalDeduction.String())

		stored, err := f.engine.Receipt(ctx, r.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, r.Status, stored.Status)

		assert.Equal(t, []PaymentEventType{
			PaymentEventAuthorizationSent,
			PaymentEventApproved,
			PaymentEventSettlementAttempt,
			PaymentEventSettled,
		}, f.events.Types())

		m := f.engine.Metrics()
		assert.Equal(t, 1, m.PaymentCount)
		assert.Equal(t, "45.00", m.TotalSettled.String())
		assert.Equal(t, "0.45", m.TotalFees.String())
	})

	t.Run("DeniedWritesNoReceipt", func(t *testing.T) {
		f := newEngineFixture(t, "STOP", time.Second)

		resp, err := f.engine.SubmitPayment(ctx, pizzaRequest("45.00"))
		require.NoError(t, err)
		assert.Equal(t, ResponseAuthorizationDenied, resp.Status)
		require.NotNil(t, resp.Rejection)
		require.NotNil(t, resp.Rejection.Quote)
		assert.Equal(t, "45.45", resp.Rejection.Quote.TotalDeduction.String())
		assert.Equal(t, 0, f.transferer.Calls())
		assert.Equal(t, 0, f.ledger.Len())
	})

	t.Run("TimedOut", func(t *testing.T) {
		f := newEngineFixture(t, "", 20*time.Millisecond)

		resp, err := f.engine.SubmitPayment(ctx, pizzaRequest("10"))
		require.NoError(t, err)
		assert.Equal(t, ResponseAuthorizationTimedOut, resp.Status)
		assert.Equal(t, 0, f.transferer.Calls())
		assert.Equal(t, 0, f.ledger.Len())
	})

	t.Run("OverLimitSendsNoMessage", func(t *testing.T) {
		f := newEngineFixture(t, "YES", time.Second)

		resp, err := f.engine.SubmitPayment(ctx, pizzaRequest("50.01"))
		require.NoError(t, err)
		assert.Equal(t, ResponseLimitExceeded, resp.Status)
		assert.Equal(t, 0, f.messenger.SendCount())
		assert.Equal(t, 0, f.transferer.Calls())
		assert.Len(t, f.events.OfType(PaymentEventRejected), 1)
	})

	t.Run("AtLimitPasses", func(t *testing.T) {
		f := newEngineFixture(t, "YES", time.Second)

		resp, err := f.engine.SubmitPayment(ctx, pizzaRequest("50.00"))
		require.NoError(t, err)
		assert.Equal(t, ResponseReceipt, resp.Status)
	})

	t.Run("LimitOverrideRefused", func(t *testing.T) {
		f := newEngineFixture(t, "YES", time.Second)
		override := MustAmount("1000")
		req := pizzaRequest("10")
		req.MaxLimit = &override

		resp, err := f.engine.SubmitPayment(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, ResponseLimitExceeded, resp.Status)
		assert.Contains(t, resp.Rejection.Reason, "limit override refused")
		assert.Equal(t, 0, f.messenger.SendCount())
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		f := newEngineFixture(t, "YES", time.Second)

		resp, err := f.engine.SubmitPayment(ctx, &DirectRequest{Amount: MustAmount("5"), PayeeAddress: "0xabc", Memo: "x"})
		require.NoError(t, err)
		assert.Equal(t, ResponseValidationFailed, resp.Status)
		assert.Equal(t, "payee_address", resp.Rejection.Field)
		assert.Equal(t, 0, f.messenger.SendCount())
	})

	t.Run("X402SignalEndToEnd", func(t *testing.T) {
		f := newEngineFixture(t, "confirm", time.Second)
		ten := MustAmount("10")

		resp, err := f.engine.SubmitPayment(ctx, &X402Signal{
			Description: "API credits",
			Accepts: []X402Offer{
				{Currency: "ETH", Network: "ETHEREUM"},
				{Currency: "USDC", Network: "POLYGON", Amount: &ten, Address: testPayee},
			},
		})
		require.NoError(t, err)
		require.Equal(t, ResponseReceipt, resp.Status)
		assert.Equal(t, SourceX402Signal, resp.Receipt.SourceKind)

		msgs := f.messenger.Messages()
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0].Text, "Item: API credits")
	})

	t.Run("BridgedEndToEnd", func(t *testing.T) {
		f := newEngineFixture(t, "yes", time.Second)

		resp, err := f.engine.SubmitPayment(ctx, &BridgedMerchantRequest{Amount: MustAmount("20"), MerchantName: "Amazon"})
		require.NoError(t, err)
		require.Equal(t, ResponseReceipt, resp.Status)
		assert.Equal(t, "order-1", resp.Receipt.Status.Success.MerchantConfirmationID)
		assert.Equal(t, "GIFT-1", resp.Receipt.PaymentMethodDetails["gift_code"])
		assert.Equal(t, 0, f.transferer.Calls())
	})

	t.Run("BridgedWithoutBridgeRejectedBeforeHandshake", func(t *testing.T) {
		messenger := NewScriptedMessenger("yes")
		engine, err := NewEngine(Config{
			Settlement: SettlementConfig{PayerAddress: testPayer},
			Messenger:  messenger,
			Transferer: NewMockTransferer(),
		})
		require.NoError(t, err)

		resp, err := engine.SubmitPayment(ctx, &BridgedMerchantRequest{Amount: MustAmount("20"), MerchantName: "Amazon"})
		require.NoError(t, err)
		assert.Equal(t, ResponseValidationFailed, resp.Status)
		assert.Equal(t, 0, messenger.SendCount())
	})

	t.Run("MissingPayerRejectedBeforeHandshake", func(t *testing.T) {
		messenger := NewScriptedMessenger("yes")
		transferer := NewMockTransferer()
		engine, err := NewEngine(Config{Messenger: messenger, Transferer: transferer})
		require.NoError(t, err)

		resp, err := engine.SubmitPayment(ctx, pizzaRequest("10.00"))
		require.NoError(t, err)
		require.Equal(t, ResponseValidationFailed, resp.Status)
		assert.Contains(t, resp.Rejection.Reason, "payer address")
		assert.Zero(t, messenger.SendCount())
		assert.Zero(t, transferer.Calls())
	})

	t.Run("ReplayReturnsStoredReceipt", func(t *testing.T) {
		f := newEngineFixture(t, "yes", time.Second)
		req := pizzaRequest("45.00")
		req.PaymentID = "order-1"

		first, err := f.engine.SubmitPayment(ctx, req)
		require.NoError(t, err)
		second, err := f.engine.SubmitPayment(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, first.Receipt.Status, second.Receipt.Status)
		assert.Equal(t, 1, f.messenger.SendCount(), "no second handshake")
		assert.Equal(t, 2, f.transferer.Calls())
		assert.Len(t, f.events.OfType(PaymentEventReplayed), 1)
	})

	t.Run("ReplayWithDifferentTermsRejected", func(t *testing.T) {
		f := newEngineFixture(t, "yes", time.Second)
		req := pizzaRequest("45.00")
		req.PaymentID = "order-2"
		_, err := f.engine.SubmitPayment(ctx, req)
		require.NoError(t, err)

		bigger := pizzaRequest("49.00")
		bigger.PaymentID = "order-2"
		resp, err := f.engine.SubmitPayment(ctx, bigger)
		require.NoError(t, err)
		require.Equal(t, ResponseValidationFailed, resp.Status)
		assert.Equal(t, "payment_id", resp.Rejection.Field)
		assert.Contains(t, resp.Rejection.Reason, "amount 49.00, stored 45.00")

		elsewhere := pizzaRequest("45.00")
		elsewhere.PaymentID = "order-2"
		elsewhere.PayeeAddress = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
		resp, err = f.engine.SubmitPayment(ctx, elsewhere)
		require.NoError(t, err)
		require.Equal(t, ResponseValidationFailed, resp.Status)
		assert.Contains(t, resp.Rejection.Reason, "payee")

		assert.Equal(t, 1, f.messenger.SendCount())
		assert.Equal(t, 2, f.transferer.Calls())
		assert.Empty(t, f.events.OfType(PaymentEventReplayed))
	})

	t.Run("ConcurrentSubmissionsShareOneFlight", func(t *testing.T) {
		f := newEngineFixture(t, "yes", time.Second)
		f.messenger.SetReplyDelay(30 * time.Millisecond)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := pizzaRequest("5")
				req.PaymentID = "shared"
				resp, err := f.engine.SubmitPayment(ctx, req)
				assert.NoError(t, err)
				assert.Equal(t, ResponseReceipt, resp.Status)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, f.messenger.SendCount())
		assert.Equal(t, 2, f.transferer.Calls())
		assert.Equal(t, 1, f.ledger.Len())
	})

	t.Run("CancellationNeverSettles", func(t *testing.T) {
		f := newEngineFixture(t, "", time.Minute)
		cctx, cancel := context.WithCancel(ctx)
		req := pizzaRequest("5")
		req.PaymentID = "cancel-me"

		go func() {
			waitPending(f.engine.Authorizer(), "cancel-me")
			cancel()
		}()

		resp, err := f.engine.SubmitPayment(cctx, req)
		assert.ErrorIs(t, err, ErrAuthorizationCancelled)
		assert.Nil(t, resp)
		assert.False(t, f.engine.DeliverReply("cancel-me", "yes"))
		assert.Equal(t, 0, f.transferer.Calls())
		assert.Equal(t, 0, f.ledger.Len())
	})

	t.Run("WebhookReplyApproves", func(t *testing.T) {
		f := newEngineFixture(t, "", time.Second)
		req := pizzaRequest("5")
		req.PaymentID = "hook"

		go func() {
			waitPending(f.engine.Authorizer(), "hook")
			f.engine.DeliverReply("hook", "YES")
		}()

		resp, err := f.engine.SubmitPayment(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, ResponseReceipt, resp.Status)
	})
}

func TestNewEngine(t *testing.T) {
	t.Run("RequiresMessenger", func(t *testing.T) {
		_, err := NewEngine(Config{Transferer: NewMockTransferer()})
		assert.Error(t, err)
	})

	t.Run("RequiresCollaborator", func(t *testing.T) {
		_, err := NewEngine(Config{Messenger: NewScriptedMessenger("")})
		assert.Error(t, err)
	})

	t.Run("RefusesLimitAboveCeiling", func(t *testing.T) {
		policy := DefaultPolicyConfig()
		policy.MaxTransactionLimit = MustAmount("100")
		_, err := NewEngine(Config{Messenger: NewScriptedMessenger(""), Transferer: NewMockTransferer(), Policy: policy})
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})

	t.Run("RefusesInvalidPayer", func(t *testing.T) {
		_, err := NewEngine(Config{
			Messenger:  NewScriptedMessenger(""),
			Transferer: NewMockTransferer(),
			Settlement: SettlementConfig{PayerAddress: "nope"},
		})
		assert.Error(t, err)
	})
}

func TestResponseJSON(t *testing.T) {
	t.Run("Receipt", func(t *testing.T) {
		r := successReceipt("p1", "abc123")
		out, err := json.Marshal(&Response{Status: ResponseReceipt, Receipt: &r})
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(out, &decoded))
		assert.Equal(t, "receipt", decoded["status"])
		details := decoded["details"].(map[string]any)
		assert.Equal(t, "p1", details["payment_id"])
		status := details["payment_status"].(map[string]any)
		assert.Equal(t, "abc123", status["success"].(map[string]any)["merchant_confirmation_id"])
		assert.Equal(t, "45.45", details["amount"].(map[string]any)["total_deduction"])
	})

	t.Run("Rejection", func(t *testing.T) {
		out, err := json.Marshal(Response{Status: ResponseLimitExceeded, Rejection: &Rejection{PaymentID: "p2", Reason: "too much"}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"limit_exceeded","details":{"payment_id":"p2","reason":"too much"}}`, string(out))
	})

	t.Run("AsReceipt", func(t *testing.T) {
		resp := &Response{Status: ResponseAuthorizationDenied, Rejection: &Rejection{PaymentID: "p3", Reason: "authorization denied"}}
		r := resp.AsReceipt()
		assert.Equal(t, "p3", r.PaymentID)
		require.Equal(t, StatusError, r.Status.Kind())
		assert.Equal(t, "authorization_denied: authorization denied", r.Status.Error.ErrorMessage)
	})
}
