package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"

	moltpay "github.com/molt-pay/molt-pay-go"
)

func (s *PaymentServer) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(ToolPayMerchant,
			mcp.WithDescription("Pay a wallet address in USDC after the human principal confirms"),
			mcp.WithString("amount", mcp.Required(), mcp.Description("Amount in USDC, at most two decimals, e.g. \"45.00\"")),
			mcp.WithString("address", mcp.Required(), mcp.Description("Payee wallet address (0x...)")),
			mcp.WithString("memo", mcp.Required(), mcp.Description("What is being paid for; shown to the principal")),
			mcp.WithString("payment_id", mcp.Description("Idempotency key; resubmitting returns the stored receipt")),
		),
		s.handlePayMerchant,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolPayX402,
			mcp.WithDescription("Pay an x402 payment-required signal (bare body or JSON-RPC 402 error)"),
			mcp.WithString("signal", mcp.Required(), mcp.Description("The 402 signal as JSON text")),
			mcp.WithString("payment_id", mcp.Description("Idempotency key; overrides the signal's payment_id")),
		),
		s.handlePayX402,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolBuyRealWorldCredit,
			mcp.WithDescription("Buy credit at a merchant that does not accept stablecoins, through the gift-card bridge"),
			mcp.WithString("amount", mcp.Required(), mcp.Description("Credit amount in USDC")),
			mcp.WithString("merchant", mcp.Required(), mcp.Description("Merchant name, e.g. \"Uber Eats\"")),
			mcp.WithString("payment_id", mcp.Description("Idempotency key")),
		),
		s.handleBuyCredit,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolGetReceipt,
			mcp.WithDescription("Look up the receipt recorded for a payment id"),
			mcp.WithString("payment_id", mcp.Required(), mcp.Description("Payment id")),
		),
		s.handleGetReceipt,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolListReceipts,
			mcp.WithDescription("List recent receipts, newest first"),
			mcp.WithNumber("limit", mcp.Description("Maximum receipts to return (default 20)")),
		),
		s.handleListReceipts,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolSpendMetrics,
			mcp.WithDescription("Settled totals and fees for this process"),
		),
		s.handleSpendMetrics,
	)
}

func (s *PaymentServer) handlePayMerchant(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	amount, err := amountArg(args, "amount")
	if err != nil {
		return validationResult(request.GetString("payment_id", ""), "amount", err)
	}

	return s.submit(ctx, &moltpay.DirectRequest{
		RequestMeta:  moltpay.RequestMeta{PaymentID: request.GetString("payment_id", "")},
		Amount:       amount,
		PayeeAddress: request.GetString("address", ""),
		Memo:         request.GetString("memo", ""),
	})
}

func (s *PaymentServer) handlePayX402(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paymentID := request.GetString("payment_id", "")

	var data []byte
	switch v := request.GetArguments()["signal"].(type) {
	case string:
		data = []byte(v)
	case nil:
		return validationResult(paymentID, "signal", errors.New("signal is required"))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return validationResult(paymentID, "signal", err)
		}
		data = raw
	}

	signal, err := moltpay.ParseX402Signal(data)
	if err != nil {
		return validationResult(paymentID, "signal", err)
	}
	if paymentID != "" {
		signal.PaymentID = paymentID
	}
	return s.submit(ctx, signal)
}

func (s *PaymentServer) handleBuyCredit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount, err := amountArg(request.GetArguments(), "amount")
	if err != nil {
		return validationResult(request.GetString("payment_id", ""), "amount", err)
	}

	return s.submit(ctx, &moltpay.BridgedMerchantRequest{
		RequestMeta:  moltpay.RequestMeta{PaymentID: request.GetString("payment_id", "")},
		Amount:       amount,
		MerchantName: request.GetString("merchant", ""),
	})
}

func (s *PaymentServer) handleGetReceipt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("payment_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	receipt, err := s.engine.Receipt(ctx, id)
	if errors.Is(err, moltpay.ErrReceiptNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("no receipt for payment %s", id)), nil
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(receipt)
}

func (s *PaymentServer) handleListReceipts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(request.GetFloat("limit", 20))
	receipts, err := s.engine.Receipts(ctx, limit)
	if err != nil {
		return nil, err
	}
	return jsonResult(receipts)
}

func (s *PaymentServer) handleSpendMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.Metrics())
}

func (s *PaymentServer) submit(ctx context.Context, raw moltpay.RawIntent) (*mcp.CallToolResult, error) {
	resp, err := s.engine.SubmitPayment(ctx, raw)
	if err != nil {
		return nil, err
	}
	return jsonResult(resp)
}

func validationResult(paymentID, field string, cause error) (*mcp.CallToolResult, error) {
	return jsonResult(&moltpay.Response{
		Status: moltpay.ResponseValidationFailed,
		Rejection: &moltpay.Rejection{
			PaymentID: paymentID,
			Reason:    cause.Error(),
			Field:     field,
		},
	})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// amountArg accepts a decimal string or a JSON number
func amountArg(args map[string]any, key string) (moltpay.Amount, error) {
	switch v := args[key].(type) {
	case string:
		return moltpay.ParseAmount(v)
	case float64:
		return moltpay.NewAmount(decimal.NewFromFloat(v)), nil
	case json.Number:
		return moltpay.ParseAmount(v.String())
	case nil:
		return moltpay.Amount{}, fmt.Errorf("%s is required", key)
	default:
		return moltpay.Amount{}, fmt.Errorf("%s must be a decimal string", key)
	}
}
