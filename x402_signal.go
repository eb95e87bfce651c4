package moltpay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client/transport"
)

// PaymentRequiredCode is the JSON-RPC error code MCP servers use to signal
// that a tool call requires payment
const PaymentRequiredCode = 402

// ParseX402Signal decodes a payment-required signal. It accepts the bare
// signal {description, accepts} and the JSON-RPC error envelope an MCP server
// returns with code 402, whose error.data carries the requirements
func ParseX402Signal(data []byte) (*X402Signal, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, invalidField("", "empty x402 signal")
	}

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, invalidField("", fmt.Sprintf("malformed x402 signal: %v", err))
	}

	if envelope.JSONRPC != "" || (len(envelope.Error) > 0 && envelope.Error[0] == '{') {
		return parseJSONRPCSignal(data)
	}

	var signal X402Signal
	if err := json.Unmarshal(data, &signal); err != nil {
		return nil, invalidField("", fmt.Sprintf("malformed x402 signal: %v", err))
	}
	return &signal, nil
}

func parseJSONRPCSignal(data []byte) (*X402Signal, error) {
	var resp transport.JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, invalidField("error", fmt.Sprintf("malformed JSON-RPC response: %v", err))
	}
	if resp.Error == nil {
		return nil, invalidField("error", "missing error object")
	}
	if resp.Error.Code != PaymentRequiredCode {
		return nil, invalidField("error.code", fmt.Sprintf("expected %d, got %d", PaymentRequiredCode, resp.Error.Code))
	}

	raw, err := json.Marshal(resp.Error.Data)
	if err != nil {
		return nil, invalidField("error.data", err.Error())
	}

	var requirements struct {
		X402Version int         `json:"x402Version"`
		Error       string      `json:"error"`
		Description string      `json:"description"`
		PaymentID   string      `json:"payment_id"`
		Accepts     []X402Offer `json:"accepts"`
	}
	if err := json.Unmarshal(raw, &requirements); err != nil {
		return nil, invalidField("error.data", fmt.Sprintf("malformed payment requirements: %v", err))
	}

	return &X402Signal{
		RequestMeta: RequestMeta{PaymentID: requirements.PaymentID},
		X402Version: requirements.X402Version,
		Description: requirements.Description,
		Accepts:     requirements.Accepts,
	}, nil
}

// DecodeRawIntent decodes a JSON payload into the inbound shape named by kind
func DecodeRawIntent(kind SourceKind, payload []byte) (RawIntent, error) {
	var target RawIntent
	switch kind {
	case SourceDirectRequest:
		target = &DirectRequest{}
	case SourceX402Signal:
		signal, err := ParseX402Signal(payload)
		if err != nil {
			return nil, err
		}
		return signal, nil
	case SourceBridgedMerchant:
		target = &BridgedMerchantRequest{}
	default:
		return nil, invalidField("source_kind", fmt.Sprintf("unknown source kind %q", kind))
	}

	if err := json.Unmarshal(payload, target); err != nil {
		return nil, invalidField("", fmt.Sprintf("malformed %s payload: %v", kind, err))
	}
	return target, nil
}
