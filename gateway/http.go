package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	moltpay "github.com/molt-pay/molt-pay-go"
)

// TokenHeader carries the shared gateway secret on both directions
const TokenHeader = "X-Gateway-Token"

// OutboundRequest is the body posted to the messaging gateway
type OutboundRequest struct {
	PaymentID string `json:"payment_id"`
	Text      string `json:"text"`
}

// OutboundResponse is the gateway's acknowledgement
type OutboundResponse struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// HTTPMessenger delivers handshake messages to an HTTP messaging gateway
// Replies come back through the webhook
type HTTPMessenger struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPMessenger creates a messenger posting to baseURL/v1/messages
func NewHTTPMessenger(baseURL, token string, timeout time.Duration) *HTTPMessenger {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPMessenger{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send implements moltpay.Messenger
func (m *HTTPMessenger) Send(ctx context.Context, msg moltpay.OutboundMessage) (moltpay.DeliveryAck, error) {
	body, err := json.Marshal(OutboundRequest{PaymentID: msg.PaymentID, Text: msg.Text})
	if err != nil {
		return moltpay.DeliveryAck{}, fmt.Errorf("marshal outbound message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return moltpay.DeliveryAck{}, fmt.Errorf("create outbound request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		httpReq.Header.Set(TokenHeader, m.token)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return moltpay.DeliveryAck{}, fmt.Errorf("outbound request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return moltpay.DeliveryAck{}, fmt.Errorf("outbound failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var out OutboundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return moltpay.DeliveryAck{}, fmt.Errorf("decode outbound response: %w", err)
	}
	if out.DeliveredAt.IsZero() {
		out.DeliveredAt = time.Now()
	}

	return moltpay.DeliveryAck{MessageID: out.MessageID, DeliveredAt: out.DeliveredAt}, nil
}
