package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	moltpay "github.com/molt-pay/molt-pay-go"
)

// Tool names
const (
	ToolPayMerchant        = "pay_merchant"
	ToolPayX402            = "pay_x402"
	ToolBuyRealWorldCredit = "buy_real_world_credit"
	ToolGetReceipt         = "get_receipt"
	ToolListReceipts       = "list_receipts"
	ToolSpendMetrics       = "spend_metrics"
)

// PaymentServer exposes a payment engine to agents as MCP tools
type PaymentServer struct {
	mcpServer *server.MCPServer
	engine    *moltpay.Engine
	logger    *zap.SugaredLogger
}

// NewPaymentServer creates an MCP server with the payment tools registered
func NewPaymentServer(name, version string, engine *moltpay.Engine, logger *zap.Logger) *PaymentServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	mcpServer := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithToolHandlerMiddleware(newLoggingMiddleware(sugar)),
	)

	s := &PaymentServer{
		mcpServer: mcpServer,
		engine:    engine,
		logger:    sugar,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server
func (s *PaymentServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over stdin and stdout until the client disconnects
func (s *PaymentServer) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Handler returns the streamable HTTP handler
func (s *PaymentServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// Start serves streamable HTTP on addr until ctx is done
func (s *PaymentServer) Start(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("mcp_http_listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
