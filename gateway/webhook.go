package gateway

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	moltpay "github.com/molt-pay/molt-pay-go"
)

// ReplyRouter hands a reply to the pending handshake for a payment id
// *moltpay.Engine satisfies it
type ReplyRouter interface {
	DeliverReply(paymentID, text string) bool
}

// ReplyRequest is the body of POST /v1/replies
type ReplyRequest struct {
	PaymentID string `json:"payment_id" binding:"required"`
	Text      string `json:"text"`
}

// ReplyResponse is returned by the webhook
type ReplyResponse struct {
	Status    string `json:"status"`
	PaymentID string `json:"payment_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Webhook statuses
const (
	ReplyDelivered    = "delivered"
	ReplyNotPending   = "no_pending_handshake"
	ReplyUnauthorized = "unauthorized"
	ReplyBadRequest   = "bad_request"
)

// Webhook receives principal replies from the messaging gateway
type Webhook struct {
	router ReplyRouter
	token  string
	logger *zap.SugaredLogger
}

// NewWebhook creates a webhook routing replies to router. An empty token
// disables the shared-secret check
func NewWebhook(router ReplyRouter, token string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{router: router, token: token, logger: logger.Sugar()}
}

// Register mounts the webhook routes on r
func (w *Webhook) Register(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/v1/replies", w.requireToken, w.handleReply)
}

// Handler returns a gin engine serving the webhook
func (w *Webhook) Handler() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	w.Register(engine)
	return engine
}

func (w *Webhook) requireToken(c *gin.Context) {
	if w.token == "" {
		c.Next()
		return
	}
	got := c.GetHeader(TokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(w.token)) != 1 {
		w.logger.Warnw("gateway_reply_unauthorized", "remote", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, ReplyResponse{Status: ReplyUnauthorized})
		return
	}
	c.Next()
}

func (w *Webhook) handleReply(c *gin.Context) {
	var req ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ReplyResponse{Status: ReplyBadRequest, Message: err.Error()})
		return
	}

	if !w.router.DeliverReply(req.PaymentID, req.Text) {
		w.logger.Infow("gateway_reply_ignored", "payment_id", req.PaymentID)
		c.JSON(http.StatusConflict, ReplyResponse{Status: ReplyNotPending, PaymentID: req.PaymentID})
		return
	}

	w.logger.Infow("gateway_reply_delivered", "payment_id", req.PaymentID)
	c.JSON(http.StatusAccepted, ReplyResponse{Status: ReplyDelivered, PaymentID: req.PaymentID})
}

var _ ReplyRouter = (*moltpay.Engine)(nil)
