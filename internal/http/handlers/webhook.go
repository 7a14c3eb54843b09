package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ovpnhub/accessd/internal/payment"
	"github.com/ovpnhub/accessd/internal/pool"
)

// maxWebhookBodyBytes bounds accepted webhook payloads.
const maxWebhookBodyBytes = 1 << 20

// Webhook event names sent by the payment provider.
const (
	eventPaymentSucceeded = "payment.succeeded"
	eventPaymentRejected  = "payment.rejected"
)

// WebhookHandler receives asynchronous payment provider callbacks.
type WebhookHandler struct {
	payments *payment.Service
	secret   string
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(payments *payment.Service, secret string) *WebhookHandler {
	return &WebhookHandler{payments: payments, secret: strings.TrimSpace(secret)}
}

// webhookPayload mirrors the provider callback envelope.
type webhookPayload struct {
	Event  string `json:"event"`
	Object struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// Handle processes one provider callback. Duplicate confirmations are
// acknowledged without side effects so provider retries converge.
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if !h.verifySignature(body, c.GetHeader("X-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var payload webhookPayload
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	intentID := strings.TrimSpace(payload.Object.ID)
	if intentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing intent id"})
		return
	}

	switch payload.Event {
	case eventPaymentSucceeded:
		h.confirm(c, intentID, payload.Object.Metadata)
	case eventPaymentRejected:
		if errReject := h.payments.OnProviderRejection(c.Request.Context(), intentID); errReject != nil {
			if errors.Is(errReject, payment.ErrIntentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown intent"})
				return
			}
			log.WithError(errReject).Errorf("webhook: rejection failed (intent=%s)", intentID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rejection failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	default:
		// Unknown events are acknowledged so the provider stops retrying.
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": payload.Event})
	}
}

func (h *WebhookHandler) confirm(c *gin.Context, intentID string, metadata map[string]string) {
	payerID := parsePayerID(metadata)
	errConfirm := h.payments.OnProviderConfirmation(c.Request.Context(), intentID, payerID)
	switch {
	case errConfirm == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(errConfirm, payment.ErrIntentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown intent"})
	case errors.Is(errConfirm, payment.ErrPayerMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "payer mismatch"})
	case errors.Is(errConfirm, pool.ErrExhausted):
		// The operator alert already fired; acknowledge so the provider does
		// not retry into the same empty bucket.
		c.JSON(http.StatusOK, gin.H{"ok": true, "pending": "no_inventory"})
	default:
		log.WithError(errConfirm).Errorf("webhook: confirmation failed (intent=%s)", intentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "confirmation failed"})
	}
}

// verifySignature checks the hex HMAC-SHA256 of the body against the header.
func (h *WebhookHandler) verifySignature(body []byte, header string) bool {
	if h.secret == "" {
		// No secret configured; accept unsigned callbacks (dev setups).
		return true
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}

func parsePayerID(metadata map[string]string) uint64 {
	if metadata == nil {
		return 0
	}
	raw := strings.TrimSpace(metadata["user_id"])
	if raw == "" {
		return 0
	}
	parsed, errParse := strconv.ParseUint(raw, 10, 64)
	if errParse != nil {
		return 0
	}
	return parsed
}
