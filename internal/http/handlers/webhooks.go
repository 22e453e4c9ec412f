package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tab-ledger/internal/http/middleware"
)

// PaymentWebhook godoc
// @ID          paymentWebhook
// @Summary     Receive a payment event
// @Description Authenticates the raw body against the signature header and applies the event once. Every processed delivery is answered 200 with its outcome: applied, already_processed, rejected or captured.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       X-Signature  header  string  true  "Hex HMAC-SHA256 of the raw body"
// @Success     200  {object}  services.ApplyResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     401  {object}  handlers.ErrorResponse "invalid_signature"
// @Failure     429  {object}  handlers.ErrorResponse
// @Router      /webhooks/payments [post]
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxEventLen+1))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	if int64(len(body)) > h.maxEventLen {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "event too large")
		return
	}

	res, err := h.events.Ingest(c.Request.Context(), body, c.GetHeader(h.sigHeader))
	if err != nil {
		// 4xx for bad signatures and malformed events; the provider
		// redelivers on 5xx.
		failFromError(c, err)
		return
	}
	lg := middleware.LoggerFrom(c)
	lg.Info().
		Str("payment_id", res.PaymentID).
		Str("outcome", string(res.Outcome)).
		Str("reason", res.Reason).
		Msg("payment event processed")
	ok(c, http.StatusOK, res)
}
