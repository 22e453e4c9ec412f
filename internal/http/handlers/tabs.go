// Tab HTTP handlers.
//
//   - GET  /tabs/{id}                  (read; weak ETag, read-through cache)
//   - POST /tabs/{id}/recompute        (staff)
//   - POST /tabs/{id}/verify           (staff)
//   - POST /tabs/{id}/settle           (Idempotency-Key)
//   - POST /tabs/{id}/unlock           (staff)
//   - POST /tabs/{id}/counter/confirm  (staff)
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tab-ledger/internal/cache"
	"github.com/tbourn/go-tab-ledger/internal/http/middleware"
	"github.com/tbourn/go-tab-ledger/internal/services"
)

// SettleTabRequest starts a settlement. ExpectedAmount is the amount shown
// to the payer; the server bills the recomputed amount and flags any
// difference.
type SettleTabRequest struct {
	Method         string           `json:"method" binding:"required" example:"online"`
	ExpectedAmount *decimal.Decimal `json:"expected_amount,omitempty" swaggertype:"string" example:"540.00"`
}

// GetTab godoc
// @ID          getTab
// @Summary     Get a tab
// @Description Returns the tab with its stored totals. Supports If-None-Match and may return 304.
// @Tags        Tabs
// @Produce     json
// @Param       id             path    string  true   "Tab ID"  format(uuid)
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  domain.Tab
// @Header      200  {string}  ETag  "Weak ETag of the tab"
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /tabs/{id} [get]
func (h *Handlers) GetTab(c *gin.Context) {
	if _, okActor := actor(c); !okActor {
		return
	}
	ctx := c.Request.Context()
	tabID := c.Param("id")

	etag, err := h.tabs.ETag(ctx, tabID)
	if err != nil {
		failFromError(c, err)
		return
	}
	c.Header("ETag", etag)
	c.Header("Cache-Control", "private, no-cache")
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	key := cache.TabKey(tabID)
	if body, err := h.cache.Get(ctx, key); err == nil {
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
		return
	} else if !errors.Is(err, cache.ErrMiss) {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("tab cache read failed")
	}

	tab, err := h.tabs.Get(ctx, tabID)
	if err != nil {
		failFromError(c, err)
		return
	}
	body, err := json.Marshal(tab)
	if err != nil {
		failFromError(c, err)
		return
	}
	if err := h.cache.Set(ctx, key, body); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("tab cache write failed")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// RecomputeTab godoc
// @ID          recomputeTab
// @Summary     Recompute tab totals
// @Description Re-derives total, paid and pending amounts from the tab's orders and stores them.
// @Tags        Tabs
// @Produce     json
// @Param       id   path      string  true  "Tab ID"  format(uuid)
// @Success     200  {object}  services.Totals
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     422  {object}  handlers.ErrorResponse "integrity_violation"
// @Router      /tabs/{id}/recompute [post]
func (h *Handlers) RecomputeTab(c *gin.Context) {
	if _, okActor := privileged(c); !okActor {
		return
	}
	totals, err := h.tabs.Recompute(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusOK, totals)
}

// VerifyTab godoc
// @ID          verifyTab
// @Summary     Verify tab integrity
// @Description Compares stored totals with a fresh derivation, corrects drift and reports stuck payment locks.
// @Tags        Tabs
// @Produce     json
// @Param       id   path      string  true  "Tab ID"  format(uuid)
// @Success     200  {object}  services.IntegrityReport
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /tabs/{id}/verify [post]
func (h *Handlers) VerifyTab(c *gin.Context) {
	if _, okActor := privileged(c); !okActor {
		return
	}
	rep, err := h.tabs.VerifyIntegrity(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusOK, rep)
}

// SettleTab godoc
// @ID          settleTab
// @Summary     Settle a tab
// @Description Locks the tab and starts collection through the chosen channel. A repeated Idempotency-Key returns the stored response.
// @Tags        Tabs
// @Accept      json
// @Produce     json
// @Param       id               path    string                     true   "Tab ID"  format(uuid)
// @Param       Idempotency-Key  header  string                     false  "Client key for safe retries"
// @Param       body             body    handlers.SettleTabRequest  true   "Settlement"
// @Success     200  {object}  services.SettlementResult
// @Failure     400  {object}  handlers.ErrorResponse "unsupported_method"
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse "payment_in_progress, nothing_to_collect or tab_closed"
// @Failure     422  {object}  handlers.ErrorResponse "integrity_violation"
// @Failure     502  {object}  handlers.ErrorResponse "gateway_error"
// @Router      /tabs/{id}/settle [post]
func (h *Handlers) SettleTab(c *gin.Context) {
	a, okActor := actor(c)
	if !okActor {
		return
	}
	ctx := c.Request.Context()
	tabID := c.Param("id")
	key, hasKey := middleware.GetIdempotencyKey(c)
	hasKey = hasKey && h.idem != nil

	if hasKey {
		if rec, err := h.idem.Lookup(ctx, a.ID, tabID, key, time.Now().UTC()); err == nil {
			c.Header("Idempotent-Replay", "true")
			c.Data(rec.Status, "application/json; charset=utf-8", rec.Response)
			return
		}
	}

	var req SettleTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "method is required")
		return
	}
	res, err := h.settle.Settle(ctx, services.SettleRequest{
		TabID:          tabID,
		Method:         strings.TrimSpace(req.Method),
		ExpectedAmount: req.ExpectedAmount,
		Actor:          a,
	})
	if err != nil {
		failFromError(c, err)
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		failFromError(c, err)
		return
	}
	if hasKey {
		if err := h.idem.Save(ctx, a.ID, tabID, key, http.StatusOK, body); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Str("tab_id", tabID).Msg("idempotency record not stored")
		}
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// UnlockTab godoc
// @ID          unlockTab
// @Summary     Release a payment lock
// @Description Returns a locked tab to active, for abandoned or stuck settlements. Unlocking an unlocked tab is a no-op.
// @Tags        Tabs
// @Param       id   path  string  true  "Tab ID"  format(uuid)
// @Success     204  {string}  string  "No Content"
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /tabs/{id}/unlock [post]
func (h *Handlers) UnlockTab(c *gin.Context) {
	a, okActor := privileged(c)
	if !okActor {
		return
	}
	tabID := c.Param("id")
	if err := h.locks.Unlock(c.Request.Context(), tabID); err != nil {
		failFromError(c, err)
		return
	}
	middleware.LoggerFrom(c).Info().Str("tab_id", tabID).Str("actor_id", a.ID).Msg("payment lock released manually")
	noContent(c)
}

// ConfirmCounter godoc
// @ID          confirmCounter
// @Summary     Confirm a counter payment
// @Description Marks every pay_at_counter order of the tab as paid and releases the lock.
// @Tags        Tabs
// @Produce     json
// @Param       id   path      string  true  "Tab ID"  format(uuid)
// @Success     200  {object}  services.Totals
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse "no_counter_settlement"
// @Router      /tabs/{id}/counter/confirm [post]
func (h *Handlers) ConfirmCounter(c *gin.Context) {
	a, okActor := actor(c)
	if !okActor {
		return
	}
	totals, err := h.settle.ConfirmCounter(c.Request.Context(), c.Param("id"), a)
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusOK, totals)
}
