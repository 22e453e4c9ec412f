package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tab-ledger/internal/domain"
)

// ListFailedEventsResponse is a page of captured payment events.
type ListFailedEventsResponse struct {
	Events     []domain.FailedEvent `json:"events"`
	Pagination Pagination           `json:"pagination"`
}

// ListFailedEvents godoc
// @ID          listFailedEvents
// @Summary     List captured payment events
// @Description Returns failed events, newest first, optionally filtered by status.
// @Tags        FailedEvents
// @Produce     json
// @Param       status     query     string  false  "pending, processing, resolved or dead_letter"
// @Param       page       query     int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query     int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListFailedEventsResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Router      /failed-events [get]
func (h *Handlers) ListFailedEvents(c *gin.Context) {
	if _, okActor := privileged(c); !okActor {
		return
	}
	page, size := clampPagination(c)
	items, total, err := h.failed.List(c.Request.Context(), strings.TrimSpace(c.Query("status")), page, size)
	if err != nil {
		failFromError(c, err)
		return
	}
	if items == nil {
		items = []domain.FailedEvent{}
	}
	ok(c, http.StatusOK, ListFailedEventsResponse{Events: items, Pagination: newPagination(page, size, total)})
}

// RetryFailedEvent godoc
// @ID          retryFailedEvent
// @Summary     Retry a captured payment event
// @Description Claims the event and applies it again. Each failed attempt spends one unit of the retry budget; an exhausted budget dead-letters the event.
// @Tags        FailedEvents
// @Produce     json
// @Param       id   path      string  true  "Failed event ID"  format(uuid)
// @Success     200  {object}  domain.FailedEvent
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse "dead_letter, retry_in_progress or already_resolved"
// @Router      /failed-events/{id}/retry [post]
func (h *Handlers) RetryFailedEvent(c *gin.Context) {
	a, okActor := privileged(c)
	if !okActor {
		return
	}
	fe, err := h.failed.Retry(c.Request.Context(), c.Param("id"), a)
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusOK, fe)
}
