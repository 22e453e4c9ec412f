// Order HTTP handlers.
//
//   - POST /orders               (place; opens or joins a tab)
//   - GET  /orders/{id}          (read with status history)
//   - POST /orders/{id}/status   (advance the lifecycle)
//   - POST /orders/{id}/cancel   (cancel)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tab-ledger/internal/domain"
	"github.com/tbourn/go-tab-ledger/internal/services"
)

// LineItemRequest is one item of a new order.
type LineItemRequest struct {
	SKU       string          `json:"sku"        example:"PNR-TIKKA"`
	Name      string          `json:"name"       example:"Paneer tikka"`
	Quantity  int             `json:"quantity"   example:"2"`
	UnitPrice decimal.Decimal `json:"unit_price" swaggertype:"string" example:"120.50"`
}

// PlaceOrderRequest is the JSON payload for placing an order. Dine-in
// orders name either the table or the tab token shared by the first diner.
type PlaceOrderRequest struct {
	BusinessID string            `json:"business_id" example:"biz-1"`
	Channel    string            `json:"channel"     example:"dine_in"`
	TableID    string            `json:"table_id"    example:"T4"`
	TabToken   string            `json:"tab_token"`
	Items      []LineItemRequest `json:"items"       binding:"required"`
}

// UpdateStatusRequest moves an order to Status.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required" example:"preparing"`
	Note   string `json:"note"`
}

// CancelOrderRequest carries an optional reason.
type CancelOrderRequest struct {
	Reason string `json:"reason" example:"changed my mind"`
}

// PlaceOrder godoc
// @ID          placeOrder
// @Summary     Place an order
// @Description Creates an order. A dine-in order joins the open tab of its table, or opens one and returns its access token.
// @Tags        Orders
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.PlaceOrderRequest  true  "Order"
// @Success     201   {object}  services.PlacedOrder
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse "Tab token not found"
// @Failure     409   {object}  handlers.ErrorResponse "Tab closed"
// @Router      /orders [post]
func (h *Handlers) PlaceOrder(c *gin.Context) {
	a, okActor := actor(c)
	if !okActor {
		return
	}
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	businessID := strings.TrimSpace(req.BusinessID)
	if businessID == "" {
		businessID = a.BusinessID
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.LineItem{SKU: it.SKU, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	placed, err := h.orders.Place(c.Request.Context(), services.PlaceOrderInput{
		BusinessID: businessID,
		Channel:    domain.OrderChannel(strings.TrimSpace(req.Channel)),
		TableID:    strings.TrimSpace(req.TableID),
		TabToken:   strings.TrimSpace(req.TabToken),
		Items:      items,
		Actor:      a,
	})
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusCreated, placed)
}

// GetOrder godoc
// @ID          getOrder
// @Summary     Get an order
// @Description Returns the order with its status history. Customers see only their own orders.
// @Tags        Orders
// @Produce     json
// @Param       id   path      string  true  "Order ID"  format(uuid)
// @Success     200  {object}  domain.Order
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /orders/{id} [get]
func (h *Handlers) GetOrder(c *gin.Context) {
	a, okActor := actor(c)
	if !okActor {
		return
	}
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromError(c, err)
		return
	}
	if a.Role == domain.RoleCustomer && o.CustomerID != a.ID {
		failFromError(c, services.ErrOrderNotFound)
		return
	}
	ok(c, http.StatusOK, o)
}

// UpdateOrderStatus godoc
// @ID          updateOrderStatus
// @Summary     Advance an order
// @Description Applies a lifecycle transition permitted for the caller's role.
// @Tags        Orders
// @Accept      json
// @Produce     json
// @Param       id    path      string                         true  "Order ID"  format(uuid)
// @Param       body  body      handlers.UpdateStatusRequest  true  "Target status"
// @Success     200   {object}  domain.Order
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     403   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Failure     409   {object}  handlers.ErrorResponse "invalid_transition or order_terminal"
// @Router      /orders/{id}/status [post]
func (h *Handlers) UpdateOrderStatus(c *gin.Context) {
	a, okActor := actor(c)
	if !okActor {
		return
	}
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status is required")
		return
	}
	o, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Status), a, req.Note)
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusOK, o)
}

// CancelOrder godoc
// @ID          cancelOrder
// @Summary     Cancel an order
// @Description Customers may cancel their own pending or confirmed orders; staff may cancel any non-terminal order.
// @Tags        Orders
// @Accept      json
// @Produce     json
// @Param       id    path      string                        true   "Order ID"  format(uuid)
// @Param       body  body      handlers.CancelOrderRequest  false  "Reason"
// @Success     200   {object}  domain.Order
// @Failure     403   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Failure     409   {object}  handlers.ErrorResponse
// @Router      /orders/{id}/cancel [post]
func (h *Handlers) CancelOrder(c *gin.Context) {
	a, okActor := actor(c)
	if !okActor {
		return
	}
	var req CancelOrderRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	o, err := h.orders.Cancel(c.Request.Context(), c.Param("id"), a, strings.TrimSpace(req.Reason))
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusOK, o)
}
