package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// OrderRequest is the payload for creating a remote payment order.
// Amount is expressed in minor currency units.
type OrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Order is the provider's view of a created order.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// RazorpayClient creates orders on a Razorpay-compatible API using basic
// auth with the key id and secret.
type RazorpayClient struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	HTTP      *http.Client
}

// NewRazorpayClient returns a client with its own HTTP timeout.
func NewRazorpayClient(baseURL, keyID, keySecret string, timeout time.Duration) *RazorpayClient {
	return &RazorpayClient{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		KeyID:     keyID,
		KeySecret: keySecret,
		HTTP:      &http.Client{Timeout: timeout},
	}
}

// CreateOrder registers a payment order and returns the provider's id.
func (c *RazorpayClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	const op = "create_order"
	if c == nil || c.KeyID == "" || c.KeySecret == "" {
		return nil, &Error{Provider: "razorpay", Op: op, Err: ErrNotConfigured}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Provider: "razorpay", Op: op, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: "razorpay", Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.KeyID, c.KeySecret)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: "razorpay", Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Provider: "razorpay", Op: op, StatusCode: resp.StatusCode}
	}
	var out Order
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Provider: "razorpay", Op: op, Err: errors.New("malformed response")}
	}
	if out.ID == "" {
		return nil, &Error{Provider: "razorpay", Op: op, Err: errors.New("response missing order id")}
	}
	return &out, nil
}
