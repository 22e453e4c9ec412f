package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RedirectRequest asks the provider for a hosted checkout page.
type RedirectRequest struct {
	MerchantOrderID string
	Amount          int64 // minor units
	CallbackURL     string
}

// Redirect is the checkout target returned to the payer.
type Redirect struct {
	OrderID     string
	RedirectURL string
}

// PhonePeClient implements the token + redirect checkout flow. Access tokens
// are cached until shortly before they expire.
type PhonePeClient struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
	Now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewPhonePeClient returns a client with its own HTTP timeout.
func NewPhonePeClient(baseURL, clientID, clientSecret string, timeout time.Duration) *PhonePeClient {
	return &PhonePeClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTP:         &http.Client{Timeout: timeout},
		Now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // unix seconds
	TokenType   string `json:"token_type"`
}

// AccessToken returns a cached token or fetches a fresh one.
func (c *PhonePeClient) AccessToken(ctx context.Context) (string, error) {
	const op = "access_token"
	if c == nil || c.ClientID == "" || c.ClientSecret == "" {
		return "", &Error{Provider: "phonepe", Op: op, Err: ErrNotConfigured}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	if c.token != "" && now.Add(30*time.Second).Before(c.expiresAt) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Provider: "phonepe", Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", &Error{Provider: "phonepe", Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Provider: "phonepe", Op: op, StatusCode: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil || tr.AccessToken == "" {
		return "", &Error{Provider: "phonepe", Op: op, Err: errors.New("malformed token response")}
	}
	c.token = tr.AccessToken
	if tr.ExpiresAt > 0 {
		c.expiresAt = time.Unix(tr.ExpiresAt, 0)
	} else {
		c.expiresAt = now.Add(10 * time.Minute)
	}
	return c.token, nil
}

type payRequest struct {
	MerchantOrderID string      `json:"merchantOrderId"`
	Amount          int64       `json:"amount"`
	PaymentFlow     paymentFlow `json:"paymentFlow"`
}

type paymentFlow struct {
	Type         string       `json:"type"`
	MerchantURLs merchantURLs `json:"merchantUrls"`
}

type merchantURLs struct {
	RedirectURL string `json:"redirectUrl"`
}

type payResponse struct {
	OrderID     string `json:"orderId"`
	State       string `json:"state"`
	RedirectURL string `json:"redirectUrl"`
}

// CreatePayment submits a checkout request and returns the redirect target.
func (c *PhonePeClient) CreatePayment(ctx context.Context, r RedirectRequest) (*Redirect, error) {
	const op = "create_payment"
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payRequest{
		MerchantOrderID: r.MerchantOrderID,
		Amount:          r.Amount,
		PaymentFlow: paymentFlow{
			Type:         "PG_CHECKOUT",
			MerchantURLs: merchantURLs{RedirectURL: r.CallbackURL},
		},
	})
	if err != nil {
		return nil, &Error{Provider: "phonepe", Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/checkout/v2/pay", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: "phonepe", Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "O-Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Provider: "phonepe", Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Provider: "phonepe", Op: op, StatusCode: resp.StatusCode}
	}

	var pr payResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil || pr.RedirectURL == "" {
		return nil, &Error{Provider: "phonepe", Op: op, Err: errors.New("malformed payment response")}
	}
	return &Redirect{OrderID: pr.OrderID, RedirectURL: pr.RedirectURL}, nil
}
