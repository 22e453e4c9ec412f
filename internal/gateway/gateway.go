// Package gateway contains the outbound clients for the payment providers
// and the inbound webhook signature check.
//
// Clients are plain structs built once at startup and injected into the
// settlement channels; there is no package-level client. Errors returned by
// the clients are *Error values whose message carries the provider, the
// operation and the HTTP status only. Response bodies, credentials and
// tokens never end up in an error string.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured is returned by a client whose credentials are missing.
var ErrNotConfigured = errors.New("gateway: client not configured")

// Error describes a failed provider call.
type Error struct {
	Provider   string
	Op         string
	StatusCode int   // 0 when no response was received
	Err        error // transport or decode failure, never the response body
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("gateway %s %s: unexpected status %d", e.Provider, e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s %s: %s", e.Provider, e.Op, sanitize(e.Err))
	default:
		return fmt.Sprintf("gateway %s %s failed", e.Provider, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// sanitize keeps only the first line of err and drops any URL query, which
// may carry credentials on some providers.
func sanitize(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if i := strings.IndexByte(msg, '?'); i >= 0 {
		if j := strings.IndexAny(msg[i:], " \""); j >= 0 {
			msg = msg[:i] + msg[i+j:]
		} else {
			msg = msg[:i]
		}
	}
	return msg
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of body
// under secret. An empty secret or signature never verifies.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
