// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. It never logs
// bodies. Query strings and header values are scrubbed of e-mail addresses,
// phone numbers and UUIDs; credential headers, the webhook signature header
// and tab access tokens are masked entirely.
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxQueryLogLength = 2048

// RedactOptions lists extra headers and query parameters to mask. Matching
// is case-insensitive.
type RedactOptions struct {
	MaskHeaders []string
	MaskParams  []string
}

var (
	// UUIDs go first so the phone pattern cannot eat their digit groups.
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func lowerSet(base []string, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				out[v] = struct{}{}
			}
		}
	}
	return out
}

// RedactingLogger attaches a request-scoped logger and writes one access
// log line per request: info for 2xx/3xx, warn for 4xx, error for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := lowerSet([]string{"authorization", "cookie", "set-cookie"}, opts.MaskHeaders)
	maskParams := lowerSet([]string{"token", "tab_token", "access_token"}, opts.MaskParams)

	scrubQuery := func(raw string) string {
		if raw == "" {
			return ""
		}
		q, err := url.ParseQuery(raw)
		if err != nil {
			return redact(truncate(raw, maxQueryLogLength))
		}
		for k := range q {
			if _, ok := maskParams[strings.ToLower(k)]; ok {
				q[k] = []string{"[REDACTED]"}
			}
		}
		return redact(truncate(q.Encode(), maxQueryLogLength))
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rid := c.Writer.Header().Get(requestIDHeader)
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}

		scoped := log.With().Str("request_id", rid).Str("method", c.Request.Method).Str("path", path).Logger()
		c.Set(loggerKey, &scoped)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = redact(strings.Join(vv, ", "))
		}
		query := scrubQuery(c.Request.URL.RawQuery)

		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("request_id", rid).
			Str("actor_id", actorIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
