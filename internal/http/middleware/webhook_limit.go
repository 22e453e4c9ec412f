package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// WebhookLimiter caps inbound webhook deliveries per client IP. formatted
// uses the limiter notation, e.g. "600-M" for 600 requests per minute.
// Store failures let the request through.
func WebhookLimiter(formatted string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	inst := limiter.New(memory.NewStore(), rate)

	return func(c *gin.Context) {
		lc, err := inst.Get(c.Request.Context(), "webhook:"+c.ClientIP())
		if err != nil {
			log.Warn().Err(err).Msg("webhook limiter unavailable")
			c.Next()
			return
		}
		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id": h.Get(requestIDHeader),
				"code":       "rate_limited",
				"message":    "webhook rate limit exceeded",
			})
			return
		}
		c.Next()
	}, nil
}
