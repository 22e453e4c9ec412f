// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the calling actor. With a signing secret configured,
// callers present an HS256 bearer token whose claims carry the actor id,
// role and business. Without one (local development and tests) the actor is
// taken from the X-Actor-ID, X-Actor-Role and X-Business-ID headers.
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"github.com/tbourn/go-tab-ledger/internal/domain"
)

// Header names used when no signing secret is configured.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorRole  = "X-Actor-Role"
	HeaderBusinessID = "X-Business-ID"
)

const (
	ctxKeyActor   = "actor"
	ctxKeyActorID = "actorID"
)

// ActorClaims is the JWT payload understood by Authenticate.
type ActorClaims struct {
	Role       string `json:"role"`
	BusinessID string `json:"business_id,omitempty"`
	jwt.RegisteredClaims
}

var errBadToken = errors.New("invalid token")

// IssueToken signs a token for actor that expires after ttl.
func IssueToken(secret string, actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &ActorClaims{
		Role:       string(actor.Role),
		BusinessID: actor.BusinessID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates tokenStr and returns the actor it names.
func ParseToken(secret, tokenStr string) (domain.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ActorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errBadToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Actor{}, err
	}
	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return domain.Actor{}, errBadToken
	}
	role, ok := domain.ParseActorRole(claims.Role)
	if !ok || role == domain.RoleSystem {
		return domain.Actor{}, errBadToken
	}
	return domain.Actor{ID: claims.Subject, Role: role, BusinessID: claims.BusinessID}, nil
}

// Authenticate resolves the actor and stores it in the Gin context. Requests
// without a valid identity are rejected with 401.
func Authenticate(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			actor domain.Actor
			err   error
		)
		if secret != "" {
			raw := strings.TrimSpace(c.GetHeader("Authorization"))
			tok, found := strings.CutPrefix(raw, "Bearer ")
			if !found || tok == "" {
				unauthorized(c, "bearer token required")
				return
			}
			actor, err = ParseToken(secret, tok)
		} else {
			actor, err = actorFromHeaders(c)
		}
		if err != nil {
			unauthorized(c, "invalid credentials")
			return
		}
		c.Set(ctxKeyActor, actor)
		c.Set(ctxKeyActorID, actor.ID)
		c.Next()
	}
}

func actorFromHeaders(c *gin.Context) (domain.Actor, error) {
	id := strings.TrimSpace(c.GetHeader(HeaderActorID))
	if id == "" {
		return domain.Actor{}, errBadToken
	}
	role := domain.RoleCustomer
	if h := strings.TrimSpace(c.GetHeader(HeaderActorRole)); h != "" {
		r, ok := domain.ParseActorRole(strings.ToLower(h))
		if !ok || r == domain.RoleSystem {
			return domain.Actor{}, errBadToken
		}
		role = r
	}
	return domain.Actor{ID: id, Role: role, BusinessID: strings.TrimSpace(c.GetHeader(HeaderBusinessID))}, nil
}

// ActorFrom returns the actor stored by Authenticate.
func ActorFrom(c *gin.Context) (domain.Actor, bool) {
	v, ok := c.Get(ctxKeyActor)
	if !ok {
		return domain.Actor{}, false
	}
	a, ok := v.(domain.Actor)
	return a, ok && a.ID != ""
}

// actorIDFrom returns the actor id or "" before authentication ran.
func actorIDFrom(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyActorID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="ledger"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "unauthorized",
		"message":    msg,
	})
}
