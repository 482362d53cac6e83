// Package gateway is the bidirectional event transport between each
// browser session and the room coordinator: websocket upgrade, auth,
// origin checking, and the per-session read/write pump goroutines.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/watchparty/server/internal/v1/auth"
	"github.com/watchparty/server/internal/v1/coordinator"
	"github.com/watchparty/server/internal/v1/logging"
	"github.com/watchparty/server/internal/v1/metrics"
	"github.com/watchparty/server/internal/v1/ratelimit"
	"go.uber.org/zap"
)

// TokenValidator is satisfied by *auth.Validator and *auth.MockValidator.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Gateway upgrades HTTP requests to websockets and wires each connection to
// the Coordinator.
type Gateway struct {
	coord          *coordinator.Coordinator
	validator      TokenValidator
	allowedOrigins []string
	upgrader       websocket.Upgrader
	rateLimiter    *ratelimit.RateLimiter
}

// New constructs a Gateway. allowedOrigins is the CORS/websocket-origin
// allow-list (matches ALLOWED_ORIGINS config). rateLimiter may be nil, in
// which case connections are never rejected for rate (used by tests).
func New(coord *coordinator.Coordinator, validator TokenValidator, allowedOrigins []string, rateLimiter *ratelimit.RateLimiter) *Gateway {
	g := &Gateway{
		coord:          coord,
		validator:      validator,
		allowedOrigins: allowedOrigins,
		rateLimiter:    rateLimiter,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients (CLI tools, tests) send no Origin header
	}
	if len(g.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.allowedOrigins {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}
	return false
}

// ServeWS is the gin handler for GET /ws. It authenticates the connection,
// upgrades it, registers the resulting session with the Coordinator, and
// starts the read/write pumps.
func (g *Gateway) ServeWS(c *gin.Context) {
	if g.rateLimiter != nil && !g.rateLimiter.CheckWebSocket(c) {
		return // CheckWebSocket already wrote the 429 response
	}

	token := extractToken(c.Request)

	var displayName string
	var userID string
	if g.validator != nil {
		claims, err := g.validator.ValidateToken(token)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		displayName = resolveDisplayName(c, claims)
		userID = claims.Subject
	} else {
		displayName = c.Query("username")
		if displayName == "" {
			displayName = "Guest"
		}
	}

	if g.rateLimiter != nil && userID != "" {
		if err := g.rateLimiter.CheckWebSocketUser(c.Request.Context(), userID); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(uuid.NewString(), displayName, conn, g.coord)
	g.coord.Connect(sess, displayName)
	metrics.IncConnection()

	go sess.writePump()
	go sess.readPump()
}

// extractToken reads a bearer token, preferring the Sec-WebSocket-Protocol
// header (the browser WebSocket API cannot set arbitrary headers, but can
// set subprotocols) and falling back to a `token` query parameter.
func extractToken(r *http.Request) string {
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return r.URL.Query().Get("token")
}

// resolveDisplayName follows the priority order: explicit `username` query
// param, then JWT name claim, then the local part of the email claim, then
// the subject.
func resolveDisplayName(c *gin.Context, claims *auth.CustomClaims) string {
	if u := c.Query("username"); u != "" {
		return u
	}
	if claims.Name != "" {
		return claims.Name
	}
	if claims.Email != "" {
		if at := strings.Index(claims.Email, "@"); at > 0 {
			return claims.Email[:at]
		}
		return claims.Email
	}
	return claims.Subject
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 8192
	outboxSize = 256
)
