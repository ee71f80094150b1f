package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cardtrader/cardtrader-api/internal/auth"
	"github.com/cardtrader/cardtrader-api/internal/types"
	"github.com/cardtrader/cardtrader-api/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits configures requests per minute for each route group
type Limits struct {
	AuthPerMinute     int
	OrdersPerMinute   int
	ListingsPerMinute int
}

// DefaultLimits mirrors the limits the API ships with
func DefaultLimits() Limits {
	return Limits{
		AuthPerMinute:     10,
		OrdersPerMinute:   100,
		ListingsPerMinute: 1000,
	}
}

// RateLimiter throttles requests per client and route group
type RateLimiter struct {
	limits      Limits
	visitors    map[string]*visitor
	mu          sync.Mutex
	lastCleanup time.Time
}

func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits:      limits,
		visitors:    make(map[string]*visitor),
		lastCleanup: time.Now(),
	}
}

// group maps a route onto its rate limit group and that group's limit.
// Routes outside the limited groups return an empty name.
func (rl *RateLimiter) group(path string) (string, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return "auth", rl.limits.AuthPerMinute
	case strings.HasPrefix(path, "/api/v1/orders"):
		return "orders", rl.limits.OrdersPerMinute
	case strings.HasPrefix(path, "/api/v1/listings"):
		return "listings", rl.limits.ListingsPerMinute
	}
	return "", 0
}

func (rl *RateLimiter) getLimiter(group string, perMinute int, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > time.Minute {
		rl.cleanupVisitors(now)
	}

	key := clientID + ":" + group
	v, exists := rl.visitors[key]
	if !exists {
		// A full minute of requests may arrive in a burst
		v = &visitor{
			limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		}
		rl.visitors[key] = v
	}

	v.lastSeen = now
	return v.limiter
}

// cleanupVisitors drops limiters idle for more than three minutes. Caller holds mu.
func (rl *RateLimiter) cleanupVisitors(now time.Time) {
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > 3*time.Minute {
			delete(rl.visitors, key)
		}
	}
	rl.lastCleanup = now
}

// Handler returns the gin middleware enforcing the limits. Authenticated
// callers are keyed by user id, so it must run after JWTAuth or
// OptionalAuth; anonymous callers are keyed by client IP.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		group, perMinute := rl.group(c.FullPath())
		if group == "" || perMinute <= 0 {
			c.Next()
			return
		}

		clientID := auth.GetPrincipal(c).UserID
		if clientID == "" {
			clientID = "ip:" + c.ClientIP()
		}

		limiter := rl.getLimiter(group, perMinute, clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth rejects requests without a valid bearer token and stores the
// caller's principal on the context
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		principal, err := authService.VerifyToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		auth.SetPrincipal(c, principal)
		c.Next()
	}
}

// OptionalAuth resolves the caller when a valid token is present and lets
// anonymous requests through otherwise
func OptionalAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, ok := bearerToken(c); ok {
			if principal, err := authService.VerifyToken(tokenString); err == nil {
				auth.SetPrincipal(c, principal)
			}
		}
		c.Next()
	}
}

// RequireRole allows only callers holding one of roles. Must run after JWTAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.GetPrincipal(c)
		for _, role := range roles {
			if principal.Role == role {
				c.Next()
				return
			}
		}

		response.Forbidden(c, "Insufficient permissions")
		c.Abort()
	}
}

// RequireAdmin is RequireRole for the admin role
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(types.RoleAdmin)
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequestLogger logs each request through zerolog once it has been served
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_id", auth.GetPrincipal(c).UserID).
			Msg("request")
	}
}
