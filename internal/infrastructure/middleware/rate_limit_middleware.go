package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"ringmesh/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const limiterIdleEviction = 10 * time.Minute

// clientLimiters hands out one token bucket per remote address and evicts
// buckets that sat idle, so a churn of one-shot clients cannot grow the
// map without bound.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	limit   rate.Limit
	burst   int
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		clients: make(map[string]*clientEntry),
		limit:   limit,
		burst:   burst,
	}
}

func (l *clientLimiters) get(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.clients[addr]
	if !ok {
		for key, e := range l.clients {
			if now.Sub(e.lastSeen) > limiterIdleEviction {
				delete(l.clients, key)
			}
		}
		entry = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[addr] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// remoteAddr prefers the first X-Forwarded-For hop, falling back to the
// socket address.
func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware throttles the REST surface per client address,
// with an optional cap on requests in flight across all clients.
func NewHTTPRateLimitMiddleware(cfg *config.Config, logger *zap.SugaredLogger) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	limiters := newClientLimiters(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)

	var inFlight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				logger.Warnw("concurrent request cap reached",
					"path", c.Request.URL.Path,
				)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		addr := remoteAddr(c.Request)
		if !limiters.get(addr).Allow() {
			logger.Warnw("request rate limit exceeded",
				"client", addr,
				"path", c.Request.URL.Path,
			)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
