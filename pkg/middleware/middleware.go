package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-executor/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits are requests per minute per client and path group
type Limits struct {
	Control int // start, stop, tick, config writes, operator actions
	Read    int // status, config, adapters, transactions
}

// DefaultLimits keeps a polling dashboard and a human operator comfortable
var DefaultLimits = Limits{Control: 30, Read: 600}

// RateLimiter throttles the control API per client ip
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   Limits
	now      func() time.Time
}

func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits:   limits,
		now:      time.Now,
	}
}

// limitFor returns the rate and burst for a route; the burst is a tenth of
// the minute's budget
func (rl *RateLimiter) limitFor(method, path string) (rate.Limit, int) {
	perMinute := rl.limits.Read
	if method != "GET" {
		perMinute = rl.limits.Control
	}
	if perMinute <= 0 || !strings.HasPrefix(path, "/api/v1") {
		return rate.Inf, 1
	}
	return rate.Limit(float64(perMinute) / 60.0), perMinute/10 + 1
}

func (rl *RateLimiter) getLimiter(method, path, clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientIP + ":" + method + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, burst := rl.limitFor(method, path)
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = rl.now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than idle
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

// Run cleans up idle visitors every minute until stop is closed
func (rl *RateLimiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Cleanup(3 * time.Minute)
		}
	}
}

// Handler rejects requests over the limit with 429
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.Request.Method, c.FullPath(), c.ClientIP())
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request through zerolog
func RequestLogger() gin.HandlerFunc {
	logger := log.With().Str("component", "api").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case c.Request.Method == "GET":
			event = logger.Debug()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
