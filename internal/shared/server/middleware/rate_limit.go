package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"docsteps-backend/internal/shared/server/respond"
)

// Bucket is a token bucket shape: Rate tokens per second, up to Burst.
type Bucket struct {
	Rate  float64
	Burst int
}

// Limits maps route classes to buckets. Requests classed into a name that has
// no bucket are not limited.
type Limits struct {
	Buckets map[string]Bucket
	// Classify names the route class of a request; "" falls back to Fallback.
	Classify func(*gin.Context) string
	Fallback string
	// Subject identifies who is limited; defaults to the client IP.
	Subject func(*gin.Context) string
	Limiter *RateLimiter
}

// RateLimiter holds one rate.Limiter per subject and class.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{buckets: map[string]*rate.Limiter{}, now: now}
}

// RateLimit rejects requests over their bucket with 429 and a Retry-After header.
func RateLimit(l Limits) gin.HandlerFunc {
	if l.Limiter == nil {
		l.Limiter = NewRateLimiter(nil)
	}
	if l.Subject == nil {
		l.Subject = func(c *gin.Context) string { return c.ClientIP() }
	}
	return func(c *gin.Context) {
		class := l.Fallback
		if l.Classify != nil {
			if name := strings.TrimSpace(l.Classify(c)); name != "" {
				class = name
			}
		}
		bucket, ok := l.Buckets[class]
		if !ok {
			c.Next()
			return
		}
		wait := l.Limiter.Take(class+"|"+l.Subject(c), bucket)
		if wait == 0 {
			c.Next()
			return
		}
		secs := int((wait + time.Second - 1) / time.Second)
		c.Header("Retry-After", strconv.Itoa(secs))
		respond.Error(c, http.StatusTooManyRequests, "rate_limited", "too many requests", gin.H{
			"class":          class,
			"retry_after_ms": wait.Milliseconds(),
		})
		c.Abort()
	}
}

// Take consumes a token for key and returns 0, or returns how long until a
// token is available without consuming one.
func (l *RateLimiter) Take(key string, b Bucket) time.Duration {
	if l == nil || b.Rate <= 0 || b.Burst <= 0 {
		return 0
	}
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(b.Rate), b.Burst)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	now := l.now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return time.Second
	}
	wait := res.DelayFrom(now)
	if wait <= 0 {
		return 0
	}
	res.CancelAt(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
