package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyPrefixLen matches the printable prefix api_keys are stored under, long
// enough that buckets do not collide across principals.
const keyPrefixLen = 12

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a Gin middleware enforcing token-bucket rate limiting
// ahead of authentication. Requests presenting an X-API-Key are bucketed by
// the key's prefix, so agents behind a shared NAT draw on their own budgets;
// anonymous requests fall back to the client IP. rps is the steady-state
// requests per second, burst the maximum burst. Stale buckets are swept
// every 5 minutes.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*clientLimiter)

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			mu.Lock()
			for id, l := range limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(limiters, id)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		id := c.ClientIP()
		if key := c.GetHeader("X-API-Key"); len(key) >= keyPrefixLen {
			id = key[:keyPrefixLen]
		}

		mu.Lock()
		l, ok := limiters[id]
		if !ok {
			l = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[id] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
