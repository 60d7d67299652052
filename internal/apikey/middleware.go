package apikey

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const ctxAPIKey = "mandate_api_key"

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RequireKey returns a Gin middleware that enforces a valid X-API-Key header
// and the key tier's per-minute rate limit. Stale limiter entries are cleaned
// every 5 minutes.
//
// On success it injects the *APIKey into the context under the
// "mandate_api_key" key.
func RequireKey(svc *Service) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*keyLimiter)

	// Background cleanup goroutine.
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
		presented := c.GetHeader("X-API-Key")
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "X-API-Key header required",
			})
			return
		}

		key, err := svc.Verify(c.Request.Context(), presented)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid api key"
			if errors.Is(err, ErrKeyRevoked) {
				msg = "api key revoked"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		perMinute := RequestsPerMinute(key.Tier)
		mu.Lock()
		l, ok := limiters[key.ID.String()]
		if !ok {
			l = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute/10)}
			limiters[key.ID.String()] = l
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

		c.Set(ctxAPIKey, key)
		c.Next()
	}
}

// KeyFromCtx retrieves the API key injected by RequireKey.
func KeyFromCtx(c *gin.Context) *APIKey {
	v, _ := c.Get(ctxAPIKey)
	key, _ := v.(*APIKey)
	return key
}
