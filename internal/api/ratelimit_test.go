package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mandatefi/mandate/internal/api"
)

func newLimitedRouter(rps, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(api.RateLimiter(rps, burst))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func ping(router *gin.Engine, apiKey string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_burstThenRefused(t *testing.T) {
	router := newLimitedRouter(1, 3)

	for i := 0; i < 3; i++ {
		if code := ping(router, ""); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, code)
		}
	}
	if code := ping(router, ""); code != http.StatusTooManyRequests {
		t.Errorf("over-burst status = %d, want 429", code)
	}
}

func TestRateLimiter_keyedClientsGetSeparateBuckets(t *testing.T) {
	router := newLimitedRouter(1, 2)

	// Two agents on the same source IP, distinguished only by API key.
	for i := 0; i < 2; i++ {
		if code := ping(router, "mnd_agentone0001rest"); code != http.StatusOK {
			t.Fatalf("first key request %d: status = %d, want 200", i+1, code)
		}
	}
	if code := ping(router, "mnd_agentone0001rest"); code != http.StatusTooManyRequests {
		t.Errorf("exhausted key status = %d, want 429", code)
	}
	if code := ping(router, "mnd_agenttwo0002rest"); code != http.StatusOK {
		t.Errorf("second key status = %d, want 200 from its own bucket", code)
	}
}
