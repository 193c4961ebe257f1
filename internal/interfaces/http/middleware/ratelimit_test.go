package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

// limitedRouter mounts the given limiter middleware in front of a
// trivial handler on both GET and POST.
func limitedRouter(mw gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(mw)
	handle := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) }
	router.GET("/resource", handle)
	router.POST("/resource", handle)
	return router
}

func hit(router *gin.Engine, method string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/resource", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := NewRateLimiter(5, time.Minute)
		for i := 0; i < 5; i++ {
			assert.True(t, limiter.Allow("client1"), "request %d should be allowed", i+1)
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		limiter := NewRateLimiter(3, time.Minute)
		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow("client2"))
		}
		assert.False(t, limiter.Allow("client2"))
	})

	t.Run("separate limits per client", func(t *testing.T) {
		limiter := NewRateLimiter(2, time.Minute)

		assert.True(t, limiter.Allow("clientA"))
		assert.True(t, limiter.Allow("clientA"))
		assert.False(t, limiter.Allow("clientA"))

		assert.True(t, limiter.Allow("clientB"))
		assert.True(t, limiter.Allow("clientB"))
	})

	t.Run("resets after window", func(t *testing.T) {
		limiter := NewRateLimiter(2, 50*time.Millisecond)

		assert.True(t, limiter.Allow("client3"))
		assert.True(t, limiter.Allow("client3"))
		assert.False(t, limiter.Allow("client3"))

		time.Sleep(60 * time.Millisecond)

		assert.True(t, limiter.Allow("client3"))
	})

	t.Run("remaining tracks window usage", func(t *testing.T) {
		limiter := NewRateLimiter(5, time.Minute)

		assert.Equal(t, 5, limiter.Remaining("newclient"))
		limiter.Allow("newclient")
		limiter.Allow("newclient")
		assert.Equal(t, 3, limiter.Remaining("newclient"))
	})

	t.Run("concurrent access is safe", func(t *testing.T) {
		limiter := NewRateLimiter(100, time.Minute)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < 150; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if limiter.Allow("concurrent-client") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 100, allowed)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("allows within limit then returns 429", func(t *testing.T) {
		router := limitedRouter(RateLimit(NewRateLimiter(3, time.Minute)))

		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, hit(router, http.MethodGet, nil).Code)
		}

		w := hit(router, http.MethodGet, nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "ERR_RATE_LIMITED")
	})

	t.Run("scopes the key by org header", func(t *testing.T) {
		router := limitedRouter(RateLimit(NewRateLimiter(1, time.Minute)))

		assert.Equal(t, http.StatusOK, hit(router, http.MethodGet, map[string]string{"X-Org-ID": "org1"}).Code)
		assert.Equal(t, http.StatusTooManyRequests, hit(router, http.MethodGet, map[string]string{"X-Org-ID": "org1"}).Code)

		// Same IP under another org gets its own bucket.
		assert.Equal(t, http.StatusOK, hit(router, http.MethodGet, map[string]string{"X-Org-ID": "org2"}).Code)
	})
}

func TestRateLimitByKey(t *testing.T) {
	keyFunc := func(c *gin.Context) string { return c.GetHeader("X-User-ID") }
	router := limitedRouter(RateLimitByKey(NewRateLimiter(1, time.Minute), keyFunc))

	assert.Equal(t, http.StatusOK, hit(router, http.MethodGet, map[string]string{"X-User-ID": "user1"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(router, http.MethodGet, map[string]string{"X-User-ID": "user1"}).Code)
	assert.Equal(t, http.StatusOK, hit(router, http.MethodGet, map[string]string{"X-User-ID": "user2"}).Code)
}

func TestUsageRateLimit(t *testing.T) {
	t.Run("allows within limit then blocks with usage error", func(t *testing.T) {
		router := limitedRouter(UsageRateLimit(NewRateLimiter(3, time.Minute)))

		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, hit(router, http.MethodPost, nil).Code, "request %d should be allowed", i+1)
		}

		w := hit(router, http.MethodPost, nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "ERR_USAGE_RATE_LIMITED")
		assert.Contains(t, w.Body.String(), "Too many usage reports")
	})

	t.Run("sets rate limit headers", func(t *testing.T) {
		router := limitedRouter(UsageRateLimit(NewRateLimiter(5, time.Minute)))

		w := hit(router, http.MethodPost, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("sets Retry-After when blocked", func(t *testing.T) {
		router := limitedRouter(UsageRateLimit(NewRateLimiter(1, time.Minute)))

		hit(router, http.MethodPost, nil)
		w := hit(router, http.MethodPost, nil)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
	})

	t.Run("prefers org ID over IP in key", func(t *testing.T) {
		router := gin.New()
		router.Use(func(c *gin.Context) {
			c.Set(AuthOrgIDKey, c.GetHeader("X-Test-Org"))
		})
		router.Use(UsageRateLimit(NewRateLimiter(1, time.Minute)))
		router.POST("/resource", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) })

		// Same IP, different orgs: each org gets its own bucket.
		assert.Equal(t, http.StatusOK, hit(router, http.MethodPost, map[string]string{"X-Test-Org": "org-a"}).Code)
		assert.Equal(t, http.StatusOK, hit(router, http.MethodPost, map[string]string{"X-Test-Org": "org-b"}).Code)
		assert.Equal(t, http.StatusTooManyRequests, hit(router, http.MethodPost, map[string]string{"X-Test-Org": "org-a"}).Code)
	})

	t.Run("usage prefix isolates state from the global limiter", func(t *testing.T) {
		shared := NewRateLimiter(2, time.Minute)

		router := gin.New()
		usage := router.Group("/", UsageRateLimit(shared))
		usage.POST("/resource", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) })
		global := router.Group("/", RateLimit(shared))
		global.GET("/data", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"data": "rows"}) })

		// Exhaust the usage-prefixed buckets.
		hit(router, http.MethodPost, nil)
		hit(router, http.MethodPost, nil)
		assert.Equal(t, http.StatusTooManyRequests, hit(router, http.MethodPost, nil).Code)

		// The per-IP bucket of the global limiter is untouched.
		req := httptest.NewRequest(http.MethodGet, "/data", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
