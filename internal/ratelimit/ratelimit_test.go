package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rpm, burst int) (*Limiter, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, IdleTTL: time.Minute})
	l.now = clk.now
	return l, clk
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(60, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "request %d", i)
	}
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestAllow_Refills(t *testing.T) {
	l, clk := newTestLimiter(60, 1)
	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))

	clk.advance(time.Second)
	assert.True(t, l.Allow("ip"))
}

func TestAllow_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(60, 1)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
}

func TestEvictIdle(t *testing.T) {
	l, clk := newTestLimiter(60, 1)
	l.Allow("a")
	clk.advance(30 * time.Second)
	l.Allow("b")
	clk.advance(45 * time.Second)

	l.evictIdle()
	assert.Equal(t, 1, l.Len())
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, DefaultConfig(), l.cfg)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(60, 2)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/balances", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/balances", nil))
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}
