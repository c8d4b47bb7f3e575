package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/pkg/jwt"
)

const principalKey = "principal"

// AuthMiddleware 校验 Bearer token 并把调用方写入上下文
func AuthMiddleware(tokens *jwt.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}

		claims, err := tokens.Parse(strings.TrimSpace(parts[1]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(principalKey, entity.Principal{UserID: claims.Subject, UserName: claims.UserName, Role: claims.Role})
		c.Next()
	}
}

func principal(c *gin.Context) entity.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(entity.Principal)
	return p
}

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64
	lastRefill time.Time
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimiter 按用户限流，防止终端恢复联网后的补发风暴压垮服务
type RateLimiter struct {
	qps     float64
	burst   float64
	buckets sync.Map // userID -> *tokenBucket
	now     func() time.Time
}

// NewRateLimiter qps<=0 时不限流
func NewRateLimiter(qps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{qps: qps, burst: float64(burst), now: time.Now}
}

func (rl *RateLimiter) bucket(userID string) *tokenBucket {
	if b, ok := rl.buckets.Load(userID); ok {
		return b.(*tokenBucket)
	}
	b := &tokenBucket{capacity: rl.burst, tokens: rl.burst, rate: rl.qps, lastRefill: rl.now()}
	actual, _ := rl.buckets.LoadOrStore(userID, b)
	return actual.(*tokenBucket)
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(userID string) bool {
	if rl == nil || rl.qps <= 0 {
		return true
	}
	return rl.bucket(userID).allow(rl.now())
}

// Cleanup 清理长时间未使用的桶
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	cutoff := rl.now().Add(-idle)
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*tokenBucket)
		b.mu.Lock()
		stale := b.lastRefill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// Middleware 需放在 AuthMiddleware 之后
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(principal(c).UserID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
