package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/redis/go-redis/v9"
)

// RateLimiter counts requests per business (or client IP when the request
// carries none) in fixed windows stored in redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (rl *RateLimiter) key(c *gin.Context) string {
	if id, ok := utils.GetBusinessIdFromContext(c.Request.Context()); ok && id != "" {
		return "ratelimit:business:" + id
	}
	return "ratelimit:ip:" + c.ClientIP()
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.client == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := rl.key(c)
		count, err := rl.client.Incr(ctx, key).Result()
		if err != nil {
			// redis trouble must not take the API down
			_ = c.Error(err)
			c.Next()
			return
		}
		if count == 1 {
			rl.client.Expire(ctx, key, rl.window)
		}
		if count > rl.limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
