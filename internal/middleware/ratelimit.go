package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RateLimit 返回一个基于客户端 IP 的速率限制中间件。
// 计数器存放在 Redis 中，INCR 与 EXPIRE 通过 Pipeline 一起提交。
func RateLimit(redisClient *redis.Client, maxRequests int, window time.Duration) gin.HandlerFunc {
	if redisClient == nil {
		panic("Redis client cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		// 反向代理场景下 ClientIP 依赖正确的 X-Forwarded-For 配置
		key := "ratelimit:" + c.ClientIP()

		pipe := redisClient.Pipeline()
		incrCmd := pipe.Incr(c.Request.Context(), key)
		pipe.Expire(c.Request.Context(), key, window)
		if _, err := pipe.Exec(c.Request.Context()); err != nil {
			logrus.WithError(err).Error("RateLimit: Redis pipeline failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limiting error"})
			c.Abort()
			return
		}

		count, err := incrCmd.Result()
		if err != nil {
			logrus.WithError(err).Error("RateLimit: Failed to read INCR result")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limiting error"})
			c.Abort()
			return
		}

		if count > int64(maxRequests) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}

		c.Next()
	}
}
