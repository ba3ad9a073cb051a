package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

// ErrMissingAuthHeader 表示请求缺少 Authorization 头
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// Auth 返回一个 Gin 中间件，用于验证 JWT token。
// 验证通过后把 user_id 写入 Gin 上下文供后续 handler 使用。
func Auth(jwtSecret string) gin.HandlerFunc {
	if jwtSecret == "" {
		panic("JWT secret cannot be empty for Auth middleware")
	}

	return func(c *gin.Context) {
		// 1. 从请求头提取 Token
		tokenStr, err := extractToken(c)
		if err != nil {
			if errors.Is(err, ErrMissingAuthHeader) {
				logrus.Warn("Auth middleware: Missing Authorization header")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			} else {
				logrus.WithError(err).Warn("Auth middleware: Malformed token format")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			}
			c.Abort()
			return
		}

		// 2. 验证签名与有效期
		claims, err := validateToken(tokenStr, jwtSecret)
		if err != nil {
			logCtx := logrus.WithError(err)
			logCtx.Warn("Auth middleware: Invalid token")
			var validationError *jwt.ValidationError
			if errors.As(err, &validationError) && validationError.Errors&jwt.ValidationErrorExpired != 0 {
				logCtx.Warn("Reason: Token is expired")
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		// 3. 提取 user_id。JWT 中的数字默认解码为 float64，需安全转换
		userIDClaim, ok := claims["user_id"]
		if !ok {
			logrus.Error("Auth middleware: 'user_id' claim missing in token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Token processing error: missing user_id"})
			c.Abort()
			return
		}
		userIDFloat, ok := userIDClaim.(float64)
		if !ok || userIDFloat <= 0 || userIDFloat != float64(uint(userIDFloat)) {
			logrus.Errorf("Auth middleware: 'user_id' claim is not a valid positive integer: %v", userIDClaim)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Token processing error: invalid user_id"})
			c.Abort()
			return
		}

		userID := uint(userIDFloat)
		c.Set("user_id", userID)
		logrus.WithField("user_id", userID).Debug("Auth middleware: User authenticated via JWT")
		c.Next()
	}
}

// extractToken 从 Authorization 头读取 Bearer Token
func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}

// validateToken 解析并验证 JWT token 字符串
func validateToken(tokenStr string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token or claims type")
}
