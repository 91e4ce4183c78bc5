// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/blake2b"

	"ruleout-go/pkg/log"
	"ruleout-go/pkg/token"
)

const (
	claimsKey  = "claims"
	userIDKey  = "userID"
	guestIDKey = "guestID"

	// GuestHeader 是前端为访客生成的设备标识请求头。
	GuestHeader = "X-Guest-Id"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// token 有效时将 claims 与用户 id 存入 Gin 的上下文中，否则中止请求。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含有效的授权头", "data": nil})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}

		c.Set(claimsKey, claims)
		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}

// OptionalAuth 不强制登录：token 有效时设置用户 id，否则按访客处理。
// WebSocket 握手无法携带自定义头时，可以通过 ?token= 传入。
func OptionalAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			tokenString = c.Query("token")
		}
		if tokenString != "" {
			claims, err := jwtManager.VerifyToken(tokenString)
			if err == nil {
				c.Set(claimsKey, claims)
				c.Set(userIDKey, claims.UserID)
			} else {
				log.Warnf("忽略无效的 token，按访客处理: %v", err)
			}
		}
		c.Set(guestIDKey, GuestID(c.GetHeader(GuestHeader), c.ClientIP()))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	const bearerPrefix = "Bearer "
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	return tok, tok != ""
}

// GuestID 由设备标识（缺省时用客户端 IP）派生稳定且不可逆的访客 id。
func GuestID(deviceID, clientIP string) string {
	seed := strings.TrimSpace(deviceID)
	if seed == "" {
		seed = "ip:" + clientIP
	}
	sum := blake2b.Sum256([]byte(seed))
	return "guest-" + hex.EncodeToString(sum[:16])
}

// UserID 返回已认证用户的 id，访客返回空字符串。
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// GuestIDFrom 返回 OptionalAuth 写入的访客 id。
func GuestIDFrom(c *gin.Context) string {
	if id := c.GetString(guestIDKey); id != "" {
		return id
	}
	return GuestID(c.GetHeader(GuestHeader), c.ClientIP())
}
