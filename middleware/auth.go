package middleware

import (
	"errors"
	"net/http"

	"social-publisher/internal/auth"
	"social-publisher/utils"

	"github.com/gin-gonic/gin"
)

type AuthMiddleware struct {
	issuer *auth.Issuer
}

func NewAuthMiddleware(issuer *auth.Issuer) *AuthMiddleware {
	return &AuthMiddleware{issuer: issuer}
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		tokenString := utils.ExtractTokenFromHeader(c.GetHeader("Authorization"))
		if tokenString == "" {
			utils.RespondWithUnauthorized(c, "Authentication token is required")
			c.Abort()
			return
		}

		claims, err := a.issuer.Validate(c.Request.Context(), tokenString)
		if err != nil {
			code := "invalid_token"
			if errors.Is(err, auth.ErrRevokedToken) {
				code = "token_revoked"
			} else if !errors.Is(err, auth.ErrInvalidToken) {
				utils.RespondWithError(c, http.StatusServiceUnavailable, "auth_unavailable",
					"Could not verify token", nil)
				c.Abort()
				return
			}
			utils.RespondWithError(c, http.StatusUnauthorized, code, "Invalid or expired token", nil)
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("claims", claims)
		c.Next()
	})
}

func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get("user_id"); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}

func GetClaims(c *gin.Context) *auth.Claims {
	if v, exists := c.Get("claims"); exists {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}
