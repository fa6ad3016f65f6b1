package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"social-publisher/internal/auth"
	"social-publisher/middleware"
	"social-publisher/utils"
)

func SetupAuthRoutes(api *gin.RouterGroup, issuer *auth.Issuer) {
	api.POST("/auth/revoke", HandleRevokeToken(issuer))
}

// HandleRevokeToken revokes the bearer token used for the request.
func HandleRevokeToken(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := middleware.GetClaims(c)
		if claims == nil {
			utils.RespondWithUnauthorized(c, "Authentication token is required")
			return
		}
		if err := issuer.Revoke(c.Request.Context(), claims); err != nil {
			utils.RespondWithInternalError(c, "Failed to revoke token", nil)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
