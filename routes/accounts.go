package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"social-publisher/internal/vault"
	"social-publisher/middleware"
	"social-publisher/utils"
)

type AccountService interface {
	Connect(ctx context.Context, userID string, creds vault.Credentials) error
	Disconnect(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*vault.AccountStatus, error)
}

// ConnectAccountRequest carries the result of the platform OAuth flow,
// completed by the client application.
type ConnectAccountRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is in seconds; zero means unknown.
	ExpiresIn int64  `json:"expires_in" binding:"min=0"`
	Username  string `json:"username"`
}

func SetupAccountRoutes(api *gin.RouterGroup, accounts AccountService) {
	group := api.Group("/accounts")
	group.POST("/connect", HandleConnectAccount(accounts))
	group.DELETE("", HandleDisconnectAccount(accounts))
	group.GET("/status", HandleAccountStatus(accounts))
}

func HandleConnectAccount(accounts AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ConnectAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request body", gin.H{"error": err.Error()})
			return
		}

		creds := vault.Credentials{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			Username:     req.Username,
		}
		if req.ExpiresIn > 0 {
			exp := time.Now().UTC().Add(time.Duration(req.ExpiresIn) * time.Second)
			creds.ExpiresAt = &exp
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()
		if err := accounts.Connect(ctx, middleware.GetUserID(c), creds); err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"connected": true})
	}
}

func HandleDisconnectAccount(accounts AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()
		if err := accounts.Disconnect(ctx, middleware.GetUserID(c)); err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func HandleAccountStatus(accounts AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithLongTimeout(c.Request.Context())
		defer cancel()
		status, err := accounts.Status(ctx, middleware.GetUserID(c))
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
