package routes

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"social-publisher/internal/engagement"
	"social-publisher/internal/store"
	"social-publisher/middleware"
	"social-publisher/models"
	"social-publisher/utils"
)

type EngagementRefresher interface {
	RefreshOne(ctx context.Context, userID, platformID string) (*models.EngagementRecord, error)
	RefreshMany(ctx context.Context, userID string, platformIDs []string) []engagement.RefreshResult
	RefreshAll(ctx context.Context, userID string) ([]engagement.RefreshResult, error)
}

// RefreshRequest selects what to refresh: one id, a list, or everything
// the caller owns when both are empty.
type RefreshRequest struct {
	PlatformID  string   `json:"platform_id"`
	PlatformIDs []string `json:"platform_ids" binding:"max=100"`
}

func SetupEngagementRoutes(api *gin.RouterGroup, records store.EngagementStore, refresher EngagementRefresher) {
	group := api.Group("/engagement")
	group.GET("", HandleListEngagement(records))
	group.GET("/:platformId", HandleGetEngagement(records))
	group.POST("/refresh", HandleRefreshEngagement(refresher))
}

func HandleListEngagement(records store.EngagementStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		activeOnly := c.Query("active") == "true"
		list, err := records.ListEngagement(ctx, middleware.GetUserID(c), activeOnly)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		if list == nil {
			list = []*models.EngagementRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"records": list})
	}
}

func HandleGetEngagement(records store.EngagementStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		rec, err := records.GetEngagement(ctx, c.Param("platformId"))
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		if rec.OwnerID != middleware.GetUserID(c) {
			utils.RespondWithNotFound(c, "Engagement record not found")
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func HandleRefreshEngagement(refresher EngagementRefresher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RefreshRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				utils.RespondWithBadRequest(c, "Invalid request body", gin.H{"error": err.Error()})
				return
			}
		}

		ctx, cancel := utils.WithLongTimeout(c.Request.Context())
		defer cancel()
		userID := middleware.GetUserID(c)

		switch {
		case req.PlatformID != "":
			rec, err := refresher.RefreshOne(ctx, userID, req.PlatformID)
			if err != nil {
				utils.RespondWithAppError(c, err)
				return
			}
			c.JSON(http.StatusOK, rec)
		case len(req.PlatformIDs) > 0:
			c.JSON(http.StatusOK, gin.H{"results": refresher.RefreshMany(ctx, userID, req.PlatformIDs)})
		default:
			results, err := refresher.RefreshAll(ctx, userID)
			if err != nil {
				utils.RespondWithAppError(c, err)
				return
			}
			if results == nil {
				results = []engagement.RefreshResult{}
			}
			c.JSON(http.StatusOK, gin.H{"results": results})
		}
	}
}
