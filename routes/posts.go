package routes

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"social-publisher/internal/scheduler"
	"social-publisher/internal/store"
	"social-publisher/middleware"
	"social-publisher/models"
	"social-publisher/utils"
)

type PostScheduler interface {
	Schedule(ctx context.Context, post *models.Post) error
	Reschedule(ctx context.Context, post *models.Post) error
	Cancel(ctx context.Context, postID string) error
	Delete(ctx context.Context, postID string) error
}

type CreatePostRequest struct {
	LocalID     string           `json:"local_id"`
	Content     string           `json:"content" binding:"required"`
	Title       string           `json:"title"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
	MediaURLs   []string         `json:"media_urls" binding:"max=4"`
	Location    *models.Location `json:"location"`
	// Draft stores the post without queueing it.
	Draft bool `json:"draft"`
}

type ReschedulePostRequest struct {
	ScheduledAt *time.Time       `json:"scheduled_at"`
	Content     *string          `json:"content"`
	MediaURLs   []string         `json:"media_urls" binding:"max=4"`
	Location    *models.Location `json:"location"`
}

func SetupPostRoutes(api *gin.RouterGroup, posts store.PostStore, sched PostScheduler) {
	group := api.Group("/posts")
	group.POST("", HandleCreatePost(posts, sched))
	group.GET("/:id", HandleGetPost(posts))
	group.PUT("/:id/schedule", HandleReschedulePost(posts, sched))
	group.DELETE("/:id/schedule", HandleCancelPost(posts, sched))
	group.DELETE("/:id", HandleDeletePost(posts, sched))
}

func HandleCreatePost(posts store.PostStore, sched PostScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreatePostRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request body", gin.H{"error": err.Error()})
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			utils.RespondWithBadRequest(c, "Content must not be empty", nil)
			return
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		now := time.Now().UTC()
		post := &models.Post{
			ID:          uuid.NewString(),
			LocalID:     req.LocalID,
			OwnerID:     middleware.GetUserID(c),
			Content:     req.Content,
			Title:       req.Title,
			ScheduledAt: req.ScheduledAt,
			Status:      models.PostStatusDraft,
			MediaURLs:   req.MediaURLs,
			Location:    req.Location,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if post.LocalID == "" {
			post.LocalID = uuid.NewString()
		}

		if err := posts.CreatePost(ctx, post); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				utils.RespondWithError(c, http.StatusConflict, "duplicate_post",
					"A post with this local_id already exists", nil)
				return
			}
			utils.RespondWithAppError(c, err)
			return
		}

		if !req.Draft {
			if err := sched.Schedule(ctx, post); err != nil {
				utils.RespondWithAppError(c, err)
				return
			}
		}

		c.JSON(http.StatusCreated, post)
	}
}

func HandleGetPost(posts store.PostStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		post, ok := loadOwnedPost(c, ctx, posts)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, post)
	}
}

func HandleReschedulePost(posts store.PostStore, sched PostScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReschedulePostRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request body", gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		post, ok := loadOwnedPost(c, ctx, posts)
		if !ok {
			return
		}

		post.ScheduledAt = req.ScheduledAt
		if req.Content != nil {
			post.Content = *req.Content
		}
		if req.MediaURLs != nil {
			post.MediaURLs = req.MediaURLs
		}
		if req.Location != nil {
			post.Location = req.Location
		}

		if err := sched.Reschedule(ctx, post); err != nil {
			respondScheduleError(c, err)
			return
		}
		c.JSON(http.StatusOK, post)
	}
}

func HandleCancelPost(posts store.PostStore, sched PostScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		post, ok := loadOwnedPost(c, ctx, posts)
		if !ok {
			return
		}
		if err := sched.Cancel(ctx, post.ID); err != nil {
			respondScheduleError(c, err)
			return
		}

		updated, err := posts.GetPost(ctx, post.ID)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

func HandleDeletePost(posts store.PostStore, sched PostScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		post, ok := loadOwnedPost(c, ctx, posts)
		if !ok {
			return
		}
		if err := sched.Delete(ctx, post.ID); err != nil {
			respondScheduleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func respondScheduleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrImmutable):
		utils.RespondWithError(c, http.StatusConflict, "post_published",
			"Published posts cannot be changed", nil)
	case errors.Is(err, scheduler.ErrPublishInProgress):
		utils.RespondWithError(c, http.StatusConflict, "publish_in_progress",
			"The post is being published", nil)
	default:
		utils.RespondWithAppError(c, err)
	}
}

// loadOwnedPost writes a 404 for posts of other users so their ids are not
// confirmed.
func loadOwnedPost(c *gin.Context, ctx context.Context, posts store.PostStore) (*models.Post, bool) {
	post, err := posts.GetPost(ctx, c.Param("id"))
	if err != nil {
		utils.RespondWithAppError(c, err)
		return nil, false
	}
	if post.OwnerID != middleware.GetUserID(c) {
		utils.RespondWithNotFound(c, "Post not found")
		return nil, false
	}
	return post, true
}
