package platform

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"social-publisher/internal/apperr"
	"social-publisher/models"
)

// Media is an item ready for upload.
type Media struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Client exposes the platform operations the pipeline uses.
type Client struct {
	gateway      *Gateway
	uploadURL    string
	uploadSigner RequestSigner
}

// NewClient builds a client. uploadSigner may be nil, in which case media
// uploads use the same bearer token as API calls.
func NewClient(gateway *Gateway, uploadURL string, uploadSigner RequestSigner) *Client {
	if uploadSigner == nil {
		uploadSigner = gateway.bearer
	}
	return &Client{gateway: gateway, uploadURL: uploadURL, uploadSigner: uploadSigner}
}

type createPostRequest struct {
	Text  string           `json:"text"`
	Media *createPostMedia `json:"media,omitempty"`
}

type createPostMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type createPostResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// CreatePost publishes text with optional media and returns the platform id.
func (c *Client) CreatePost(ctx context.Context, userID, accessToken, text string, mediaIDs []string) (string, error) {
	body := createPostRequest{Text: text}
	if len(mediaIDs) > 0 {
		body.Media = &createPostMedia{MediaIDs: mediaIDs}
	}

	resp, err := c.gateway.Request(ctx, accessToken, http.MethodPost, "/2/tweets", body, nil, userID)
	if err != nil {
		return "", err
	}

	var out createPostResponse
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", apperr.New(apperr.KindUnknown, "platform response did not include a post id")
	}
	return out.Data.ID, nil
}

type metricsResponse struct {
	Data struct {
		ID            string `json:"id"`
		PublicMetrics struct {
			LikeCount       int64 `json:"like_count"`
			RetweetCount    int64 `json:"retweet_count"`
			QuoteCount      int64 `json:"quote_count"`
			ReplyCount      int64 `json:"reply_count"`
			ImpressionCount int64 `json:"impression_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

// GetMetrics fetches the current absolute counters of a published post.
func (c *Client) GetMetrics(ctx context.Context, userID, accessToken, platformID string) (models.Counters, error) {
	params := url.Values{"tweet.fields": {"public_metrics"}}
	resp, err := c.gateway.Request(ctx, accessToken, http.MethodGet, "/2/tweets/"+url.PathEscape(platformID), nil, params, userID)
	if err != nil {
		return models.Counters{}, err
	}

	var out metricsResponse
	if err := resp.Decode(&out); err != nil {
		return models.Counters{}, err
	}
	if out.Data.ID == "" {
		return models.Counters{}, apperr.Terminal("platform returned no data for post", &HTTPError{Status: http.StatusNotFound, Body: string(resp.Body)})
	}
	m := out.Data.PublicMetrics
	return models.Counters{
		Likes:       m.LikeCount,
		Reshares:    m.RetweetCount,
		Quotes:      m.QuoteCount,
		Replies:     m.ReplyCount,
		Impressions: m.ImpressionCount,
	}, nil
}

type meResponse struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

// VerifyIdentity returns the username the access token belongs to. It does
// not refresh on 401.
func (c *Client) VerifyIdentity(ctx context.Context, accessToken string) (string, error) {
	resp, err := c.gateway.Request(ctx, accessToken, http.MethodGet, "/2/users/me", nil, nil, "")
	if err != nil {
		return "", err
	}
	var out meResponse
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.Data.Username == "" {
		return "", apperr.New(apperr.KindUnknown, "platform response did not include a username")
	}
	return out.Data.Username, nil
}

type uploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

// UploadMedia uploads one item and returns its media id. It follows the
// same 401 refresh-and-retry-once rule as API calls.
func (c *Client) UploadMedia(ctx context.Context, userID, accessToken string, media Media) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	filename := media.Filename
	if filename == "" {
		filename = "media"
	}
	part, err := w.CreateFormFile("media", filename)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(media.Data); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if media.ContentType != "" {
		if err := w.WriteField("media_category", mediaCategory(media.ContentType)); err != nil {
			return "", fmt.Errorf("build upload: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	resp, err := c.gateway.execute(ctx, call{
		method:      http.MethodPost,
		url:         c.uploadURL,
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
		signer:      c.uploadSigner,
	}, accessToken, userID)
	if err != nil {
		return "", err
	}

	var out uploadResponse
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.MediaIDString == "" {
		return "", apperr.New(apperr.KindUnknown, "upload response did not include a media id")
	}
	return out.MediaIDString, nil
}

func mediaCategory(contentType string) string {
	switch contentType {
	case "image/gif":
		return "tweet_gif"
	case "video/mp4", "video/quicktime":
		return "tweet_video"
	default:
		return "tweet_image"
	}
}
