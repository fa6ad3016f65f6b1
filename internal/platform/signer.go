package platform

import (
	"context"
	"net/http"

	"github.com/dghubble/oauth1"
)

// RequestSigner authorizes and sends a request.
type RequestSigner interface {
	Do(ctx context.Context, req *http.Request, accessToken string) (*http.Response, error)
}

// BearerSigner sends the user's OAuth2 access token as a bearer token.
type BearerSigner struct {
	Client *http.Client
}

func (s BearerSigner) Do(_ context.Context, req *http.Request, accessToken string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return s.Client.Do(req)
}

// OAuth1Signer signs requests with app-level OAuth1 credentials (HMAC-SHA1),
// which the v1.1 media upload endpoint accepts. The per-user access token
// is not used.
type OAuth1Signer struct {
	config *oauth1.Config
	token  *oauth1.Token
	base   *http.Client
}

func NewOAuth1Signer(consumerKey, consumerSecret, accessToken, accessSecret string, base *http.Client) *OAuth1Signer {
	return &OAuth1Signer{
		config: oauth1.NewConfig(consumerKey, consumerSecret),
		token:  oauth1.NewToken(accessToken, accessSecret),
		base:   base,
	}
}

func (s *OAuth1Signer) Do(ctx context.Context, req *http.Request, _ string) (*http.Response, error) {
	if s.base != nil {
		ctx = context.WithValue(ctx, oauth1.HTTPClient, s.base)
	}
	return s.config.Client(ctx, s.token).Do(req)
}
