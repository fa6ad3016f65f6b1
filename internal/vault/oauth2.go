package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"social-publisher/internal/apperr"
)

// OAuth2Refresher runs the refresh_token grant against the platform's token
// endpoint.
type OAuth2Refresher struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

func NewOAuth2Refresher(clientID, clientSecret, tokenURL string, httpClient *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		httpClient: httpClient,
	}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err == nil {
		return tok, nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: token endpoint answered %d %s", apperr.ErrReconnectRequired, code, retrieveErr.ErrorCode)
		}
	}
	return nil, err
}
