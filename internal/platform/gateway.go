// Package platform talks to the social platform's HTTP API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"social-publisher/internal/apperr"
	"social-publisher/internal/logger"
	"social-publisher/internal/telemetry"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseBody = 4 << 20
)

// TokenRefresher is the slice of the token vault the gateway needs.
type TokenRefresher interface {
	Refresh(ctx context.Context, userID string) (string, error)
	FlagReconnect(ctx context.Context, userID string) error
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode platform response: %w", err)
	}
	return nil
}

type GatewayConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
	Refresher  TokenRefresher
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

type Gateway struct {
	baseURL   string
	bearer    RequestSigner
	refresher TokenRefresher
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	log       *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Logger
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	g := &Gateway{
		baseURL:   cfg.BaseURL,
		bearer:    BearerSigner{Client: httpClient},
		refresher: cfg.Refresher,
		limiter:   rate.NewLimiter(limit, burst),
		log:       log,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "PlatformAPI",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		// Only outages count against the breaker; 4xx answers are the
		// platform working as intended.
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.KindOf(err).Retryable()
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			g.metrics.RecordCircuitBreakerState(name, to.String())
		},
	})
	return g
}

// call is one outbound request that can be rebuilt for a retry.
type call struct {
	method      string
	url         string
	body        []byte
	contentType string
	signer      RequestSigner
}

// Request sends a JSON request to path on the platform API. When userID is
// set, a 401 triggers one token refresh and a single retry.
func (g *Gateway) Request(ctx context.Context, accessToken, method, path string, body any, params url.Values, userID string) (*Response, error) {
	u := g.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	c := call{method: method, url: u, signer: g.bearer}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Validationf("encode request body: %v", err)
		}
		c.body = data
		c.contentType = "application/json"
	}
	return g.execute(ctx, c, accessToken, userID)
}

func (g *Gateway) execute(ctx context.Context, c call, accessToken, userID string) (*Response, error) {
	tracer := otel.Tracer("platform-gateway")
	ctx, span := tracer.Start(ctx, "platform.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", c.method),
		attribute.String("http.url", c.url),
	)

	resp, err := g.send(ctx, c, accessToken)
	if err == nil && resp.Status == http.StatusUnauthorized {
		resp, err = g.retryUnauthorized(ctx, c, userID)
	}
	if err == nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
		err = classify(resp, g.now())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	return resp, nil
}

func (g *Gateway) retryUnauthorized(ctx context.Context, c call, userID string) (*Response, error) {
	if userID == "" || g.refresher == nil {
		return nil, apperr.Terminal("platform rejected access token", &HTTPError{Status: http.StatusUnauthorized})
	}

	g.log.Info("Platform returned 401, refreshing token", "user_id", userID)
	token, err := g.refresher.Refresh(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp, err := g.send(ctx, c, token)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		if ferr := g.refresher.FlagReconnect(ctx, userID); ferr != nil {
			g.log.Error("Failed to flag account for reconnect", "user_id", userID, "error", ferr)
		}
		return nil, apperr.Terminal("platform rejected refreshed token",
			fmt.Errorf("%w: %w", apperr.ErrReconnectRequired, &HTTPError{Status: resp.Status, Body: string(resp.Body)}))
	}
	return resp, nil
}

// send performs one HTTP round trip behind the rate limiter and breaker.
// Network failures and 5xx are returned as transient errors.
func (g *Gateway) send(ctx context.Context, c call, accessToken string) (*Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, apperr.Transient("rate limiter wait", err)
	}

	start := g.now()
	result, err := g.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if c.body != nil {
			body = bytes.NewReader(c.body)
		}
		req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
		if err != nil {
			return nil, apperr.Validationf("build request: %v", err)
		}
		if c.contentType != "" {
			req.Header.Set("Content-Type", c.contentType)
		}
		req.Header.Set("Accept", "application/json")

		httpResp, err := c.signer.Do(ctx, req, accessToken)
		if err != nil {
			return nil, apperr.Transient("platform request failed", err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
		if err != nil {
			return nil, apperr.Transient("read platform response", err)
		}
		resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}
		if resp.Status >= 500 {
			return resp, apperr.Transient("platform server error", &HTTPError{Status: resp.Status, Body: string(data)})
		}
		return resp, nil
	})

	status := 0
	resp, _ := result.(*Response)
	if resp != nil {
		status = resp.Status
	}
	g.metrics.RecordPlatformRequest(ctx, c.method, status, g.now().Sub(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.Transient("platform circuit open", err)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
