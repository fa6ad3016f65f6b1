package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"social-publisher/internal/apperr"
)

// HTTPError is a non-2xx platform response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := apperr.Truncate(strings.TrimSpace(e.Body), 200)
	if body == "" {
		return fmt.Sprintf("platform returned %d", e.Status)
	}
	return fmt.Sprintf("platform returned %d: %s", e.Status, body)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// classify maps a completed response onto an error kind. 401 is handled by
// the gateway before this is reached.
func classify(resp *Response, now time.Time) error {
	if resp.Status >= 200 && resp.Status < 300 {
		return nil
	}
	httpErr := &HTTPError{Status: resp.Status, Body: string(resp.Body)}
	switch {
	case resp.Status == http.StatusTooManyRequests:
		return &apperr.RateLimitError{ResetAt: rateLimitReset(resp.Header, now)}
	case resp.Status >= 500:
		return apperr.Transient("platform server error", httpErr)
	default:
		return apperr.Terminal("platform rejected request", httpErr)
	}
}

// rateLimitReset reads x-rate-limit-reset (unix seconds) or Retry-After
// (seconds or HTTP date). Zero when neither is usable.
func rateLimitReset(h http.Header, now time.Time) time.Time {
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(sec) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}
