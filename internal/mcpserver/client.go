package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/circuitbreaker"
	"github.com/mbd888/domainlens/internal/engine"
	"github.com/mbd888/domainlens/internal/ratelimit"
	"github.com/mbd888/domainlens/internal/retry"
	"github.com/mbd888/domainlens/internal/risk"
	"github.com/mbd888/domainlens/internal/session"
)

// Config holds the configuration for connecting to a domainlens API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	ProbeSource string // Optional X-Probe-Source value
}

// ErrIgnored is returned when the API accepted a request but dropped it.
var ErrIgnored = errors.New("request ignored")

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

const (
	breakerKey    = "api"
	maxRetryAfter = 10 * time.Second
)

// Client is a pure HTTP client for the domainlens API. Calls are retried
// while the API is busy and fail fast once it keeps erroring.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      retry.Policy
	breaker    *circuitbreaker.Breaker
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// apiError is the error body written by the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// call runs doRequest under the breaker and retry policy.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		err := c.breaker.Execute(breakerKey, isOutage, func() error {
			return c.doRequest(ctx, method, path, body, out)
		})
		var apiErr *APIError
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(fmt.Errorf("API unavailable: %w", err))
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable:
			return retry.After(apiErr.RetryAfter, err)
		case isOutage(err):
			return err
		default:
			return retry.Permanent(err)
		}
	})
}

// isOutage reports whether err says the API itself is failing, as opposed
// to rejecting this particular request.
func isOutage(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status != http.StatusServiceUnavailable
	}
	var te *transportError
	return errors.As(err, &te)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// doRequest makes one HTTP request to the API and decodes the response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.cfg.ProbeSource != "" {
		req.Header.Set(ratelimit.SourceHeader, c.cfg.ProbeSource)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		e := &APIError{Status: resp.StatusCode, Message: string(respBody)}
		var eb apiError
		if json.Unmarshal(respBody, &eb) == nil && eb.Message != "" {
			e.Code, e.Message = eb.Error, eb.Message
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = min(time.Duration(secs)*time.Second, maxRetryAfter)
		}
		return e
	}
	if resp.StatusCode == http.StatusAccepted {
		var ack struct {
			Ignored bool `json:"ignored"`
		}
		if json.Unmarshal(respBody, &ack) == nil && ack.Ignored {
			return ErrIgnored
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Classify asks for a read-only estimation of a URL.
func (c *Client) Classify(ctx context.Context, rawURL string, signals []string) (*activity.Estimation, error) {
	var resp struct {
		Estimation *activity.Estimation `json:"estimation"`
	}
	body := engine.ClassifyBody{URL: rawURL, Signals: signals}
	if err := c.call(ctx, http.MethodPost, "/v1/classify", body, &resp); err != nil {
		return nil, err
	}
	if resp.Estimation == nil {
		return nil, errors.New("empty estimation")
	}
	return resp.Estimation, nil
}

// GetDomain returns everything known about a domain.
func (c *Client) GetDomain(ctx context.Context, domain string) (*engine.DomainView, error) {
	var resp struct {
		Domain *engine.DomainView `json:"domain"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/domains/"+url.PathEscape(domain), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Domain == nil {
		return nil, errors.New("empty domain view")
	}
	return resp.Domain, nil
}

// ListDomains returns every domain with recorded activity, following
// cursors until the listing is exhausted.
func (c *Client) ListDomains(ctx context.Context) ([]string, error) {
	var all []string
	cursor := ""
	for {
		var resp struct {
			Domains    []string `json:"domains"`
			NextCursor string   `json:"next_cursor"`
		}
		path := "/v1/domains"
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}
		if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Domains...)
		if resp.NextCursor == "" || resp.NextCursor == cursor {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}

// RecomputeRisk re-scores a domain from its stored state.
func (c *Client) RecomputeRisk(ctx context.Context, domain string) (*risk.Record, error) {
	var resp struct {
		Risk *risk.Record `json:"risk"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/domains/"+url.PathEscape(domain)+"/risk", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Risk == nil {
		return nil, errors.New("empty risk record")
	}
	return resp.Risk, nil
}

// SetOverride replaces the user override for a domain.
func (c *Client) SetOverride(ctx context.Context, domain string, o activity.Override) (*risk.Record, error) {
	var resp struct {
		Risk *risk.Record `json:"risk"`
	}
	if err := c.call(ctx, http.MethodPut, "/v1/domains/"+url.PathEscape(domain)+"/override", o, &resp); err != nil {
		return nil, err
	}
	if resp.Risk == nil {
		return nil, errors.New("empty risk record")
	}
	return resp.Risk, nil
}

// TabContext returns the recent events of the context a tab belongs to.
func (c *Client) TabContext(ctx context.Context, tab session.TabID) (session.TabID, []session.Event, error) {
	var resp struct {
		ContextID session.TabID   `json:"context_id"`
		Events    []session.Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/tabs/"+tab.String()+"/context", nil, &resp); err != nil {
		return session.NoTab, nil, err
	}
	return resp.ContextID, resp.Events, nil
}
