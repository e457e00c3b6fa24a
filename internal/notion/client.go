// Package notion is the source adapter: it reads issue pages from Notion
// databases and writes status changes back.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/issuebridge/issuebridge/internal/sync"
)

// TokenProvider returns the integration token for a request.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider for a fixed token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	TokenProvider   TokenProvider
	HTTPClient      *http.Client
	APIVersion      string
	UserAgent       string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	SchemaCacheSize int
	Logger          logrus.FieldLogger
}

// Client talks to the Notion REST API. It implements sync.Source.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	logger        logrus.FieldLogger

	schemas *lru.Cache[string, *databaseSchema]
}

// APIError is a non-retryable error response from Notion.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// New creates a Client. Zero options take their defaults.
func New(opts Options) (*Client, error) {
	if opts.TokenProvider == nil {
		return nil, fmt.Errorf("notion token provider is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	cacheSize := opts.SchemaCacheSize
	if cacheSize <= 0 {
		cacheSize = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "notion")
	}

	schemas, err := lru.New[string, *databaseSchema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}

	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		logger:        logger,
		schemas:       schemas,
	}, nil
}

// do sends one API request, retrying 429 and 5xx responses and transport
// errors. Exhausted retries and auth failures wrap sync.ErrSourceUnavailable.
func (c *Client) do(ctx context.Context, method, path string, payload any) (gjson.Result, error) {
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %w", sync.ErrSourceUnavailable, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return gjson.Result{}, fmt.Errorf("%w: notion token is empty", sync.ErrSourceUnavailable)
	}

	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return gjson.Result{}, fmt.Errorf("failed to marshal notion request: %w", err)
		}
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return gjson.Result{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return gjson.Result{}, waitErr
				}
				continue
			}
			return gjson.Result{}, fmt.Errorf("%w: %w", sync.ErrSourceUnavailable, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return gjson.Result{}, fmt.Errorf("%w: %w", sync.ErrSourceUnavailable, readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return gjson.ParseBytes(respBody), nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < c.maxRetries {
			c.logger.WithFields(logrus.Fields{"status": resp.StatusCode, "attempt": attempt + 1}).Debug("retrying notion request")
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return gjson.Result{}, waitErr
			}
			continue
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		parsed := gjson.ParseBytes(respBody)
		if code := parsed.Get("code").String(); code != "" {
			apiErr.Code = code
		}
		if msg := strings.TrimSpace(parsed.Get("message").String()); msg != "" {
			apiErr.Message = msg
		}
		if retryable || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return gjson.Result{}, fmt.Errorf("%w: %w", sync.ErrSourceUnavailable, apiErr)
		}
		return gjson.Result{}, apiErr
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isStatusCode reports whether err is an APIError with the given status.
func isStatusCode(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
