// Package remote talks to the REST API that owns posts and comments.
package remote

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
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public dataset the thresholds were calibrated against.
	DefaultBaseURL = "https://jsonplaceholder.typicode.com"
	defaultTimeout = 15 * time.Second

	headerRequestID = "X-Request-ID"
	contentTypeJSON = "application/json"
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errInvalidBaseURL = errors.New("remote: base url must be absolute http(s)")
)

// Resource performs the REST verbs against named collections. Collections are paths such as
// "/posts" or "/posts/7/comments"; out receives the decoded response body.
type Resource interface {
	List(ctx context.Context, collection string, out any) error
	Get(ctx context.Context, collection string, id int64, out any) error
	Create(ctx context.Context, collection string, body any, out any) error
	Update(ctx context.Context, collection string, id int64, body any, out any) error
	Delete(ctx context.Context, collection string, id int64) error
}

// TokenSource supplies bearer tokens for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config bundles the settings of an HTTPClient.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Tokens     TokenSource
	Logger     *zap.Logger
}

// HTTPClient implements Resource over net/http with JSON bodies.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	tokens     TokenSource
	logger     *zap.Logger
}

// NewHTTPClient validates cfg and constructs an HTTPClient.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidBaseURL, baseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		tokens:     cfg.Tokens,
		logger:     logger,
	}, nil
}

func (c *HTTPClient) List(ctx context.Context, collection string, out any) error {
	return c.do(ctx, http.MethodGet, collection, nil, out)
}

func (c *HTTPClient) Get(ctx context.Context, collection string, id int64, out any) error {
	return c.do(ctx, http.MethodGet, member(collection, id), nil, out)
}

func (c *HTTPClient) Create(ctx context.Context, collection string, body any, out any) error {
	return c.do(ctx, http.MethodPost, collection, body, out)
}

func (c *HTTPClient) Update(ctx context.Context, collection string, id int64, body any, out any) error {
	return c.do(ctx, http.MethodPut, member(collection, id), body, out)
}

func (c *HTTPClient) Delete(ctx context.Context, collection string, id int64) error {
	return c.do(ctx, http.MethodDelete, member(collection, id), nil, nil)
}

// Resolve maps a relative path onto the base URL. Absolute URLs are returned unchanged.
func (c *HTTPClient) Resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	target := c.Resolve(path)

	var payload io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode %s %s: %w", method, target, err)
		}
		payload = bytes.NewReader(encoded)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, method, target, payload)
	if err != nil {
		return fmt.Errorf("remote: build %s %s: %w", method, target, err)
	}
	request.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	requestID := newRequestID()
	if requestID != "" {
		request.Header.Set(headerRequestID, requestID)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("remote: bearer token: %w", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		failure := networkError(method, target, err)
		c.logFailure(failure, requestID, err)
		return failure
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, response.Body)
		failure := statusError(method, target, response.StatusCode, http.StatusText(response.StatusCode))
		c.logFailure(failure, requestID, nil)
		return failure
	}

	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		failure := &Error{
			StatusCode: response.StatusCode,
			StatusText: http.StatusText(response.StatusCode),
			Message:    "invalid response from the server",
			Method:     method,
			URL:        target,
			cause:      err,
		}
		c.logFailure(failure, requestID, err)
		return failure
	}
	return nil
}

func (c *HTTPClient) logFailure(failure *Error, requestID string, cause error) {
	fields := []zap.Field{
		zap.String("method", failure.Method),
		zap.String("url", failure.URL),
		zap.Int("status", failure.StatusCode),
		zap.Bool("network", failure.Network),
		zap.String("request_id", requestID),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	c.logger.Warn("remote request failed", fields...)
}

func member(collection string, id int64) string {
	return strings.TrimRight(collection, "/") + "/" + strconv.FormatInt(id, 10)
}

func newRequestID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return value.String()
}
