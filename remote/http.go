package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/recallio/recall-go-sdk/core"
)

// HTTPConfig configures the wire client.
type HTTPConfig struct {
	// BaseURL is the service root, e.g. "https://api.recall.io".
	BaseURL string

	// APIKey is sent as a bearer token on every request.
	APIKey string

	// HTTPClient overrides the underlying client. Defaults to a client
	// with Timeout applied.
	HTTPClient *http.Client

	// Timeout bounds a single request attempt. Default 30s.
	Timeout time.Duration

	// MaxRetries bounds retries of retryable failures (429, 5xx,
	// transport errors). Zero means the default of 2; a negative value
	// disables retries. Retries back off exponentially and honour
	// context cancellation.
	MaxRetries int
}

// HTTPClient is the production Service implementation.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries int
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient creates a wire client for the given config.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid BaseURL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 2
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		client:     client,
		maxRetries: retries,
	}, nil
}

// Search implements Service.
func (c *HTTPClient) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncTiers implements Service.
func (c *HTTPClient) SyncTiers(ctx context.Context, req *SyncTiersRequest) (*SyncTiersResponse, error) {
	var resp SyncTiersResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tiers/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddMemory implements Service.
func (c *HTTPClient) AddMemory(ctx context.Context, req *AddMemoryRequest) (*AddMemoryResponse, error) {
	var resp AddMemoryResponse
	if err := c.do(ctx, http.MethodPost, "/v1/memories", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddMemoryBatch implements Service.
func (c *HTTPClient) AddMemoryBatch(ctx context.Context, req *AddMemoryBatchRequest) (*AddMemoryBatchResponse, error) {
	var resp AddMemoryBatchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/memories/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteMemory implements Service.
func (c *HTTPClient) DeleteMemory(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("remote: memory id is required")
	}
	return c.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(id), nil, nil)
}

// DeleteAll implements Service.
func (c *HTTPClient) DeleteAll(ctx context.Context, scope core.UserScope) error {
	body := struct {
		Scope core.UserScope `json:"user_scope,omitzero"`
	}{Scope: scope}
	return c.do(ctx, http.MethodDelete, "/v1/memories", &body, nil)
}

// do runs one logical request with bounded retries for retryable
// failures. Auth, not-found and validation errors are never retried.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: marshal request: %w", err)
		}
	}

	requestID := uuid.New().String()
	backoff := 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.once(ctx, method, path, requestID, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		apiErr, ok := err.(*APIError)
		if ok && !apiErr.Retryable() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		log.Printf("[REMOTE] %s %s attempt %d failed: %v", method, path, attempt+1, err)
	}
	return lastErr
}

func (c *HTTPClient) once(ctx context.Context, method, path, requestID string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: err.Error(), RequestID: requestID}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp, requestID)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response, requestID string) *APIError {
	apiErr := &APIError{
		Kind:      KindForStatus(resp.StatusCode),
		Status:    resp.StatusCode,
		RequestID: requestID,
	}

	// The service reports errors as {"error": "..."}; fall back to the
	// raw body for anything else.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
