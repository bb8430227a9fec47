// Package client is a Go client for the chunk REST API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/streaming"
	"github.com/semanticcity/server/internal/world"
)

// CacheHeader carries "hit" or "miss" on chunk responses.
const CacheHeader = "X-Chunk-Cache"

// APIError is a non-200 response from the server.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("chunk api: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chunk api: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later. Only an
// unreachable store and rate limiting qualify. Generation is deterministic, so
// a generation failure repeats on every attempt.
func (e *APIError) Retryable() bool {
	switch {
	case e.Kind == kindStoreUnavailable, e.Kind == kindRateLimited:
		return true
	case e.Kind != "":
		return false
	}
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusTooManyRequests
}

const (
	kindStoreUnavailable = "STORE_UNAVAILABLE"
	kindRateLimited      = "RATE_LIMITED"
)

// transportError wraps network failures. These are always worth retrying
// unless the caller's context ended.
type transportError struct {
	err error
}

func (e *transportError) Error() string   { return fmt.Sprintf("chunk api: %v", e.err) }
func (e *transportError) Unwrap() error   { return e.err }
func (e *transportError) Retryable() bool { return true }

// ChunkClient fetches chunks from a running server.
type ChunkClient struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Entry
}

// Option configures a ChunkClient.
type Option func(*ChunkClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cc *ChunkClient) { cc.client = c }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(cc *ChunkClient) { cc.logger = logging.Component(l, "chunk-client") }
}

// New creates a client for the server at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) *ChunkClient {
	c := &ChunkClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logging.Component(nil, "chunk-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VersionInfo is the world generation summary served at /api/chunks/version.
type VersionInfo struct {
	Version   int     `json:"version"`
	Seed      int32   `json:"seed"`
	GridSize  int     `json:"gridSize"`
	CellSize  float64 `json:"cellSize"`
	ChunkSize float64 `json:"chunkSize"`
}

// LoadChunk implements streaming.Loader.
func (c *ChunkClient) LoadChunk(ctx context.Context, coord world.ChunkCoord) (streaming.LoadResult, error) {
	var record world.ChunkRecord
	header, err := c.get(ctx, "/api/chunks/"+coord.String(), &record)
	if err != nil {
		return streaming.LoadResult{}, err
	}
	hit := header.Get(CacheHeader) == "hit"
	c.logger.WithFields(logrus.Fields{
		"chunk": coord.String(),
		"hit":   hit,
	}).Debug("Chunk fetched")
	return streaming.LoadResult{Record: &record, Hit: hit}, nil
}

// Version fetches the server's world version.
func (c *ChunkClient) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if _, err := c.get(ctx, "/api/chunks/version", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health checks the server's health endpoint.
func (c *ChunkClient) Health(ctx context.Context) error {
	var health struct {
		Status string `json:"status"`
	}
	if _, err := c.get(ctx, "/health", &health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("server reported unhealthy status: %s", health.Status)
	}
	return nil
}

func (c *ChunkClient) get(ctx context.Context, path string, out interface{}) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.WithError(closeErr).Warn("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			ErrorKind string `json:"errorKind"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.ErrorKind != "" {
			apiErr.Kind = payload.ErrorKind
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.Header, nil
}
