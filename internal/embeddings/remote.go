package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/semanticcity/server/internal/config"
)

// RemoteSource fetches embeddings from the embedding service over HTTP
type RemoteSource struct {
	baseURL    string
	timeout    time.Duration
	retryCount int
	client     *http.Client
}

// NewRemoteSource creates a new embedding service client
func NewRemoteSource(cfg *config.Config) *RemoteSource {
	return &RemoteSource{
		baseURL:    cfg.Embeddings.RemoteURL,
		timeout:    cfg.Embeddings.Timeout,
		retryCount: cfg.Embeddings.RetryCount,
		client: &http.Client{
			Timeout: cfg.Embeddings.Timeout,
		},
	}
}

// ListResponse is the bulk listing returned by the embedding service
type ListResponse struct {
	Embeddings []Record `json:"embeddings"`
	Count      int      `json:"count"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// HealthCheck checks if the embedding service is healthy
func (c *RemoteSource) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("Warning: failed to close embedding health response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if health.Status != "ok" {
		return fmt.Errorf("service reported unhealthy status: %s", health.Status)
	}

	return nil
}

// ListAllEmbeddings implements Source
func (c *RemoteSource) ListAllEmbeddings(ctx context.Context) ([]Entry, error) {
	var response ListResponse
	if err := c.getJSON(ctx, "/api/v1/embeddings", &response); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(response.Embeddings))
	for _, rec := range response.Embeddings {
		site, err := rec.Website()
		if err != nil {
			return nil, fmt.Errorf("invalid embedding from service: %w", err)
		}
		entries = append(entries, Entry{URL: site.URL, Vector: site.Embedding, Popularity: site.Popularity})
	}
	return entries, nil
}

// LookupEmbedding fetches a single vector. found is false on 404.
func (c *RemoteSource) LookupEmbedding(ctx context.Context, siteURL string) ([]float32, bool, error) {
	var rec Record
	err := c.getJSON(ctx, "/api/v1/embeddings/lookup?url="+url.QueryEscape(siteURL), &rec)
	if errors.Is(err, errNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	site, err := rec.Website()
	if err != nil {
		return nil, false, err
	}
	return site.Embedding, true, nil
}

var errNotFound = errors.New("embedding not found")

// getJSON performs a GET with exponential backoff retries
func (c *RemoteSource) getJSON(ctx context.Context, path string, out interface{}) error {
	endpoint := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 100ms, 200ms, 400ms
			backoff := time.Duration(100*(1<<uint(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("Warning: failed to close embedding response body: %v", closeErr)
		}
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return errNotFound
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			lastErr = fmt.Errorf("failed to decode response: %w", err)
			continue
		}
		return nil
	}

	return fmt.Errorf("embedding request failed after %d attempts: %w", c.retryCount+1, lastErr)
}
