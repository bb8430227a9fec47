package anchors

import (
	"context"
	"fmt"
	"sync"

	"github.com/semanticcity/server/internal/world"
)

// CandidateLister lists every known site in a stable order.
type CandidateLister interface {
	Candidates(ctx context.Context) ([]world.Candidate, error)
}

// ListMetadata serves MetadataSource from a CandidateLister such as the
// embedding index, for deployments without a website table. The listing is
// fetched once and reused.
type ListMetadata struct {
	lister CandidateLister

	mu    sync.Mutex
	cache []world.Candidate
}

// NewListMetadata wraps lister.
func NewListMetadata(lister CandidateLister) *ListMetadata {
	return &ListMetadata{lister: lister}
}

func (m *ListMetadata) list(ctx context.Context) ([]world.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil {
		return m.cache, nil
	}
	items, err := m.lister.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	m.cache = items
	return items, nil
}

// RandomKnownURL implements MetadataSource.
func (m *ListMetadata) RandomKnownURL(ctx context.Context, seed uint32) (string, error) {
	items, err := m.list(ctx)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: no known urls", ErrMetadataUnavailable)
	}
	return items[seed%uint32(len(items))].URL, nil
}

// FirstKnown implements MetadataSource.
func (m *ListMetadata) FirstKnown(ctx context.Context, n int) ([]world.Candidate, error) {
	items, err := m.list(ctx)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	if n > len(items) {
		n = len(items)
	}
	out := make([]world.Candidate, n)
	copy(out, items[:n])
	return out, nil
}
