package database

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/semanticcity/server/internal/embeddings"
	"github.com/semanticcity/server/internal/world"
)

// ErrNoWebsites is returned when a random pick is requested from an empty table
var ErrNoWebsites = errors.New("no websites stored")

// WebsiteStorage handles website metadata and embedding storage
type WebsiteStorage struct {
	db *DB
}

// NewWebsiteStorage creates a new website storage instance
func NewWebsiteStorage(db *DB) *WebsiteStorage {
	return &WebsiteStorage{db: db}
}

// UpsertWebsites inserts or updates sites in a single transaction
func (s *WebsiteStorage) UpsertWebsites(ctx context.Context, sites []world.Website) (int, error) {
	if len(sites) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, s.db.rebind(`
		INSERT INTO websites (url, title, description, embedding, embedding_dim, popularity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (url)
		DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			embedding = excluded.embedding,
			embedding_dim = excluded.embedding_dim,
			popularity = excluded.popularity,
			updated_at = CURRENT_TIMESTAMP
	`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare website upsert: %w", err)
	}
	defer stmt.Close()

	for _, site := range sites {
		if site.URL == "" {
			return 0, fmt.Errorf("website url cannot be empty")
		}
		if _, err := stmt.ExecContext(ctx, site.URL, site.Title, site.Description,
			encodeVector(site.Embedding), len(site.Embedding), site.Popularity); err != nil {
			return 0, fmt.Errorf("failed to upsert website %s: %w", site.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit websites: %w", err)
	}
	return len(sites), nil
}

// GetWebsite retrieves a website by URL. Returns (nil, nil) if it is unknown.
func (s *WebsiteStorage) GetWebsite(ctx context.Context, url string) (*world.Website, error) {
	var (
		site world.Website
		blob []byte
	)
	query := s.db.rebind(`
		SELECT url, title, description, embedding, popularity
		FROM websites
		WHERE url = ?
	`)
	err := s.db.QueryRowContext(ctx, query, url).Scan(&site.URL, &site.Title, &site.Description, &blob, &site.Popularity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get website %s: %w", url, err)
	}
	if site.Embedding, err = decodeVector(blob); err != nil {
		return nil, fmt.Errorf("website %s: %w", url, err)
	}
	return &site, nil
}

// ListAllEmbeddings returns every site that has an embedding. Implements embeddings.Source.
func (s *WebsiteStorage) ListAllEmbeddings(ctx context.Context) ([]embeddings.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, embedding, popularity
		FROM websites
		WHERE embedding_dim > 0
		ORDER BY url
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var entries []embeddings.Entry
	for rows.Next() {
		var (
			e    embeddings.Entry
			blob []byte
		)
		if err := rows.Scan(&e.URL, &blob, &e.Popularity); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		if e.Vector, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("website %s: %w", e.URL, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embeddings: %w", err)
	}
	return entries, nil
}

// LookupEmbedding returns the stored embedding for url
func (s *WebsiteStorage) LookupEmbedding(ctx context.Context, url string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, s.db.rebind(`SELECT embedding FROM websites WHERE url = ? AND embedding_dim > 0`), url).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lookup embedding %s: %w", url, err)
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false, fmt.Errorf("website %s: %w", url, err)
	}
	return vec, len(vec) > 0, nil
}

// RandomKnownURL picks a stored URL deterministically from seed.
// Implements anchors.MetadataSource.
func (s *WebsiteStorage) RandomKnownURL(ctx context.Context, seed uint32) (string, error) {
	count, err := s.CountWebsites(ctx)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", ErrNoWebsites
	}

	var url string
	query := s.db.rebind(`SELECT url FROM websites ORDER BY url LIMIT 1 OFFSET ?`)
	if err := s.db.QueryRowContext(ctx, query, int64(seed)%count).Scan(&url); err != nil {
		return "", fmt.Errorf("failed to pick known url: %w", err)
	}
	return url, nil
}

// FirstKnown returns up to n stored sites ordered by URL. Implements anchors.MetadataSource.
func (s *WebsiteStorage) FirstKnown(ctx context.Context, n int) ([]world.Candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.db.rebind(`SELECT url, popularity FROM websites ORDER BY url LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("failed to list known urls: %w", err)
	}
	defer rows.Close()

	var out []world.Candidate
	for rows.Next() {
		var c world.Candidate
		if err := rows.Scan(&c.URL, &c.Popularity); err != nil {
			return nil, fmt.Errorf("failed to scan known url: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate known urls: %w", err)
	}
	return out, nil
}

// CountWebsites returns the number of stored sites
func (s *WebsiteStorage) CountWebsites(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM websites`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count websites: %w", err)
	}
	return n, nil
}

// encodeVector packs float32 values little-endian, 4 bytes each
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
