package embeddings

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/semanticcity/server/internal/world"
)

// Record is one line of an embedding export. The embedding is either a hex
// string of little-endian float32 values or a plain JSON number array.
type Record struct {
	URL            string          `json:"url"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	Embedding      json.RawMessage `json:"embedding"`
	EmbeddingDim   int             `json:"embedding_dim,omitempty"`
	EmbeddingModel string          `json:"embedding_model,omitempty"`
	Popularity     *float64        `json:"popularity,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
}

// DecodeHexFloat32 decodes a hex string of little-endian float32 values.
func DecodeHexFloat32(s string) ([]float32, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid embedding hex: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("embedding byte length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// EncodeHexFloat32 is the inverse of DecodeHexFloat32.
func EncodeHexFloat32(v []float32) string {
	raw := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(x))
	}
	return hex.EncodeToString(raw)
}

// Website converts the record, decoding its embedding.
func (r Record) Website() (world.Website, error) {
	if r.URL == "" {
		return world.Website{}, fmt.Errorf("record has no url")
	}
	var vec []float32
	trimmed := strings.TrimSpace(string(r.Embedding))
	switch {
	case trimmed == "" || trimmed == "null":
		return world.Website{}, fmt.Errorf("record %s has no embedding", r.URL)
	case strings.HasPrefix(trimmed, "\""):
		var s string
		if err := json.Unmarshal(r.Embedding, &s); err != nil {
			return world.Website{}, fmt.Errorf("record %s: %w", r.URL, err)
		}
		decoded, err := DecodeHexFloat32(s)
		if err != nil {
			return world.Website{}, fmt.Errorf("record %s: %w", r.URL, err)
		}
		vec = decoded
	default:
		if err := json.Unmarshal(r.Embedding, &vec); err != nil {
			return world.Website{}, fmt.Errorf("record %s: invalid embedding array: %w", r.URL, err)
		}
	}
	if r.EmbeddingDim > 0 && len(vec) != r.EmbeddingDim {
		return world.Website{}, fmt.Errorf("record %s: embedding has %d values, embedding_dim says %d", r.URL, len(vec), r.EmbeddingDim)
	}

	site := world.Website{
		URL:         r.URL,
		Title:       r.Title,
		Description: r.Description,
		Embedding:   vec,
		Popularity:  0.5,
	}
	if r.Popularity != nil {
		site.Popularity = clampUnit(*r.Popularity)
	}
	return site, nil
}

// ReadJSONL parses one record per line. Blank lines are ignored; the line
// number of the first bad record is reported.
func ReadJSONL(r io.Reader) ([]world.Website, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var sites []world.Website
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("line %d: unmarshal: %w", line, err)
		}
		site, err := rec.Website()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		sites = append(sites, site)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}
	return sites, nil
}

// LoadJSONL reads an embedding export from disk. Files ending in .zst are
// decompressed with zstd.
func LoadJSONL(path string) ([]world.Website, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}

	sites, err := ReadJSONL(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return sites, nil
}

// JSONLSource serves an embedding export file as an index Source.
type JSONLSource struct {
	Path string
}

// ListAllEmbeddings implements Source.
func (s JSONLSource) ListAllEmbeddings(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sites, err := LoadJSONL(s.Path)
	if err != nil {
		return nil, err
	}
	return EntriesFromWebsites(sites), nil
}

// StaticSource serves a fixed set of entries.
type StaticSource []Entry

// ListAllEmbeddings implements Source.
func (s StaticSource) ListAllEmbeddings(ctx context.Context) ([]Entry, error) {
	out := make([]Entry, len(s))
	copy(out, s)
	return out, ctx.Err()
}

// EntriesFromWebsites drops metadata that the index does not need.
func EntriesFromWebsites(sites []world.Website) []Entry {
	out := make([]Entry, 0, len(sites))
	for _, s := range sites {
		out = append(out, Entry{URL: s.URL, Vector: s.Embedding, Popularity: s.Popularity})
	}
	return out
}
