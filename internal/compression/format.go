// Package compression packs chunk records for transmission over the stream.
package compression

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/semanticcity/server/internal/world"
)

// FormatJSONZstd is zstd-compressed JSON.
const FormatJSONZstd = "json_zstd"

// CompressedChunk represents compressed chunk data ready for transmission
type CompressedChunk struct {
	Format           string `json:"format"`            // "json_zstd"
	Data             string `json:"data"`              // Base64-encoded compressed data
	Size             int    `json:"size"`              // Compressed size in bytes
	UncompressedSize int    `json:"uncompressed_size"` // Uncompressed size in bytes (for progress tracking)
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// EncodeAll/DecodeAll are safe for concurrent use, so one of each is shared.
func sharedEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder, encoderErr
}

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder, decoderErr
}

// FormatCompressedChunk formats compressed data for JSON transmission
func FormatCompressedChunk(compressedData []byte, uncompressedSize int) *CompressedChunk {
	return &CompressedChunk{
		Format:           FormatJSONZstd,
		Data:             base64.StdEncoding.EncodeToString(compressedData),
		Size:             len(compressedData),
		UncompressedSize: uncompressedSize,
	}
}

// CompressRecord marshals a chunk record to JSON and compresses it
func CompressRecord(record *world.ChunkRecord) (*CompressedChunk, error) {
	if record == nil {
		return nil, fmt.Errorf("record cannot be nil")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	enc, err := sharedEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return FormatCompressedChunk(enc.EncodeAll(raw, nil), len(raw)), nil
}

// Decompress returns the raw payload of a compressed chunk
func Decompress(c *CompressedChunk) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("compressed chunk cannot be nil")
	}
	if c.Format != FormatJSONZstd {
		return nil, fmt.Errorf("unsupported format: %s", c.Format)
	}
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) != c.Size {
		return nil, fmt.Errorf("compressed size mismatch: header says %d, got %d", c.Size, len(data))
	}
	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(data, make([]byte, 0, c.UncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(raw) != c.UncompressedSize {
		return nil, fmt.Errorf("uncompressed size mismatch: header says %d, got %d", c.UncompressedSize, len(raw))
	}
	return raw, nil
}

// DecompressRecord reverses CompressRecord
func DecompressRecord(c *CompressedChunk) (*world.ChunkRecord, error) {
	raw, err := Decompress(c)
	if err != nil {
		return nil, err
	}
	var record world.ChunkRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}
