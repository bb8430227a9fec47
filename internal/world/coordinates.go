package world

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ChunkCoord identifies a chunk on the infinite integer grid.
type ChunkCoord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// String returns the chunk ID form "x_z".
func (c ChunkCoord) String() string {
	return fmt.Sprintf("%d_%d", c.X, c.Z)
}

// ParseChunkID parses a chunk ID of the form "x_z". Negative components are allowed.
func ParseChunkID(id string) (ChunkCoord, error) {
	// Split on the separator that follows the first component so "-1_-2" parses.
	sep := strings.Index(strings.TrimPrefix(id, "-"), "_")
	if sep < 0 {
		return ChunkCoord{}, fmt.Errorf("%w: chunk id %q (expected: x_z)", ErrInvalidCoordinate, id)
	}
	if strings.HasPrefix(id, "-") {
		sep++
	}
	return ParseCoord(id[:sep], id[sep+1:])
}

// ParseCoord parses integer chunk coordinates from their decimal string forms.
func ParseCoord(xs, zs string) (ChunkCoord, error) {
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return ChunkCoord{}, fmt.Errorf("%w: chunkX %q is not an integer", ErrInvalidCoordinate, xs)
	}
	z, err := strconv.Atoi(strings.TrimSpace(zs))
	if err != nil {
		return ChunkCoord{}, fmt.Errorf("%w: chunkZ %q is not an integer", ErrInvalidCoordinate, zs)
	}
	return ChunkCoord{X: x, Z: z}, nil
}

// WorldToChunk maps a world position to the chunk containing it.
// Uses floor division so negative positions land in negative chunks.
func WorldToChunk(x, z float64, cfg Config) ChunkCoord {
	size := cfg.ChunkSize()
	return ChunkCoord{
		X: int(math.Floor(x / size)),
		Z: int(math.Floor(z / size)),
	}
}

// ChunkOrigin returns the world position of a chunk's minimum corner.
func ChunkOrigin(c ChunkCoord, cfg Config) (float64, float64) {
	size := cfg.ChunkSize()
	return float64(c.X) * size, float64(c.Z) * size
}

// CellCenter returns the world position of the center of a grid cell.
func CellCenter(c ChunkCoord, gridX, gridZ int, cfg Config) (float64, float64) {
	ox, oz := ChunkOrigin(c, cfg)
	half := cfg.CellSize / 2
	return ox + float64(gridX)*cfg.CellSize + half, oz + float64(gridZ)*cfg.CellSize + half
}

// Neighbors returns the 8 chunks adjacent to c in row-major order.
func Neighbors(c ChunkCoord) []ChunkCoord {
	out := make([]ChunkCoord, 0, 8)
	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dz == 0 {
				continue
			}
			out = append(out, ChunkCoord{X: c.X + dx, Z: c.Z + dz})
		}
	}
	return out
}

// Neighborhood returns the (2r+1)^2 chunks centered on c in row-major order.
func Neighborhood(c ChunkCoord, radius int) []ChunkCoord {
	if radius < 0 {
		return nil
	}
	side := 2*radius + 1
	out := make([]ChunkCoord, 0, side*side)
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			out = append(out, ChunkCoord{X: c.X + dx, Z: c.Z + dz})
		}
	}
	return out
}

// ChebyshevDistance is the number of chunk steps (including diagonals) between a and b.
func ChebyshevDistance(a, b ChunkCoord) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dz := a.Z - b.Z
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}

// DiffChunkSets returns coords present only in next (added) and only in previous (removed).
func DiffChunkSets(previous, next []ChunkCoord) (added []ChunkCoord, removed []ChunkCoord) {
	prevSet := make(map[ChunkCoord]struct{}, len(previous))
	nextSet := make(map[ChunkCoord]struct{}, len(next))

	for _, c := range previous {
		prevSet[c] = struct{}{}
	}
	for _, c := range next {
		nextSet[c] = struct{}{}
		if _, exists := prevSet[c]; !exists {
			added = append(added, c)
		}
	}
	for _, c := range previous {
		if _, exists := nextSet[c]; !exists {
			removed = append(removed, c)
		}
	}
	return
}
