// Package noise provides the deterministic hashing, random and gradient noise
// primitives shared by every world renderer. All arithmetic that feeds a hash is
// done in explicit 32-bit unsigned integers so that overflow wraps identically
// on every platform and client.
package noise

import "math"

// Hash multipliers. Changing any of these changes every generated world.
const (
	hashPrimeX    uint32 = 73856093
	hashPrimeZ    uint32 = 19349663
	hashPrimeSeed uint32 = 83492791

	stringHashBase uint32 = 31

	lcgMultiplier uint32 = 1664525
	lcgIncrement  uint32 = 1013904223
)

// permutation is Ken Perlin's reference table, doubled to 512 entries for wraparound.
var permutation [512]uint8

var basePermutation = [256]uint8{
	151, 160, 137, 91, 90, 15, 131, 13, 201, 95, 96, 53, 194, 233, 7, 225,
	140, 36, 103, 30, 69, 142, 8, 99, 37, 240, 21, 10, 23, 190, 6, 148,
	247, 120, 234, 75, 0, 26, 197, 62, 94, 252, 219, 203, 117, 35, 11, 32,
	57, 177, 33, 88, 237, 149, 56, 87, 174, 20, 125, 136, 171, 168, 68, 175,
	74, 165, 71, 134, 139, 48, 27, 166, 77, 146, 158, 231, 83, 111, 229, 122,
	60, 211, 133, 230, 220, 105, 92, 41, 55, 46, 245, 40, 244, 102, 143, 54,
	65, 25, 63, 161, 1, 216, 80, 73, 209, 76, 132, 187, 208, 89, 18, 169,
	200, 196, 135, 130, 116, 188, 159, 86, 164, 100, 109, 198, 173, 186, 3, 64,
	52, 217, 226, 250, 124, 123, 5, 202, 38, 147, 118, 126, 255, 82, 85, 212,
	207, 206, 59, 227, 47, 16, 58, 17, 182, 189, 28, 42, 223, 183, 170, 213,
	119, 248, 152, 2, 44, 154, 163, 70, 221, 153, 101, 155, 167, 43, 172, 9,
	129, 22, 39, 253, 19, 98, 108, 110, 79, 113, 224, 232, 178, 185, 112, 104,
	218, 246, 97, 228, 251, 34, 242, 193, 238, 210, 144, 12, 191, 179, 162, 241,
	81, 51, 145, 235, 249, 14, 239, 107, 49, 192, 214, 31, 181, 199, 106, 157,
	184, 84, 204, 176, 115, 121, 50, 45, 127, 4, 150, 254, 138, 236, 205, 93,
	222, 114, 67, 29, 24, 72, 243, 141, 128, 195, 78, 66, 215, 61, 156, 180,
}

func init() {
	for i := 0; i < 512; i++ {
		permutation[i] = basePermutation[i&255]
	}
}

// HashCoords hashes an integer coordinate pair with a seed.
// Coordinates are truncated to 32 bits before mixing.
func HashCoords(x, z int, seed int32) uint32 {
	h := uint32(int32(x))*hashPrimeX ^ uint32(int32(z))*hashPrimeZ
	return h + uint32(seed)*hashPrimeSeed
}

// HashString is a polynomial string hash (h = h*31 + b) starting from seed.
func HashString(text string, seed uint32) uint32 {
	h := seed
	for i := 0; i < len(text); i++ {
		h = h*stringHashBase + uint32(text[i])
	}
	return h
}

// LCG is a 32-bit linear congruential generator. Not safe for concurrent use.
type LCG struct {
	state uint32
}

// NewLCG returns a generator whose stream is fully determined by seed.
func NewLCG(seed uint32) *LCG {
	return &LCG{state: seed}
}

// Next advances the generator and returns the raw 32-bit state.
func (g *LCG) Next() uint32 {
	g.state = g.state*lcgMultiplier + lcgIncrement
	return g.state
}

// Float64 returns the next value in [0, 1).
func (g *LCG) Float64() float64 {
	return float64(g.Next()) / 4294967296.0
}

// Intn returns the next value in [0, n). Returns 0 when n <= 0.
func (g *LCG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(g.Float64() * float64(n))
}

func fade(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

func lerp(t, a, b float64) float64 {
	return a + t*(b-a)
}

func grad(hash uint8, x, y float64) float64 {
	switch hash & 3 {
	case 0:
		return x + y
	case 1:
		return -x + y
	case 2:
		return x - y
	default:
		return -x - y
	}
}

// Gradient2D samples 2D gradient noise at (x, y). The result lies in [-1, 1].
// The seed shifts the sampling plane; the permutation table itself is fixed.
func Gradient2D(x, y float64, seed int32) float64 {
	shift := float64(uint32(seed) & 0xffff)
	x += shift * 0.31
	y += shift * 0.17

	xf := math.Floor(x)
	yf := math.Floor(y)
	xi := int(xf) & 255
	yi := int(yf) & 255
	x -= xf
	y -= yf

	u := fade(x)
	v := fade(y)

	a := int(permutation[xi]) + yi
	b := int(permutation[xi+1]) + yi

	return lerp(v,
		lerp(u, grad(permutation[a], x, y), grad(permutation[b], x-1, y)),
		lerp(u, grad(permutation[a+1], x, y-1), grad(permutation[b+1], x-1, y-1)),
	)
}

// Offset returns two decorrelated noise samples scaled into [-maxOffset, maxOffset].
func Offset(baseX, baseZ float64, seed int32, scale, maxOffset float64) (float64, float64) {
	dx := Gradient2D(baseX*scale, baseZ*scale, seed) * maxOffset
	dz := Gradient2D(baseX*scale+1000, baseZ*scale+1000, seed) * maxOffset
	return clamp(dx, -maxOffset, maxOffset), clamp(dz, -maxOffset, maxOffset)
}

// SizeVariation returns a multiplier in [1-variation, 1+variation].
func SizeVariation(x, z float64, seed int32, variation float64) float64 {
	m := 1 + Gradient2D(x*0.1, z*0.1, seed+7919)*variation
	return clamp(m, 1-variation, 1+variation)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
