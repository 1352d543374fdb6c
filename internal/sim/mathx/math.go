package mathx

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// Unit2 maps a hash to [0,1).
func Unit2(seed int64, x, z int) float64 {
	return float64(Hash2(seed, x, z)>>11) / float64(1<<53)
}

// ChunkSpace converts a world-space (x,z) position into chunk units.
func ChunkSpace(pos mgl64.Vec2, chunkSize int) mgl64.Vec2 {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return pos.Mul(1 / float64(chunkSize))
}

// ChunkOf returns the integer chunk column containing a chunk-space point.
func ChunkOf(p mgl64.Vec2) (cx, cz int) {
	return int(math.Floor(p[0])), int(math.Floor(p[1]))
}

// ChunkCenter is the chunk-space centre of column (cx,cz).
func ChunkCenter(cx, cz int) mgl64.Vec2 {
	return mgl64.Vec2{float64(cx) + 0.5, float64(cz) + 0.5}
}

// SafeNormalize returns v scaled to unit length, or the zero vector when v is
// too short to carry a direction.
func SafeNormalize(v mgl64.Vec2) mgl64.Vec2 {
	l := v.Len()
	if l < 1e-9 || math.IsNaN(l) || math.IsInf(l, 0) {
		return mgl64.Vec2{}
	}
	return v.Mul(1 / l)
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
