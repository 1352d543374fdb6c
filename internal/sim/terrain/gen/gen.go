package gen

import (
	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/mathx"
)

// Voxel ids produced by Generate.
const (
	Air   byte = chunk.Air
	Stone byte = 1
	Dirt  byte = 2
	Grass byte = 3
	Sand  byte = 4
	Water byte = 5
	Log   byte = 6
	Ore   byte = 7
)

const biomeRegionSize = 96

func BiomeFrom(noise uint64) string {
	switch noise % 3 {
	case 0:
		return "PLAINS"
	case 1:
		return "FOREST"
	default:
		return "DESERT"
	}
}

func BiomeAt(seed int64, x, z, regionSize int) string {
	if regionSize <= 0 {
		regionSize = 1
	}
	rx := mathx.FloorDiv(x, regionSize)
	rz := mathx.FloorDiv(z, regionSize)
	return BiomeFrom(mathx.Hash2(seed, rx, rz))
}

func InCluster(seed int64, x, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := mathx.FloorDiv(x, grid)
	gz := mathx.FloorDiv(z, grid)
	r2 := radius * radius

	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			cgx := gx + dx
			cgz := gz + dz
			h := mathx.Hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}

			ox := int((h >> 10) % uint64(grid))
			oz := int((h >> 20) % uint64(grid))
			cx := cgx*grid + ox
			cz := cgz*grid + oz

			ddx := x - cx
			ddz := z - cz
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}

// valueNoise is bilinear interpolation of hashed lattice values in [0,1).
func valueNoise(seed int64, x, z float64, cell int) float64 {
	fx := x / float64(cell)
	fz := z / float64(cell)
	x0 := floor(fx)
	z0 := floor(fz)
	tx := smooth(fx - float64(x0))
	tz := smooth(fz - float64(z0))
	a := mathx.Unit2(seed, x0, z0)
	b := mathx.Unit2(seed, x0+1, z0)
	c := mathx.Unit2(seed, x0, z0+1)
	d := mathx.Unit2(seed, x0+1, z0+1)
	top := a + (b-a)*tx
	bot := c + (d-c)*tx
	return top + (bot-top)*tz
}

func floor(v float64) int {
	i := int(v)
	if v < 0 && float64(i) != v {
		i--
	}
	return i
}

func smooth(t float64) float64 { return t * t * (3 - 2*t) }

// HeightAt is the terrain surface height at a world column, in [1, height-3].
func HeightAt(seed int64, wx, wz, height int) int {
	n := 0.65*valueNoise(seed, float64(wx), float64(wz), 64) +
		0.25*valueNoise(seed+17, float64(wx), float64(wz), 24) +
		0.10*valueNoise(seed+29, float64(wx), float64(wz), 8)
	h := int(n * float64(height) * 0.8)
	if h > height-3 {
		h = height - 3
	}
	if h < 1 {
		h = 1
	}
	return h
}

// BlockAt is the full-resolution voxel at a world position.
func BlockAt(seed int64, wx, wy, wz, height int) byte {
	if height <= 3 {
		if wy == 0 {
			return Stone
		}
		return Air
	}
	surface := HeightAt(seed, wx, wz, height)
	water := height / 4
	biome := BiomeAt(seed, wx, wz, biomeRegionSize)
	switch {
	case wy > surface:
		if wy <= water {
			return Water
		}
		if wy == surface+1 && biome == "FOREST" && InCluster(seed+201, wx, wz, 12, 1, 300) {
			return Log
		}
		return Air
	case wy == surface:
		if biome == "DESERT" || surface <= water {
			return Sand
		}
		return Grass
	case wy >= surface-3:
		if biome == "DESERT" {
			return Sand
		}
		return Dirt
	default:
		if InCluster(seed+104, wx, wz, 32, 2, 450) && mathx.Hash2(seed+int64(wy), wx, wz)%4 == 0 {
			return Ore
		}
		return Stone
	}
}

// Generate fills the voxel array of one chunk column. Cells are sampled at
// their centre, so coarser levels of detail see a subset of the full grid.
func Generate(req chunk.TerrainRequest) []byte {
	n, h := chunk.Dims(req.Size, req.Height, req.LOD)
	step := chunk.Step(req.LOD)
	half := step / 2
	out := make([]byte, n*n*h)
	for z := 0; z < n; z++ {
		for x := 0; x < n; x++ {
			wx := req.Key.CX*req.Size + x*step + half
			wz := req.Key.CZ*req.Size + z*step + half
			for y := 0; y < h; y++ {
				out[chunk.Index(n, x, y, z)] = BlockAt(req.Seed, wx, y*step+half, wz, req.Height)
			}
		}
	}
	return out
}
