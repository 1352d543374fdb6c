package mesh

import (
	"voxelstream.ai/internal/sim/chunk"
)

var palette = map[byte][3]float32{
	1: {0.50, 0.50, 0.52}, // stone
	2: {0.45, 0.32, 0.20}, // dirt
	3: {0.30, 0.62, 0.25}, // grass
	4: {0.86, 0.80, 0.55}, // sand
	5: {0.20, 0.35, 0.80}, // water
	6: {0.40, 0.28, 0.15}, // log
	7: {0.70, 0.55, 0.45}, // ore
}

// Color returns the vertex color for a voxel id; unknown ids are magenta.
func Color(id byte) [3]float32 {
	if c, ok := palette[id]; ok {
		return c
	}
	return [3]float32{1, 0, 1}
}

type face struct {
	dir     [3]int
	normal  [3]float32
	corners [4][3]float32
}

// Corners are wound counter-clockwise seen from outside the cube.
var faces = [6]face{
	{dir: [3]int{1, 0, 0}, normal: [3]float32{1, 0, 0}, corners: [4][3]float32{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},
	{dir: [3]int{-1, 0, 0}, normal: [3]float32{-1, 0, 0}, corners: [4][3]float32{{0, 0, 1}, {0, 1, 1}, {0, 1, 0}, {0, 0, 0}}},
	{dir: [3]int{0, 1, 0}, normal: [3]float32{0, 1, 0}, corners: [4][3]float32{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},
	{dir: [3]int{0, -1, 0}, normal: [3]float32{0, -1, 0}, corners: [4][3]float32{{0, 0, 1}, {0, 0, 0}, {1, 0, 0}, {1, 0, 1}}},
	{dir: [3]int{0, 0, 1}, normal: [3]float32{0, 0, 1}, corners: [4][3]float32{{1, 0, 1}, {1, 1, 1}, {0, 1, 1}, {0, 0, 1}}},
	{dir: [3]int{0, 0, -1}, normal: [3]float32{0, 0, -1}, corners: [4][3]float32{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},
}

// Build emits one quad per voxel face that borders air or the chunk edge.
// Positions are world-space; an all-air chunk yields an empty mesh.
func Build(req chunk.MeshRequest) chunk.MeshData {
	n, h := chunk.Dims(req.Size, req.Height, req.LOD)
	step := float32(chunk.Step(req.LOD))
	ox := float32(req.Key.CX * req.Size)
	oz := float32(req.Key.CZ * req.Size)
	var m chunk.MeshData
	if len(req.Voxels) < n*n*h {
		return m
	}

	solid := func(x, y, z int) bool {
		if x < 0 || z < 0 || y < 0 || x >= n || z >= n || y >= h {
			return false
		}
		return req.Voxels[chunk.Index(n, x, y, z)] != chunk.Air
	}

	for y := 0; y < h; y++ {
		for z := 0; z < n; z++ {
			for x := 0; x < n; x++ {
				id := req.Voxels[chunk.Index(n, x, y, z)]
				if id == chunk.Air {
					continue
				}
				col := Color(id)
				for _, f := range faces {
					if solid(x+f.dir[0], y+f.dir[1], z+f.dir[2]) {
						continue
					}
					base := uint32(m.VertexCount)
					for _, c := range f.corners {
						m.Positions = append(m.Positions,
							ox+(float32(x)+c[0])*step,
							(float32(y)+c[1])*step,
							oz+(float32(z)+c[2])*step)
						m.Normals = append(m.Normals, f.normal[0], f.normal[1], f.normal[2])
						m.Colors = append(m.Colors, col[0], col[1], col[2])
					}
					m.Indices = append(m.Indices, base, base+1, base+2, base, base+2, base+3)
					m.VertexCount += 4
				}
			}
		}
	}
	return m
}
