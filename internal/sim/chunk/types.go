package chunk

import "fmt"

// Key identifies a vertical chunk column.
type Key struct {
	CX int
	CZ int
}

func (k Key) String() string { return fmt.Sprintf("%d,%d", k.CX, k.CZ) }

// State is the lifecycle state of a coordinate as seen by the coordinator.
// Unloaded and evicted chunks go back to Unrequested.
type State uint8

const (
	Unrequested State = iota
	Queued
	Loading
	Resident
)

func (s State) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Loading:
		return "LOADING"
	case Resident:
		return "RESIDENT"
	default:
		return "UNREQUESTED"
	}
}

// LoadRequest is a pending load. Lower priority values are more urgent.
type LoadRequest struct {
	Key      Key
	Priority float64
	LOD      int
}

// TerrainRequest is the terrain worker contract input.
type TerrainRequest struct {
	Key    Key
	Size   int
	Height int
	Seed   int64
	LOD    int
}

// MeshRequest is the mesh worker contract input. The worker owns Voxels
// while the job is in flight and hands it back with the result.
type MeshRequest struct {
	Key    Key
	Voxels []byte
	Size   int
	Height int
	LOD    int
}

// MeshData is the flat geometry buffer set delivered to the renderer.
type MeshData struct {
	Positions   []float32
	Normals     []float32
	Colors      []float32
	Indices     []uint32
	VertexCount int
}

func (m MeshData) Empty() bool { return m.VertexCount == 0 }

// ByteSize is the in-memory size of the buffers.
func (m MeshData) ByteSize() int {
	return 4 * (len(m.Positions) + len(m.Normals) + len(m.Colors) + len(m.Indices))
}

func (m MeshData) Clone() MeshData {
	return MeshData{
		Positions:   append([]float32(nil), m.Positions...),
		Normals:     append([]float32(nil), m.Normals...),
		Colors:      append([]float32(nil), m.Colors...),
		Indices:     append([]uint32(nil), m.Indices...),
		VertexCount: m.VertexCount,
	}
}

// MeshResponse pairs the built geometry with the voxel buffer the mesh
// worker was given, returning its ownership to the caller.
type MeshResponse struct {
	Key    Key
	Mesh   MeshData
	Voxels []byte
}
