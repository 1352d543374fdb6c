package observerproto

import "voxelstream.ai/internal/sim/chunk"

// Version is the stream observer protocol version.
const Version = "1.0"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypePose      = "POSE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection; may be
// re-sent to change the map radius.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// MapRadius > 0 asks for a chunk state map of that radius in every tick.
	MapRadius int `json:"map_radius,omitempty"`
}

// Client -> Server. Observer position (world units) and view direction.
type PoseMsg struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Z    float64 `json:"z"`
	DirX float64 `json:"dir_x"`
	DirZ float64 `json:"dir_z"`
}

// HTTP response for GET /v1/stream/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	RunID           string       `json:"run_id"`
	Tick            uint64       `json:"tick"`
	Params          StreamParams `json:"stream_params"`
}

type StreamParams struct {
	TickRateHz     int    `json:"tick_rate_hz"`
	ChunkSize      int    `json:"chunk_size"`
	ChunkHeight    int    `json:"chunk_height"`
	RenderDistance int    `json:"render_distance"`
	Seed           int64  `json:"seed"`
	LoaderMode     string `json:"loader_mode"`
	ExecutionMode  string `json:"execution_mode"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Tick            uint64     `json:"tick"`
	Observer        [2]float64 `json:"observer"`
	Stats           any        `json:"stats"`
	Map             *ChunkMap  `json:"map,omitempty"`
}

// ChunkMap is a square of chunk states centred on the observer, row-major
// from (Center-Radius) in both axes. Cell codes: '.' unrequested, 'q'
// queued, 'l' loading, '#' resident.
type ChunkMap struct {
	Center [2]int   `json:"center"`
	Radius int      `json:"radius"`
	Rows   []string `json:"rows"`
}

// StateCode is the ChunkMap cell code for s.
func StateCode(s chunk.State) byte {
	switch s {
	case chunk.Queued:
		return 'q'
	case chunk.Loading:
		return 'l'
	case chunk.Resident:
		return '#'
	default:
		return '.'
	}
}

// NewChunkMap samples state over the square of the given radius around center.
// Row 0 is the lowest CZ.
func NewChunkMap(center chunk.Key, radius int, state func(chunk.Key) chunk.State) *ChunkMap {
	if radius < 0 {
		radius = 0
	}
	m := &ChunkMap{Center: [2]int{center.CX, center.CZ}, Radius: radius}
	row := make([]byte, 2*radius+1)
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			row[dx+radius] = StateCode(state(chunk.Key{CX: center.CX + dx, CZ: center.CZ + dz}))
		}
		m.Rows = append(m.Rows, string(row))
	}
	return m
}

// At returns the cell code at k, or 0 outside the map.
func (m *ChunkMap) At(k chunk.Key) byte {
	dx := k.CX - m.Center[0] + m.Radius
	dz := k.CZ - m.Center[1] + m.Radius
	if dz < 0 || dz >= len(m.Rows) || dx < 0 || dx >= len(m.Rows[dz]) {
		return 0
	}
	return m.Rows[dz][dx]
}
