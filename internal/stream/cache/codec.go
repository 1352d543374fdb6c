package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/sim/chunk"
)

var meshMagic = [4]byte{'V', 'X', 'M', '1'}

var ErrBadMesh = errors.New("cache: bad mesh blob")

// EncodeAll/DecodeAll are safe for concurrent use on shared coders.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil)
)

// EncodeMesh serialises a mesh as little-endian arrays behind a fixed header
// and compresses the result with zstd.
func EncodeMesh(m chunk.MeshData) []byte {
	n := 4 + 5*4 + 4*(len(m.Positions)+len(m.Normals)+len(m.Colors)+len(m.Indices))
	raw := make([]byte, 0, n)
	raw = append(raw, meshMagic[:]...)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(m.VertexCount))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(m.Positions)))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(m.Normals)))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(m.Colors)))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(m.Indices)))
	for _, arr := range [][]float32{m.Positions, m.Normals, m.Colors} {
		for _, f := range arr {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(f))
		}
	}
	for _, ix := range m.Indices {
		raw = binary.LittleEndian.AppendUint32(raw, ix)
	}
	return zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func DecodeMesh(blob []byte) (chunk.MeshData, error) {
	var m chunk.MeshData
	raw, err := zdec.DecodeAll(blob, nil)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrBadMesh, err)
	}
	if len(raw) < 24 || [4]byte(raw[:4]) != meshMagic {
		return m, fmt.Errorf("%w: header", ErrBadMesh)
	}
	le := binary.LittleEndian
	m.VertexCount = int(le.Uint32(raw[4:]))
	counts := [4]int{int(le.Uint32(raw[8:])), int(le.Uint32(raw[12:])), int(le.Uint32(raw[16:])), int(le.Uint32(raw[20:]))}
	body := raw[24:]
	if len(body) != 4*(counts[0]+counts[1]+counts[2]+counts[3]) {
		return m, fmt.Errorf("%w: length %d", ErrBadMesh, len(body))
	}
	floats := func(n int) []float32 {
		if n == 0 {
			return nil
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(body))
			body = body[4:]
		}
		return out
	}
	m.Positions = floats(counts[0])
	m.Normals = floats(counts[1])
	m.Colors = floats(counts[2])
	if counts[3] > 0 {
		m.Indices = make([]uint32, counts[3])
		for i := range m.Indices {
			m.Indices[i] = le.Uint32(body)
			body = body[4:]
		}
	}
	return m, nil
}
