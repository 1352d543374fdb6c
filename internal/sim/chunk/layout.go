package chunk

// Air is the empty voxel id.
const Air byte = 0

// Dims returns the horizontal and vertical cell counts of a chunk sampled at lod.
// Each level halves the resolution; a dimension never drops below one cell.
func Dims(size, height, lod int) (n, h int) {
	if lod < 0 {
		lod = 0
	}
	n = size >> lod
	h = height >> lod
	if n < 1 {
		n = 1
	}
	if h < 1 {
		h = 1
	}
	return n, h
}

// Index is the flat voxel index inside an n*h*n array (x fastest, then z, then y).
func Index(n, x, y, z int) int {
	return x + z*n + y*n*n
}

// Step is the world-space edge length of one cell at lod.
func Step(lod int) int {
	if lod <= 0 {
		return 1
	}
	return 1 << lod
}
