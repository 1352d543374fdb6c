package encoding

import (
	"errors"
	"fmt"
)

// ErrCorrupt is returned for encoded input that is not a sequence of (count, value) pairs.
var ErrCorrupt = errors.New("rle: corrupt input")

// maxRun is the largest count a single pair can carry.
const maxRun = 255

// EncodeRLE encodes voxel ids as (count, value) byte pairs. A run longer than
// 255 continues in a new pair with the same value.
func EncodeRLE(ids []byte) []byte {
	out := make([]byte, 0, 16)
	for i := 0; i < len(ids); {
		b := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == b && run < maxRun; j++ {
			run++
		}
		out = append(out, byte(run), b)
		i += run
	}
	return out
}

// DecodedLen reports how many ids enc expands to without allocating them.
func DecodedLen(enc []byte) (int, error) {
	if len(enc)%2 != 0 {
		return 0, fmt.Errorf("%w: odd length %d", ErrCorrupt, len(enc))
	}
	n := 0
	for i := 0; i < len(enc); i += 2 {
		if enc[i] == 0 {
			return 0, fmt.Errorf("%w: zero count at %d", ErrCorrupt, i)
		}
		n += int(enc[i])
	}
	return n, nil
}

func DecodeRLE(enc []byte) ([]byte, error) {
	n, err := DecodedLen(enc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for i := 0; i < len(enc); i += 2 {
		run, b := int(enc[i]), enc[i+1]
		for k := 0; k < run; k++ {
			out = append(out, b)
		}
	}
	return out, nil
}
