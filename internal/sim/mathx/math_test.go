package mathx

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestFloorDivMod_Negative(t *testing.T) {
	if got := FloorDiv(-1, 16); got != -1 {
		t.Fatalf("FloorDiv(-1,16)=%d want=-1", got)
	}
	if got := Mod(-1, 16); got != 15 {
		t.Fatalf("Mod(-1,16)=%d want=15", got)
	}
	if got := FloorDiv(-16, 16); got != -1 {
		t.Fatalf("FloorDiv(-16,16)=%d want=-1", got)
	}
}

func TestChunkOf_FloorsNegative(t *testing.T) {
	cx, cz := ChunkOf(ChunkSpace(mgl64.Vec2{-0.5, 31.9}, 16))
	if cx != -1 || cz != 1 {
		t.Fatalf("chunk=%d,%d want=-1,1", cx, cz)
	}
}

func TestSafeNormalize_Zero(t *testing.T) {
	if v := SafeNormalize(mgl64.Vec2{}); v != (mgl64.Vec2{}) {
		t.Fatalf("zero vector normalized to %v", v)
	}
	v := SafeNormalize(mgl64.Vec2{3, 4})
	if d := v.Len() - 1; d > 1e-9 || d < -1e-9 {
		t.Fatalf("len=%f want=1", v.Len())
	}
}

func TestUnit2_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		u := Unit2(42, i, -i)
		if u < 0 || u >= 1 {
			t.Fatalf("Unit2 out of range: %f", u)
		}
	}
}
