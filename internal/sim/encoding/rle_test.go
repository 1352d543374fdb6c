package encoding

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestRLE_RoundTrip(t *testing.T) {
	in := make([]byte, 0, 200)
	in = append(in, 1, 1, 1, 2, 2, 3)
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 10, 10, 10)

	enc := EncodeRLE(in)
	out, err := DecodeRLE(enc)
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round trip mismatch: got %v want %v", out, in)
	}
}

func TestRLE_LongRunSplitsAt255(t *testing.T) {
	in := bytes.Repeat([]byte{4}, 600)
	enc := EncodeRLE(in)
	want := []byte{255, 4, 255, 4, 90, 4}
	if !bytes.Equal(enc, want) {
		t.Fatalf("enc=%v want=%v", enc, want)
	}
	out, err := DecodeRLE(enc)
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("decoded %d bytes want %d", len(out), len(in))
	}
}

func TestRLE_RandomInputsAreLossless(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(2000)
		in := make([]byte, n)
		for i := range in {
			// Few distinct values so runs actually occur.
			in[i] = byte(rng.Intn(3))
			if rng.Intn(10) == 0 {
				in[i] = byte(rng.Intn(256))
			}
		}
		out, err := DecodeRLE(EncodeRLE(in))
		if err != nil {
			t.Fatalf("iter %d: DecodeRLE: %v", iter, err)
		}
		if !bytes.Equal(out, in) {
			t.Fatalf("iter %d: round trip mismatch", iter)
		}
	}
}

func TestRLE_CorruptInput(t *testing.T) {
	if _, err := DecodeRLE([]byte{3}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("odd length err=%v want ErrCorrupt", err)
	}
	if _, err := DecodeRLE([]byte{0, 9}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("zero count err=%v want ErrCorrupt", err)
	}
}

func TestRLE_Empty(t *testing.T) {
	if enc := EncodeRLE(nil); len(enc) != 0 {
		t.Fatalf("enc=%v want empty", enc)
	}
	out, err := DecodeRLE(nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("decode empty: out=%v err=%v", out, err)
	}
}
