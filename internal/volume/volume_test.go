package volume

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func ramp(dims [3]int) []float32 {
	s := make([]float32, dims[0]*dims[1]*dims[2])
	for i := range s {
		s[i] = float32(i)
	}
	return s
}

func TestNew_RejectsMismatchedScalars(t *testing.T) {
	_, err := New("s", [3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{}, make([]float32, 7))
	if err == nil {
		t.Fatal("expected error for short scalar array")
	}
}

func TestSampleCount(t *testing.T) {
	tests := []struct {
		dims    [3]int
		want    int
		wantErr bool
	}{
		{dims: [3]int{3, 4, 5}, want: 60},
		{dims: [3]int{0, 1 << 40, 7}, want: 0},
		{dims: [3]int{1 << 10, 1 << 10, 1 << 10}, want: MaxSamples},
		{dims: [3]int{1 << 10, 1 << 10, 1<<10 + 1}, wantErr: true},
		{dims: [3]int{3, 6148914691236517206, 1}, wantErr: true},
		{dims: [3]int{1 << 32, 1 << 32, 1}, wantErr: true},
		{dims: [3]int{2, -1, 2}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := SampleCount(tt.dims)
		if tt.wantErr {
			if err == nil {
				t.Errorf("SampleCount(%v) = %d, want error", tt.dims, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("SampleCount(%v) = %d, %v; want %d", tt.dims, got, err, tt.want)
		}
	}
}

func TestNew_RejectsOverflowingDimensions(t *testing.T) {
	// 3 * 6148914691236517206 wraps to 2 in 64-bit arithmetic.
	_, err := New("s", [3]int{3, 6148914691236517206, 1}, [3]float64{1, 1, 1}, [3]float64{}, []float32{0, 1})
	if !errors.Is(err, ErrTooManySamples) {
		t.Fatalf("expected ErrTooManySamples, got %v", err)
	}
}

func TestNew_RejectsBadSpacing(t *testing.T) {
	for _, sp := range [][3]float64{{0, 1, 1}, {1, -1, 1}, {1, 1, math.NaN()}} {
		if _, err := New("s", [3]int{1, 1, 1}, sp, [3]float64{}, []float32{0}); err == nil {
			t.Errorf("expected error for spacing %v", sp)
		}
	}
}

func TestBounds_DerivedFromGeometry(t *testing.T) {
	v, err := New("s", [3]int{3, 4, 5}, [3]float64{1, 0.5, 2}, [3]float64{-1, 0, 10}, ramp([3]int{3, 4, 5}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := v.Bounds()
	want := r3.Box{Min: r3.Vec{X: -1, Y: 0, Z: 10}, Max: r3.Vec{X: 1, Y: 1.5, Z: 18}}
	if b != want {
		t.Fatalf("bounds = %+v, want %+v", b, want)
	}
}

func TestScalarRangeAndCopy(t *testing.T) {
	v, err := New("s", [3]int{2, 2, 1}, [3]float64{1, 1, 1}, [3]float64{}, []float32{3, -2, 7, 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lo, hi := v.ScalarRange()
	if lo != -2 || hi != 7 {
		t.Fatalf("range = (%g, %g), want (-2, 7)", lo, hi)
	}
	s := v.Scalars()
	s[0] = 100
	if v.At(0, 0, 0) != 3 {
		t.Fatal("Scalars must return a copy")
	}
}

func TestSample_Trilinear(t *testing.T) {
	v, err := New("s", [3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{}, ramp([3]int{2, 2, 2}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, ok := v.Sample(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5})
	if !ok {
		t.Fatal("center should be inside")
	}
	if math.Abs(got-3.5) > 1e-9 {
		t.Fatalf("center sample = %g, want 3.5", got)
	}

	got, _ = v.Sample(r3.Vec{X: 1, Y: 0, Z: 0})
	if got != 1 {
		t.Fatalf("corner sample = %g, want 1", got)
	}

	if _, ok := v.Sample(r3.Vec{X: 1.5, Y: 0, Z: 0}); ok {
		t.Fatal("outside point reported inside")
	}
}

func TestDecodeError_Unwrap(t *testing.T) {
	cause := errors.New("truncated")
	err := error(&DecodeError{Format: "vti", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatal("DecodeError should unwrap to its cause")
	}
	var de *DecodeError
	if !errors.As(Decodef("raw", "bad %d", 1), &de) || de.Format != "raw" {
		t.Fatal("Decodef should build a DecodeError")
	}
}
