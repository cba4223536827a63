// Package volume holds the decoded image volume and the decoder contract.
package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ImageVolume is a regular 3D grid of scalar samples with its geometry.
// It is immutable once constructed; a reload replaces it wholesale.
type ImageVolume struct {
	name       string
	dimensions [3]int
	spacing    [3]float64
	origin     [3]float64
	scalars    []float32
	min, max   float64
}

// MaxSamples caps the number of grid points a volume may hold.
const MaxSamples = 1 << 30

// ErrTooManySamples is returned when a grid exceeds MaxSamples points.
var ErrTooManySamples = errors.New("too many samples")

// SampleCount returns dims[0]*dims[1]*dims[2], rejecting negative axes and
// products above MaxSamples without overflowing.
func SampleCount(dims [3]int) (int, error) {
	n := 1
	for i, d := range dims {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d on axis %d", d, i)
		}
		if d == 0 {
			return 0, nil
		}
		if d > MaxSamples/n {
			return 0, fmt.Errorf("dimensions %dx%dx%d: %w (max %d)", dims[0], dims[1], dims[2], ErrTooManySamples, MaxSamples)
		}
		n *= d
	}
	return n, nil
}

// New validates the grid and returns an immutable volume.
// Scalars are stored x-fastest, then y, then z. The slice is owned by the
// returned volume and must not be modified by the caller afterwards.
func New(name string, dims [3]int, spacing, origin [3]float64, scalars []float32) (*ImageVolume, error) {
	n, err := SampleCount(dims)
	if err != nil {
		return nil, err
	}
	for i, s := range spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("invalid spacing %g on axis %d", s, i)
		}
	}
	if len(scalars) != n {
		return nil, fmt.Errorf("scalar count %d does not match dimensions %dx%dx%d", len(scalars), dims[0], dims[1], dims[2])
	}

	v := &ImageVolume{
		name:       name,
		dimensions: dims,
		spacing:    spacing,
		origin:     origin,
		scalars:    scalars,
	}
	v.min, v.max = scalarRange(scalars)
	return v, nil
}

func scalarRange(s []float32) (float64, float64) {
	if len(s) == 0 {
		return 0, 0
	}
	lo, hi := s[0], s[0]
	for _, x := range s[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return float64(lo), float64(hi)
}

// Name returns the scalar array name reported by the decoder.
func (v *ImageVolume) Name() string { return v.name }

// Dimensions returns the voxel counts per axis.
func (v *ImageVolume) Dimensions() [3]int { return v.dimensions }

// Spacing returns the world size of a voxel per axis.
func (v *ImageVolume) Spacing() [3]float64 { return v.spacing }

// Origin returns the world position of voxel (0,0,0).
func (v *ImageVolume) Origin() [3]float64 { return v.origin }

// Len returns the number of samples.
func (v *ImageVolume) Len() int { return len(v.scalars) }

// ScalarRange returns the minimum and maximum sample values.
func (v *ImageVolume) ScalarRange() (float64, float64) { return v.min, v.max }

// Scalars returns a copy of the sample array.
func (v *ImageVolume) Scalars() []float32 {
	out := make([]float32, len(v.scalars))
	copy(out, v.scalars)
	return out
}

// Bounds returns the world-space bounding box. Samples sit on grid points,
// so the box spans origin to origin + spacing*(dim-1) on every axis.
func (v *ImageVolume) Bounds() r3.Box {
	var lo, hi [3]float64
	for i := 0; i < 3; i++ {
		ext := 0.0
		if v.dimensions[i] > 1 {
			ext = v.spacing[i] * float64(v.dimensions[i]-1)
		}
		lo[i] = v.origin[i]
		hi[i] = v.origin[i] + ext
		if hi[i] < lo[i] {
			lo[i], hi[i] = hi[i], lo[i]
		}
	}
	return r3.Box{
		Min: r3.Vec{X: lo[0], Y: lo[1], Z: lo[2]},
		Max: r3.Vec{X: hi[0], Y: hi[1], Z: hi[2]},
	}
}

// At returns the sample at grid index (i, j, k). Indices are clamped.
func (v *ImageVolume) At(i, j, k int) float32 {
	i = clampIndex(i, v.dimensions[0])
	j = clampIndex(j, v.dimensions[1])
	k = clampIndex(k, v.dimensions[2])
	return v.scalars[(k*v.dimensions[1]+j)*v.dimensions[0]+i]
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Sample returns the trilinearly interpolated value at world position p and
// whether p lies inside the volume bounds.
func (v *ImageVolume) Sample(p r3.Vec) (float64, bool) {
	if len(v.scalars) == 0 {
		return 0, false
	}
	g := [3]float64{
		(p.X - v.origin[0]) / v.spacing[0],
		(p.Y - v.origin[1]) / v.spacing[1],
		(p.Z - v.origin[2]) / v.spacing[2],
	}
	var i0 [3]int
	var f [3]float64
	for a := 0; a < 3; a++ {
		hi := float64(v.dimensions[a] - 1)
		if g[a] < -1e-9 || g[a] > hi+1e-9 {
			return 0, false
		}
		if g[a] < 0 {
			g[a] = 0
		}
		if g[a] > hi {
			g[a] = hi
		}
		fl := math.Floor(g[a])
		i0[a] = int(fl)
		f[a] = g[a] - fl
	}

	c000 := float64(v.At(i0[0], i0[1], i0[2]))
	c100 := float64(v.At(i0[0]+1, i0[1], i0[2]))
	c010 := float64(v.At(i0[0], i0[1]+1, i0[2]))
	c110 := float64(v.At(i0[0]+1, i0[1]+1, i0[2]))
	c001 := float64(v.At(i0[0], i0[1], i0[2]+1))
	c101 := float64(v.At(i0[0]+1, i0[1], i0[2]+1))
	c011 := float64(v.At(i0[0], i0[1]+1, i0[2]+1))
	c111 := float64(v.At(i0[0]+1, i0[1]+1, i0[2]+1))

	c00 := c000 + f[0]*(c100-c000)
	c10 := c010 + f[0]*(c110-c010)
	c01 := c001 + f[0]*(c101-c001)
	c11 := c011 + f[0]*(c111-c011)
	c0 := c00 + f[1]*(c10-c00)
	c1 := c01 + f[1]*(c11-c01)
	return c0 + f[2]*(c1-c0), true
}

// SampleNearest returns the value of the grid point closest to p and
// whether p lies inside the volume bounds.
func (v *ImageVolume) SampleNearest(p r3.Vec) (float64, bool) {
	if len(v.scalars) == 0 {
		return 0, false
	}
	g := [3]float64{
		(p.X - v.origin[0]) / v.spacing[0],
		(p.Y - v.origin[1]) / v.spacing[1],
		(p.Z - v.origin[2]) / v.spacing[2],
	}
	for a := 0; a < 3; a++ {
		if g[a] < -0.5 || g[a] > float64(v.dimensions[a])-0.5 {
			return 0, false
		}
	}
	return float64(v.At(int(math.Round(g[0])), int(math.Round(g[1])), int(math.Round(g[2])))), true
}
