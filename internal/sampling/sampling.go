// Package sampling derives ray-march parameters from volume geometry.
package sampling

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/volrnd/server/internal/volume"
)

const (
	// StepsPerVoxel is the number of ray samples taken per average voxel.
	StepsPerVoxel = 4.0
	// OpacityUnitVoxels is the opacity normalization distance in average voxels.
	OpacityUnitVoxels = 15.0
)

// Parameters are the ray-march settings applied to the mapper and the
// actor appearance.
type Parameters struct {
	SampleDistance            float64 `json:"sample_distance"`
	OpacityUnitDistance       float64 `json:"opacity_unit_distance"`
	AutoAdjustSampleDistances bool    `json:"auto_adjust_sample_distances"`
}

// DegenerateVolumeError is returned for volumes with a zero extent.
type DegenerateVolumeError struct {
	Dimensions [3]int
	Diagonal   float64
}

func (e *DegenerateVolumeError) Error() string {
	return fmt.Sprintf("degenerate volume: dimensions %dx%dx%d, diagonal %g",
		e.Dimensions[0], e.Dimensions[1], e.Dimensions[2], e.Diagonal)
}

// Geometry is the subset of a volume the policy needs.
type Geometry interface {
	Dimensions() [3]int
	Bounds() r3.Box
}

var _ Geometry = (*volume.ImageVolume)(nil)

// Compute returns the sampling parameters for g. The step is a quarter of
// the average voxel size measured along the bounding-box diagonal, and the
// opacity unit distance is fifteen average voxels. Engine-side automatic
// adjustment is always disabled.
func Compute(g Geometry) (Parameters, error) {
	dims := g.Dimensions()
	maxDim := 0
	for _, d := range dims {
		if d <= 0 {
			return Parameters{}, &DegenerateVolumeError{Dimensions: dims}
		}
		if d > maxDim {
			maxDim = d
		}
	}

	b := g.Bounds()
	diagonal := r3.Norm(r3.Sub(b.Max, b.Min))
	if !(diagonal > 0) {
		return Parameters{}, &DegenerateVolumeError{Dimensions: dims, Diagonal: diagonal}
	}

	avgSpacing := diagonal / float64(maxDim)
	return Parameters{
		SampleDistance:            avgSpacing / StepsPerVoxel,
		OpacityUnitDistance:       avgSpacing * OpacityUnitVoxels,
		AutoAdjustSampleDistances: false,
	}, nil
}

// AverageSpacing returns diagonal/maxDim for p, inverting Compute.
func (p Parameters) AverageSpacing() float64 {
	return p.SampleDistance * StepsPerVoxel
}
