// Package render defines the renderer capability used by the pipeline and
// provides a CPU ray-casting implementation of it.
package render

import (
	"errors"
	"image"
	"image/color"

	"github.com/volrnd/server/internal/camera"
	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/viewport"
	"github.com/volrnd/server/internal/volume"
)

var (
	// ErrDisposed is returned by a renderer after Dispose.
	ErrDisposed = errors.New("renderer disposed")
	// ErrNoSurface is returned when rendering before AttachToSurface.
	ErrNoSurface = errors.New("renderer is not attached to a surface")
)

// Interpolation selects how the mapper samples between grid points.
type Interpolation int

const (
	InterpolationLinear Interpolation = iota
	InterpolationNearest
)

func (i Interpolation) String() string {
	if i == InterpolationNearest {
		return "nearest"
	}
	return "linear"
}

// Mapper feeds the volume to the ray caster.
type Mapper struct {
	Input                     *volume.ImageVolume
	SampleDistance            float64
	AutoAdjustSampleDistances bool
}

// Property is the actor's appearance.
type Property struct {
	// Transfer is a snapshot; the renderer never sees a function mid-edit.
	Transfer                  *transfer.Function
	ScalarOpacityUnitDistance float64
	Interpolation             Interpolation
}

// Actor binds a mapper to an appearance.
type Actor struct {
	Mapper   Mapper
	Property Property
}

// Scene is everything a frame is drawn from.
type Scene struct {
	Background color.RGBA
	// Actor is replaced as a whole by the pipeline; nil means an empty scene.
	Actor *Actor
}

// Renderer is the ray-casting engine capability.
type Renderer interface {
	CreateScene() *Scene
	AttachToSurface(s *viewport.Surface) error
	SetViewportSize(width, height int)
	Render(scene *Scene, cam camera.Camera) error
	// Image returns the last rendered frame, or nil before the first render.
	Image() image.Image
	Dispose() error
}
