// Package camera provides the camera model and the trackball controller
// used by the rendering pipeline.
package camera

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultViewAngle is the vertical field of view in degrees.
const DefaultViewAngle = 30.0

// Camera is a perspective camera.
type Camera struct {
	Position   r3.Vec  `json:"position"`
	FocalPoint r3.Vec  `json:"focal_point"`
	ViewUp     r3.Vec  `json:"view_up"`
	ViewAngle  float64 `json:"view_angle"`
}

// Direction returns the unit direction of projection.
func (c Camera) Direction() r3.Vec {
	return r3.Unit(r3.Sub(c.FocalPoint, c.Position))
}

// Distance returns the distance from position to focal point.
func (c Camera) Distance() float64 {
	return r3.Norm(r3.Sub(c.FocalPoint, c.Position))
}

// Basis returns the camera's right, up and forward unit vectors.
func (c Camera) Basis() (right, up, forward r3.Vec) {
	forward = c.Direction()
	right = r3.Unit(r3.Cross(forward, c.ViewUp))
	up = r3.Cross(right, forward)
	return right, up, forward
}

// Controller is the camera interaction capability. The pipeline calls Fit
// and Zoom, and SetCamera to roll back; the pointer bindings use Orbit and
// Pan.
type Controller interface {
	Fit(bounds r3.Box)
	Zoom(factor float64)
	Orbit(azimuth, elevation float64)
	Pan(dx, dy float64)
	Camera() Camera
	SetCamera(c Camera)
}

// Trackball orbits the camera around its focal point.
type Trackball struct {
	cam Camera
}

// NewTrackball returns a controller looking down -Z at the origin.
func NewTrackball() *Trackball {
	return &Trackball{cam: Camera{
		Position:  r3.Vec{Z: 1},
		ViewUp:    r3.Vec{Y: 1},
		ViewAngle: DefaultViewAngle,
	}}
}

// Camera returns the current camera.
func (t *Trackball) Camera() Camera { return t.cam }

// SetCamera replaces the current camera.
func (t *Trackball) SetCamera(c Camera) { t.cam = c }

// Fit recenters on bounds and backs off along the current view direction
// until the bounding sphere fills the view angle. The view angle is reset.
func (t *Trackball) Fit(bounds r3.Box) {
	center := r3.Scale(0.5, r3.Add(bounds.Min, bounds.Max))
	radius := 0.5 * r3.Norm(r3.Sub(bounds.Max, bounds.Min))
	if radius == 0 {
		radius = 0.5
	}

	t.cam.ViewAngle = DefaultViewAngle
	dist := radius / math.Sin(t.cam.ViewAngle*math.Pi/360)
	dir := t.cam.Direction()
	if r3.Norm(dir) == 0 || math.IsNaN(dir.X) {
		dir = r3.Vec{Z: -1}
	}
	t.cam.FocalPoint = center
	t.cam.Position = r3.Sub(center, r3.Scale(dist, dir))
}

// Zoom narrows the view angle by factor; factors above one zoom in.
func (t *Trackball) Zoom(factor float64) {
	if !(factor > 0) {
		return
	}
	t.cam.ViewAngle = math.Min(170, t.cam.ViewAngle/factor)
}

// Orbit rotates the camera position around the focal point, azimuth about
// the view-up axis and elevation about the right axis, both in degrees.
func (t *Trackball) Orbit(azimuth, elevation float64) {
	offset := r3.Sub(t.cam.Position, t.cam.FocalPoint)

	if azimuth != 0 {
		rot := r3.NewRotation(azimuth*math.Pi/180, t.cam.ViewUp)
		offset = rot.Rotate(offset)
	}
	if elevation != 0 {
		right, _, _ := t.cam.Basis()
		rot := r3.NewRotation(-elevation*math.Pi/180, right)
		offset = rot.Rotate(offset)
		t.cam.ViewUp = rot.Rotate(t.cam.ViewUp)
	}

	t.cam.Position = r3.Add(t.cam.FocalPoint, offset)
	t.orthogonalizeViewUp()
}

// Pan translates position and focal point in the view plane. dx and dy are
// fractions of the visible height at the focal distance.
func (t *Trackball) Pan(dx, dy float64) {
	right, up, _ := t.cam.Basis()
	h := 2 * t.cam.Distance() * math.Tan(t.cam.ViewAngle*math.Pi/360)
	shift := r3.Add(r3.Scale(-dx*h, right), r3.Scale(dy*h, up))
	t.cam.Position = r3.Add(t.cam.Position, shift)
	t.cam.FocalPoint = r3.Add(t.cam.FocalPoint, shift)
}

func (t *Trackball) orthogonalizeViewUp() {
	_, up, _ := t.cam.Basis()
	if !math.IsNaN(up.X) {
		t.cam.ViewUp = up
	}
}
