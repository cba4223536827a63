package camera

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func vecNear(a, b r3.Vec) bool {
	return r3.Norm(r3.Sub(a, b)) < 1e-9
}

func TestFit_CentersOnBounds(t *testing.T) {
	tb := NewTrackball()
	tb.Zoom(2)
	tb.Fit(r3.Box{Min: r3.Vec{X: -1, Y: -1, Z: -1}, Max: r3.Vec{X: 1, Y: 1, Z: 1}})

	cam := tb.Camera()
	if !vecNear(cam.FocalPoint, r3.Vec{}) {
		t.Fatalf("focal point = %+v", cam.FocalPoint)
	}
	if cam.ViewAngle != DefaultViewAngle {
		t.Fatalf("Fit should reset the view angle, got %g", cam.ViewAngle)
	}
	want := math.Sqrt(3) / math.Sin(DefaultViewAngle*math.Pi/360)
	if math.Abs(cam.Distance()-want) > 1e-9 {
		t.Fatalf("distance = %g, want %g", cam.Distance(), want)
	}
	if !vecNear(cam.Direction(), r3.Vec{Z: -1}) {
		t.Fatalf("direction = %+v", cam.Direction())
	}
}

func TestZoom_NarrowsViewAngle(t *testing.T) {
	tb := NewTrackball()
	tb.Zoom(1.5)
	if got := tb.Camera().ViewAngle; math.Abs(got-20) > 1e-12 {
		t.Fatalf("view angle = %g, want 20", got)
	}
	tb.Zoom(0)
	tb.Zoom(-1)
	if got := tb.Camera().ViewAngle; math.Abs(got-20) > 1e-12 {
		t.Fatalf("non-positive zoom changed view angle to %g", got)
	}
}

func TestOrbit_PreservesDistance(t *testing.T) {
	tb := NewTrackball()
	tb.Fit(r3.Box{Max: r3.Vec{X: 2, Y: 2, Z: 2}})
	d := tb.Camera().Distance()

	tb.Orbit(90, 0)
	cam := tb.Camera()
	if math.Abs(cam.Distance()-d) > 1e-9 {
		t.Fatalf("distance changed: %g -> %g", d, cam.Distance())
	}
	if math.Abs(cam.Direction().Z) > 1e-9 {
		t.Fatalf("90 degree azimuth should look sideways, direction %+v", cam.Direction())
	}

	tb.Orbit(0, 45)
	cam = tb.Camera()
	if math.Abs(r3.Dot(cam.ViewUp, cam.Direction())) > 1e-9 {
		t.Fatalf("view up not orthogonal to direction: %+v %+v", cam.ViewUp, cam.Direction())
	}
}

func TestPan_MovesFocalPoint(t *testing.T) {
	tb := NewTrackball()
	tb.Fit(r3.Box{Max: r3.Vec{X: 2, Y: 2, Z: 2}})
	before := tb.Camera()
	tb.Pan(0.1, 0)
	after := tb.Camera()
	if vecNear(before.FocalPoint, after.FocalPoint) {
		t.Fatal("pan did not move the focal point")
	}
	if !vecNear(r3.Sub(before.Position, before.FocalPoint), r3.Sub(after.Position, after.FocalPoint)) {
		t.Fatal("pan must keep the view vector")
	}
}

func TestSetCamera_RestoresEarlierView(t *testing.T) {
	tb := NewTrackball()
	tb.Fit(r3.Box{Max: r3.Vec{X: 2, Y: 2, Z: 2}})
	saved := tb.Camera()

	tb.Orbit(30, 20)
	tb.Zoom(3)
	tb.SetCamera(saved)
	if tb.Camera() != saved {
		t.Fatalf("camera = %+v, want %+v", tb.Camera(), saved)
	}
}
