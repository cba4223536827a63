package render

import (
	"bytes"
	"errors"
	"image/color"
	"image/png"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/volrnd/server/internal/camera"
	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/viewport"
	"github.com/volrnd/server/internal/volume"
)

func solidVolume(t *testing.T, value float32) *volume.ImageVolume {
	t.Helper()
	s := make([]float32, 4*4*4)
	for i := range s {
		s[i] = value
	}
	s[0] = 0 // give the volume a non-empty scalar range
	v, err := volume.New("s", [3]int{4, 4, 4}, [3]float64{1, 1, 1}, [3]float64{}, s)
	if err != nil {
		t.Fatalf("volume.New: %v", err)
	}
	return v
}

func opaqueWhite(t *testing.T) *transfer.Function {
	t.Helper()
	tf := transfer.NewDefault()
	if err := tf.SetColorStops([]transfer.ColorStop{{Value: 0, Color: transfer.RGB{R: 1, G: 1, B: 1}}}); err != nil {
		t.Fatal(err)
	}
	if err := tf.SetOpacityStops([]transfer.OpacityStop{{Value: 0, Opacity: 1}, {Value: 255, Opacity: 1}}); err != nil {
		t.Fatal(err)
	}
	return tf
}

func setup(t *testing.T, cfg Config, w, h int) (*RayCaster, *Scene, camera.Camera) {
	t.Helper()
	surface, err := viewport.NewSurface(w, h)
	if err != nil {
		t.Fatal(err)
	}
	rc := NewRayCaster(cfg)
	if err := rc.AttachToSurface(surface); err != nil {
		t.Fatal(err)
	}
	vol := solidVolume(t, 200)
	scene := rc.CreateScene()
	scene.Actor = &Actor{
		Mapper:   Mapper{Input: vol, SampleDistance: 0.25},
		Property: Property{Transfer: opaqueWhite(t), ScalarOpacityUnitDistance: 15},
	}
	tb := camera.NewTrackball()
	tb.Fit(vol.Bounds())
	return rc, scene, tb.Camera()
}

func TestRender_VolumeOverBackground(t *testing.T) {
	rc, scene, cam := setup(t, Config{Background: color.RGBA{A: 255}, Workers: 2}, 32, 32)

	if err := rc.Render(scene, cam); err != nil {
		t.Fatalf("Render: %v", err)
	}
	img := rc.Image()
	if img == nil {
		t.Fatal("no frame after render")
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Fatalf("frame size = %v", b)
	}

	r, g, b, _ := img.At(16, 16).RGBA()
	if r == 0 && g == 0 && b == 0 {
		t.Fatal("center pixel should show the volume")
	}
	r, g, b, _ = img.At(0, 0).RGBA()
	if r != 0 || g != 0 || b != 0 {
		t.Fatalf("corner pixel should be background, got %d %d %d", r, g, b)
	}
	if rc.Frames() != 1 {
		t.Fatalf("frames = %d", rc.Frames())
	}
}

func TestRender_EmptySceneIsBackground(t *testing.T) {
	rc, scene, cam := setup(t, Config{Background: color.RGBA{R: 10, G: 20, B: 30, A: 255}}, 8, 6)
	scene.Actor = nil
	if err := rc.Render(scene, cam); err != nil {
		t.Fatal(err)
	}
	got := color.RGBAModel.Convert(rc.Image().At(3, 3)).(color.RGBA)
	if got != (color.RGBA{R: 10, G: 20, B: 30, A: 255}) {
		t.Fatalf("pixel = %+v", got)
	}
}

func TestRender_DownsampleKeepsViewportSize(t *testing.T) {
	rc, scene, cam := setup(t, Config{Downsample: 4, Outline: true}, 30, 20)
	rc.SetViewportSize(40, 24)
	if err := rc.Render(scene, cam); err != nil {
		t.Fatal(err)
	}
	if b := rc.Image().Bounds(); b.Dx() != 40 || b.Dy() != 24 {
		t.Fatalf("frame size = %v, want 40x24", b)
	}
}

func TestRender_Lifecycle(t *testing.T) {
	rc := NewRayCaster(Config{})
	if err := rc.Render(rc.CreateScene(), camera.NewTrackball().Camera()); !errors.Is(err, ErrNoSurface) {
		t.Fatalf("render before attach = %v", err)
	}
	if err := rc.Dispose(); err != nil {
		t.Fatal(err)
	}
	if err := rc.Dispose(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("second dispose = %v", err)
	}
	if err := rc.Render(rc.CreateScene(), camera.NewTrackball().Camera()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("render after dispose = %v", err)
	}
}

func TestEncoder_PNG(t *testing.T) {
	rc, scene, cam := setup(t, Config{}, 5, 5)
	if err := rc.Render(scene, cam); err != nil {
		t.Fatal(err)
	}
	enc := NewEncoder()
	for i := 0; i < 2; i++ {
		data, err := enc.Encode(rc.Image())
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("invalid PNG: %v", err)
		}
		if img.Bounds().Dx() != 5 {
			t.Fatalf("decoded width = %d", img.Bounds().Dx())
		}
	}
}

func TestIntersect(t *testing.T) {
	_, _, cam := setup(t, Config{}, 4, 4)
	vol := solidVolume(t, 1)
	tn, tf, ok := intersect(cam.Position, cam.Direction(), vol.Bounds())
	if !ok || !(tn < tf) {
		t.Fatalf("ray through center missed: %g %g %v", tn, tf, ok)
	}
	if _, _, ok := intersect(cam.Position, r3.Scale(-1, cam.Direction()), vol.Bounds()); ok {
		t.Fatal("ray pointing away should miss")
	}
}
