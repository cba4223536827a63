package render

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/volrnd/server/internal/camera"
	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/viewport"
)

const (
	lutSize             = 4096
	opacityTermination  = 0.99
	autoAdjustMaxSteps  = 512
	outlineStrokeWidth  = 1.0
	defaultOutlineAlpha = 96
)

// Config contains ray caster configuration.
type Config struct {
	Background color.RGBA
	// Downsample renders at 1/Downsample resolution and scales the result
	// up to the viewport. Values below 2 render at full size.
	Downsample int
	Workers    int
	// Outline draws the volume's bounding box over the frame.
	Outline bool
}

// RayCaster is a CPU implementation of Renderer. Rows are distributed over
// a fixed number of worker goroutines per frame.
type RayCaster struct {
	config  Config
	mu      sync.Mutex
	surface *viewport.Surface
	width   int
	height  int
	frame   *image.RGBA
	frames  int
	closed  bool
}

var _ Renderer = (*RayCaster)(nil)

// NewRayCaster creates a ray caster.
func NewRayCaster(cfg Config) *RayCaster {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Downsample < 1 {
		cfg.Downsample = 1
	}
	return &RayCaster{config: cfg}
}

// CreateScene returns an empty scene with the configured background.
func (r *RayCaster) CreateScene() *Scene {
	return &Scene{Background: r.config.Background}
}

// AttachToSurface binds the frame buffer to s and adopts its size.
func (r *RayCaster) AttachToSurface(s *viewport.Surface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrDisposed
	}
	r.surface = s
	r.width, r.height = s.Size()
	return nil
}

// SetViewportSize sets the size of the next frame.
func (r *RayCaster) SetViewportSize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if width > 0 && height > 0 {
		r.width, r.height = width, height
	}
}

// ViewportSize returns the size the next frame will have.
func (r *RayCaster) ViewportSize() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width, r.height
}

// Frames returns the number of frames drawn so far.
func (r *RayCaster) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Image returns the last frame.
func (r *RayCaster) Image() image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frame == nil {
		return nil
	}
	return r.frame
}

// Dispose releases the frame buffer.
func (r *RayCaster) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrDisposed
	}
	r.closed = true
	r.frame = nil
	r.surface = nil
	return nil
}

// Render draws scene as seen from cam.
func (r *RayCaster) Render(scene *Scene, cam camera.Camera) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrDisposed
	}
	if r.surface == nil {
		r.mu.Unlock()
		return ErrNoSurface
	}
	width, height := r.width, r.height
	r.mu.Unlock()

	ds := r.config.Downsample
	rw, rh := (width+ds-1)/ds, (height+ds-1)/ds

	img := image.NewRGBA(image.Rect(0, 0, rw, rh))
	dc := gg.NewContextForRGBA(img)
	dc.SetColor(scene.Background)
	dc.Clear()

	if a := scene.Actor; a != nil && a.Mapper.Input != nil && a.Property.Transfer != nil {
		r.castRays(img, scene.Background, a, cam, ds)
		if r.config.Outline {
			drawOutline(dc, a.Mapper.Input.Bounds(), cam, rw, rh)
		}
	}

	frame := img
	if ds > 1 {
		frame = image.NewRGBA(image.Rect(0, 0, width, height))
		draw.BiLinear.Scale(frame, frame.Bounds(), img, img.Bounds(), draw.Src, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrDisposed
	}
	r.frame = frame
	r.frames++
	return nil
}

// lookup is a transfer function baked over the volume's scalar range.
type lookup struct {
	lo, scale float64
	rgb       [lutSize][3]float64
	alpha     [lutSize]float64
}

func newLookup(tf *transfer.Function, lo, hi, step, unit float64) *lookup {
	if !(hi > lo) {
		hi = lo + 1
	}
	l := &lookup{lo: lo, scale: float64(lutSize-1) / (hi - lo)}
	exp := step / unit
	for i := 0; i < lutSize; i++ {
		v := lo + float64(i)/l.scale
		c := tf.Color(v)
		l.rgb[i] = [3]float64{c.R, c.G, c.B}
		// Opacity is defined per unit distance; correct it for the step.
		l.alpha[i] = 1 - math.Pow(1-math.Min(tf.Opacity(v), 1), exp)
	}
	return l
}

func (l *lookup) at(v float64) (rgb [3]float64, alpha float64) {
	i := int((v-l.lo)*l.scale + 0.5)
	if i < 0 {
		i = 0
	} else if i >= lutSize {
		i = lutSize - 1
	}
	return l.rgb[i], l.alpha[i]
}

func (r *RayCaster) castRays(img *image.RGBA, bg color.RGBA, a *Actor, cam camera.Camera, ds int) {
	vol := a.Mapper.Input
	bounds := vol.Bounds()

	step := a.Mapper.SampleDistance
	if a.Mapper.AutoAdjustSampleDistances {
		diag := r3.Norm(r3.Sub(bounds.Max, bounds.Min))
		step = math.Max(step*float64(ds), diag/autoAdjustMaxSteps)
	}
	if !(step > 0) {
		return
	}
	unit := a.Property.ScalarOpacityUnitDistance
	if !(unit > 0) {
		unit = step
	}

	lo, hi := vol.ScalarRange()
	lut := newLookup(a.Property.Transfer, lo, hi, step, unit)

	sample := vol.Sample
	if a.Property.Interpolation == InterpolationNearest {
		sample = vol.SampleNearest
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	right, up, forward := cam.Basis()
	tanHalf := math.Tan(cam.ViewAngle * math.Pi / 360)
	aspect := float64(w) / float64(h)
	bgc := [3]float64{float64(bg.R) / 255, float64(bg.G) / 255, float64(bg.B) / 255}

	rows := make(chan int, h)
	for y := 0; y < h; y++ {
		rows <- y
	}
	close(rows)

	var wg sync.WaitGroup
	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for y := range rows {
				sy := (1 - 2*(float64(y)+0.5)/float64(h)) * tanHalf
				for x := 0; x < w; x++ {
					sx := (2*(float64(x)+0.5)/float64(w) - 1) * tanHalf * aspect
					dir := r3.Unit(r3.Add(forward, r3.Add(r3.Scale(sx, right), r3.Scale(sy, up))))
					rgb := march(cam.Position, dir, bounds, step, sample, lut, bgc)
					off := img.PixOffset(x, y)
					img.Pix[off] = uint8(rgb[0]*255 + 0.5)
					img.Pix[off+1] = uint8(rgb[1]*255 + 0.5)
					img.Pix[off+2] = uint8(rgb[2]*255 + 0.5)
					img.Pix[off+3] = 255
				}
			}
		}()
	}
	wg.Wait()
}

// march composites samples front to back along one ray and blends the
// result over the background.
func march(origin, dir r3.Vec, b r3.Box, step float64, sample func(r3.Vec) (float64, bool), lut *lookup, bg [3]float64) [3]float64 {
	tNear, tFar, ok := intersect(origin, dir, b)
	if !ok {
		return bg
	}
	if tNear < 0 {
		tNear = 0
	}

	var acc [3]float64
	alpha := 0.0
	for t := tNear; t <= tFar; t += step {
		v, inside := sample(r3.Add(origin, r3.Scale(t, dir)))
		if !inside {
			continue
		}
		c, a := lut.at(v)
		if a <= 0 {
			continue
		}
		wgt := (1 - alpha) * a
		acc[0] += wgt * c[0]
		acc[1] += wgt * c[1]
		acc[2] += wgt * c[2]
		alpha += wgt
		if alpha >= opacityTermination {
			break
		}
	}
	for i := range acc {
		acc[i] = math.Min(1, acc[i]+(1-alpha)*bg[i])
	}
	return acc
}

// intersect clips the ray against the box using the slab method.
func intersect(o, d r3.Vec, b r3.Box) (float64, float64, bool) {
	tNear, tFar := math.Inf(-1), math.Inf(1)
	oa := [3]float64{o.X, o.Y, o.Z}
	da := [3]float64{d.X, d.Y, d.Z}
	lo := [3]float64{b.Min.X, b.Min.Y, b.Min.Z}
	hi := [3]float64{b.Max.X, b.Max.Y, b.Max.Z}
	for i := 0; i < 3; i++ {
		if da[i] == 0 {
			if oa[i] < lo[i] || oa[i] > hi[i] {
				return 0, 0, false
			}
			continue
		}
		t1 := (lo[i] - oa[i]) / da[i]
		t2 := (hi[i] - oa[i]) / da[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tNear = math.Max(tNear, t1)
		tFar = math.Min(tFar, t2)
	}
	return tNear, tFar, tNear <= tFar && tFar >= 0
}

// drawOutline strokes the twelve edges of b projected through cam.
func drawOutline(dc *gg.Context, b r3.Box, cam camera.Camera, w, h int) {
	right, up, forward := cam.Basis()
	tanHalf := math.Tan(cam.ViewAngle * math.Pi / 360)
	aspect := float64(w) / float64(h)

	project := func(p r3.Vec) (float64, float64, bool) {
		rel := r3.Sub(p, cam.Position)
		z := r3.Dot(rel, forward)
		if z <= 0 {
			return 0, 0, false
		}
		sx := r3.Dot(rel, right) / (z * tanHalf * aspect)
		sy := r3.Dot(rel, up) / (z * tanHalf)
		return (sx + 1) * float64(w) / 2, (1 - sy) * float64(h) / 2, true
	}

	corner := func(i int) r3.Vec {
		c := b.Min
		if i&1 != 0 {
			c.X = b.Max.X
		}
		if i&2 != 0 {
			c.Y = b.Max.Y
		}
		if i&4 != 0 {
			c.Z = b.Max.Z
		}
		return c
	}

	dc.SetRGBA255(255, 255, 255, defaultOutlineAlpha)
	dc.SetLineWidth(outlineStrokeWidth)
	for i := 0; i < 8; i++ {
		for _, bit := range []int{1, 2, 4} {
			j := i | bit
			if j == i {
				continue
			}
			x1, y1, ok1 := project(corner(i))
			x2, y2, ok2 := project(corner(j))
			if !ok1 || !ok2 {
				continue
			}
			dc.DrawLine(x1, y1, x2, y2)
		}
	}
	dc.Stroke()
}
