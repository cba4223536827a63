// Package widget implements the piecewise-linear transfer-function editor
// bound to the rendering pipeline.
package widget

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/volume"
)

// Bins is the histogram resolution.
const Bins = 256

const (
	rampHeight  = 12
	pointRadius = 4.0
)

// ErrDisposed is returned by edits after Dispose.
var ErrDisposed = errors.New("transfer function widget disposed")

// Appearance is what the widget drives on every edit; the rendering
// pipeline implements it.
type Appearance interface {
	UpdateAppearance() error
	Render() error
}

// Options configures the widget.
type Options struct {
	Width  int
	Height int
	// RescaleColorMap remaps color stops proportionally on Refresh instead of
	// clamping them.
	RescaleColorMap bool
}

// Widget edits a transfer function in place and keeps the pipeline's
// appearance in sync with it.
type Widget struct {
	mu        sync.Mutex
	tf        *transfer.Function
	target    Appearance
	opts      Options
	lo, hi    float64
	hasData   bool
	histogram [Bins]int
	revision  uint64
	observers map[int]func(transfer.State)
	nextID    int
	disposed  bool
}

// New binds the widget to tf and target. target may be nil.
func New(tf *transfer.Function, target Appearance, opts Options) *Widget {
	if opts.Width <= 0 {
		opts.Width = 400
	}
	if opts.Height <= 0 {
		opts.Height = 150
	}
	w := &Widget{
		tf:        tf,
		target:    target,
		opts:      opts,
		observers: make(map[int]func(transfer.State)),
	}
	w.lo, w.hi = tf.Range()
	return w
}

// OnChange registers fn to be called synchronously after every change.
// The returned function removes it.
func (w *Widget) OnChange(fn func(transfer.State)) (remove func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.observers[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.observers, id)
		w.mu.Unlock()
	}
}

// Refresh recomputes the data range and histogram from vol and rescales the
// editing surface to it. The pipeline appearance is updated but not
// rendered; the loader renders once the camera is reset.
func (w *Widget) Refresh(vol *volume.ImageVolume) error {
	if vol == nil {
		return errors.New("refresh: nil volume")
	}
	lo, hi := vol.ScalarRange()
	hist := histogram(vol.Scalars(), lo, hi)

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return ErrDisposed
	}
	w.lo, w.hi = lo, hi
	w.hasData = true
	w.histogram = hist
	w.tf.Rescale(lo, hi, w.opts.RescaleColorMap)
	w.mu.Unlock()

	return w.changed(false)
}

// Checkpoint captures the data range, the histogram and the bound
// function. The returned function restores them and pushes the restored
// function to the pipeline without rendering.
func (w *Widget) Checkpoint() (restore func()) {
	w.mu.Lock()
	lo, hi, hasData, hist := w.lo, w.hi, w.hasData, w.histogram
	tf := w.tf.Snapshot()
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		if w.disposed {
			w.mu.Unlock()
			return
		}
		w.lo, w.hi, w.hasData, w.histogram = lo, hi, hasData, hist
		w.tf.Restore(tf)
		w.mu.Unlock()
		if err := w.changed(false); err != nil {
			log.Printf("[Widget] restore: %v", err)
		}
	}
}

func histogram(s []float32, lo, hi float64) [Bins]int {
	var h [Bins]int
	span := hi - lo
	for _, v := range s {
		b := 0
		if span > 0 {
			b = int((float64(v) - lo) / span * Bins)
		}
		if b >= Bins {
			b = Bins - 1
		}
		if b < 0 {
			b = 0
		}
		h[b]++
	}
	return h
}

// AddPoint inserts an opacity control point and returns its index.
func (w *Widget) AddPoint(value, opacity float64) (int, error) {
	var idx int
	err := w.edit(func(tf *transfer.Function) error {
		var err error
		idx, err = tf.AddOpacityStop(transfer.OpacityStop{Value: value, Opacity: opacity})
		return err
	})
	return idx, err
}

// RemovePoint deletes opacity control point i.
func (w *Widget) RemovePoint(i int) error {
	return w.edit(func(tf *transfer.Function) error { return tf.RemoveOpacityStop(i) })
}

// MovePoint moves opacity control point i.
func (w *Widget) MovePoint(i int, value, opacity float64) error {
	return w.edit(func(tf *transfer.Function) error {
		return tf.MoveOpacityStop(i, transfer.OpacityStop{Value: value, Opacity: opacity})
	})
}

// SetOpacityStops replaces the opacity ramp.
func (w *Widget) SetOpacityStops(stops []transfer.OpacityStop) error {
	return w.edit(func(tf *transfer.Function) error { return tf.SetOpacityStops(stops) })
}

// SetColorStops replaces the color ramp.
func (w *Widget) SetColorStops(stops []transfer.ColorStop) error {
	return w.edit(func(tf *transfer.Function) error { return tf.SetColorStops(stops) })
}

// SetPreset applies a named colormap over the current data range.
func (w *Widget) SetPreset(name string) error {
	return w.edit(func(tf *transfer.Function) error {
		lo, hi := tf.Range()
		return tf.ApplyPreset(name, lo, hi)
	})
}

func (w *Widget) edit(fn func(*transfer.Function) error) error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return ErrDisposed
	}
	err := fn(w.tf)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	return w.changed(true)
}

// changed pushes the edit to the pipeline and then to observers.
func (w *Widget) changed(render bool) error {
	w.mu.Lock()
	w.revision++
	target := w.target
	state := w.tf.State()
	fns := make([]func(transfer.State), 0, len(w.observers))
	for _, fn := range w.observers {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	var err error
	if target != nil {
		if err = target.UpdateAppearance(); err == nil && render {
			err = target.Render()
		}
	}
	for _, fn := range fns {
		fn(state)
	}
	if err != nil {
		return fmt.Errorf("apply transfer function: %w", err)
	}
	return nil
}

// State returns the bound function's current state.
func (w *Widget) State() transfer.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tf.State()
}

// Histogram returns the data range and bin counts of the last Refresh.
func (w *Widget) Histogram() (lo, hi float64, counts []int, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lo, w.hi, append([]int(nil), w.histogram[:]...), w.hasData
}

// Revision increases on every change and refresh.
func (w *Widget) Revision() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.revision
}

// Size returns the widget image size.
func (w *Widget) Size() (int, int) { return w.opts.Width, w.opts.Height }

// Image draws the histogram, the color ramp and the opacity polyline with
// its control points, encoded as PNG.
func (w *Widget) Image() ([]byte, error) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return nil, ErrDisposed
	}
	tf := w.tf.Snapshot()
	hist := w.histogram
	hasData := w.hasData
	width, height := w.opts.Width, w.opts.Height
	w.mu.Unlock()

	lo, hi := tf.Range()
	dc := gg.NewContext(width, height)
	dc.SetRGB(0.12, 0.12, 0.12)
	dc.Clear()

	plotH := float64(height - rampHeight)
	x := func(v float64) float64 { return (v - lo) / (hi - lo) * float64(width) }
	y := func(op float64) float64 { return (1-op)*(plotH-2*pointRadius) + pointRadius }

	if hasData {
		peak := 0.0
		for _, c := range hist {
			peak = math.Max(peak, math.Log1p(float64(c)))
		}
		if peak > 0 {
			bw := float64(width) / Bins
			dc.SetRGBA(0.6, 0.6, 0.6, 0.6)
			for i, c := range hist {
				bh := math.Log1p(float64(c)) / peak * plotH
				dc.DrawRectangle(float64(i)*bw, plotH-bh, bw, bh)
			}
			dc.Fill()
		}
	}

	for px := 0; px < width; px++ {
		v := lo + (float64(px)+0.5)/float64(width)*(hi-lo)
		c := tf.Color(v)
		dc.SetRGB(c.R, c.G, c.B)
		dc.DrawRectangle(float64(px), plotH, 1, rampHeight)
		dc.Fill()
	}

	stops := tf.OpacityStops()
	dc.SetRGB(1, 1, 1)
	dc.SetLineWidth(1.5)
	dc.MoveTo(0, y(tf.Opacity(lo)))
	for _, s := range stops {
		dc.LineTo(x(s.Value), y(s.Opacity))
	}
	dc.LineTo(float64(width), y(tf.Opacity(hi)))
	dc.Stroke()

	for _, s := range stops {
		c := tf.Color(s.Value)
		dc.DrawCircle(x(s.Value), y(s.Opacity), pointRadius)
		dc.SetRGB(c.R, c.G, c.B)
		dc.FillPreserve()
		dc.SetRGB(1, 1, 1)
		dc.Stroke()
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode widget: %w", err)
	}
	return buf.Bytes(), nil
}

// Dispose drops the pipeline binding and all observers.
func (w *Widget) Dispose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disposed = true
	w.target = nil
	w.observers = make(map[int]func(transfer.State))
}
