// Package transfer implements the color and opacity transfer function that
// maps scalar samples to appearance.
package transfer

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sort"

	"github.com/volrnd/server/pkg/colormap"
)

var (
	// ErrTooFewStops is returned when an edit would leave fewer than two
	// opacity stops.
	ErrTooFewStops = errors.New("transfer function needs at least two opacity stops")
	// ErrStopIndex is returned for an out-of-range stop index.
	ErrStopIndex = errors.New("stop index out of range")
	// ErrUnknownPreset is returned by ApplyPreset for an unregistered name.
	ErrUnknownPreset = errors.New("unknown colormap preset")
)

// RGB is a color with channels in [0, 1].
type RGB struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// RGBA converts c to an opaque 8-bit color.
func (c RGB) RGBA() color.RGBA {
	return color.RGBA{R: to8(c.R), G: to8(c.G), B: to8(c.B), A: 255}
}

func to8(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

func fromRGBA(c color.RGBA) RGB {
	return RGB{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
}

// ColorStop pins a color to a scalar value.
type ColorStop struct {
	Value float64 `json:"value"`
	Color RGB     `json:"color"`
}

// OpacityStop pins an opacity to a scalar value.
type OpacityStop struct {
	Value   float64 `json:"value"`
	Opacity float64 `json:"opacity"`
}

// DefaultRange is the scalar range of a freshly created function.
var DefaultRange = [2]float64{0, 255}

// Function is a paired color ramp and opacity ramp, both piecewise-linear
// over scalar value. It is not safe for concurrent mutation; renderers read
// from a Snapshot.
type Function struct {
	preset  string
	colors  []ColorStop
	opacity []OpacityStop
	lo, hi  float64
	version uint64

	// userOpacity is set once the opacity ramp has been edited; until then
	// the default ramp follows the data range on Rescale.
	userOpacity bool
}

// NewDefault returns a function with the default preset and a linear
// opacity ramp over DefaultRange.
func NewDefault() *Function {
	f := &Function{lo: DefaultRange[0], hi: DefaultRange[1]}
	if err := f.ApplyPreset(colormap.DefaultName, f.lo, f.hi); err != nil {
		panic(err)
	}
	f.opacity = []OpacityStop{{Value: f.lo, Opacity: 0}, {Value: f.hi, Opacity: 1}}
	return f
}

// Version increases on every mutation.
func (f *Function) Version() uint64 { return f.version }

// Preset returns the name of the last applied colormap preset.
func (f *Function) Preset() string { return f.preset }

// Range returns the scalar range the editing surface was last scaled to.
func (f *Function) Range() (float64, float64) { return f.lo, f.hi }

// ColorStops returns a copy of the color stops.
func (f *Function) ColorStops() []ColorStop {
	return append([]ColorStop(nil), f.colors...)
}

// OpacityStops returns a copy of the opacity stops.
func (f *Function) OpacityStops() []OpacityStop {
	return append([]OpacityStop(nil), f.opacity...)
}

// Snapshot returns a deep copy.
func (f *Function) Snapshot() *Function {
	c := *f
	c.colors = f.ColorStops()
	c.opacity = f.OpacityStops()
	return &c
}

// Restore makes f equal to from, which is usually an earlier Snapshot of f.
// The version still advances.
func (f *Function) Restore(from *Function) {
	f.preset = from.preset
	f.colors = from.ColorStops()
	f.opacity = from.OpacityStops()
	f.lo, f.hi = from.lo, from.hi
	f.userOpacity = from.userOpacity
	f.version++
}

// Color evaluates the color ramp at v. Values outside the stops clamp to
// the nearest endpoint.
func (f *Function) Color(v float64) RGB {
	n := len(f.colors)
	if n == 0 {
		return RGB{}
	}
	if v <= f.colors[0].Value {
		return f.colors[0].Color
	}
	if v >= f.colors[n-1].Value {
		return f.colors[n-1].Color
	}
	i := sort.Search(n, func(i int) bool { return f.colors[i].Value > v })
	a, b := f.colors[i-1], f.colors[i]
	t := (v - a.Value) / (b.Value - a.Value)
	return RGB{
		R: a.Color.R + t*(b.Color.R-a.Color.R),
		G: a.Color.G + t*(b.Color.G-a.Color.G),
		B: a.Color.B + t*(b.Color.B-a.Color.B),
	}
}

// Opacity evaluates the opacity ramp at v, clamping like Color.
func (f *Function) Opacity(v float64) float64 {
	n := len(f.opacity)
	if n == 0 {
		return 0
	}
	if v <= f.opacity[0].Value {
		return f.opacity[0].Opacity
	}
	if v >= f.opacity[n-1].Value {
		return f.opacity[n-1].Opacity
	}
	i := sort.Search(n, func(i int) bool { return f.opacity[i].Value > v })
	a, b := f.opacity[i-1], f.opacity[i]
	t := (v - a.Value) / (b.Value - a.Value)
	return a.Opacity + t*(b.Opacity-a.Opacity)
}

// ApplyPreset replaces the color stops with the named preset spread evenly
// over [lo, hi].
func (f *Function) ApplyPreset(name string, lo, hi float64) error {
	cm, ok := colormap.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	lo, hi = normalizeRange(lo, hi)
	anchors := cm.Anchors()
	stops := make([]ColorStop, len(anchors))
	for i, a := range anchors {
		t := 0.0
		if len(anchors) > 1 {
			t = float64(i) / float64(len(anchors)-1)
		}
		stops[i] = ColorStop{Value: lo + t*(hi-lo), Color: fromRGBA(a)}
	}
	f.colors = stops
	f.preset = name
	f.version++
	return nil
}

// SetColorStops replaces the color ramp. Nothing changes on error.
func (f *Function) SetColorStops(stops []ColorStop) error {
	if len(stops) == 0 {
		return errors.New("at least one color stop is required")
	}
	for i, s := range stops {
		if !finite(s.Value) {
			return fmt.Errorf("color stop %d: value is not finite", i)
		}
		for _, ch := range []float64{s.Color.R, s.Color.G, s.Color.B} {
			if !(ch >= 0 && ch <= 1) {
				return fmt.Errorf("color stop %d: channel %g outside [0,1]", i, ch)
			}
		}
		if i > 0 && !(s.Value > stops[i-1].Value) {
			return fmt.Errorf("color stop %d: values must be strictly increasing", i)
		}
	}
	f.colors = append([]ColorStop(nil), stops...)
	f.preset = ""
	f.version++
	return nil
}

// SetOpacityStops replaces the opacity ramp. Nothing changes on error.
func (f *Function) SetOpacityStops(stops []OpacityStop) error {
	if len(stops) < 2 {
		return ErrTooFewStops
	}
	for i, s := range stops {
		if err := validOpacity(s); err != nil {
			return fmt.Errorf("opacity stop %d: %w", i, err)
		}
		if i > 0 && !(s.Value > stops[i-1].Value) {
			return fmt.Errorf("opacity stop %d: values must be strictly increasing", i)
		}
	}
	f.opacity = append([]OpacityStop(nil), stops...)
	f.userOpacity = true
	f.version++
	return nil
}

// AddOpacityStop inserts s in value order, replacing a stop at the same
// value. It returns the index of s.
func (f *Function) AddOpacityStop(s OpacityStop) (int, error) {
	if err := validOpacity(s); err != nil {
		return 0, err
	}
	i := sort.Search(len(f.opacity), func(i int) bool { return f.opacity[i].Value >= s.Value })
	if i < len(f.opacity) && f.opacity[i].Value == s.Value {
		f.opacity[i] = s
	} else {
		f.opacity = append(f.opacity, OpacityStop{})
		copy(f.opacity[i+1:], f.opacity[i:])
		f.opacity[i] = s
	}
	f.userOpacity = true
	f.version++
	return i, nil
}

// RemoveOpacityStop deletes stop i, keeping at least two stops.
func (f *Function) RemoveOpacityStop(i int) error {
	if i < 0 || i >= len(f.opacity) {
		return ErrStopIndex
	}
	if len(f.opacity) <= 2 {
		return ErrTooFewStops
	}
	f.opacity = append(f.opacity[:i], f.opacity[i+1:]...)
	f.userOpacity = true
	f.version++
	return nil
}

// MoveOpacityStop updates stop i. The new value must stay strictly between
// its neighbours.
func (f *Function) MoveOpacityStop(i int, s OpacityStop) error {
	if i < 0 || i >= len(f.opacity) {
		return ErrStopIndex
	}
	if err := validOpacity(s); err != nil {
		return err
	}
	if i > 0 && !(s.Value > f.opacity[i-1].Value) {
		return fmt.Errorf("value %g must be greater than %g", s.Value, f.opacity[i-1].Value)
	}
	if i < len(f.opacity)-1 && !(s.Value < f.opacity[i+1].Value) {
		return fmt.Errorf("value %g must be less than %g", s.Value, f.opacity[i+1].Value)
	}
	f.opacity[i] = s
	f.userOpacity = true
	f.version++
	return nil
}

// Rescale moves the editing range to [lo, hi]. Color stops are remapped
// proportionally when remapColors is set and clamped otherwise. Edited
// opacity stops inside the range are kept and stops outside it are clamped
// to the nearest endpoint; the untouched default opacity ramp is remapped.
// When several stops clamp onto one endpoint only the innermost survives.
func (f *Function) Rescale(lo, hi float64, remapColors bool) {
	lo, hi = normalizeRange(lo, hi)
	oldLo, oldHi := f.lo, f.hi

	if remapColors {
		for i := range f.colors {
			f.colors[i].Value = remap(f.colors[i].Value, oldLo, oldHi, lo, hi)
		}
	} else {
		f.colors = clampStops(f.colors, lo, hi, func(s ColorStop) float64 { return s.Value },
			func(s ColorStop, v float64) ColorStop { s.Value = v; return s })
	}

	if f.userOpacity {
		f.opacity = clampStops(f.opacity, lo, hi, func(s OpacityStop) float64 { return s.Value },
			func(s OpacityStop, v float64) OpacityStop { s.Value = v; return s })
		// Every stop fell on one side of the range: extend it flat.
		if len(f.opacity) == 1 {
			s := f.opacity[0]
			if s.Value < hi {
				f.opacity = append(f.opacity, OpacityStop{Value: hi, Opacity: s.Opacity})
			} else {
				f.opacity = []OpacityStop{{Value: lo, Opacity: s.Opacity}, s}
			}
		}
	} else {
		for i := range f.opacity {
			f.opacity[i].Value = remap(f.opacity[i].Value, oldLo, oldHi, lo, hi)
		}
	}

	f.lo, f.hi = lo, hi
	f.version++
}

// clampStops clamps sorted stops into [lo, hi], keeping only the innermost
// of any run that lands on the same endpoint.
func clampStops[S any](stops []S, lo, hi float64, value func(S) float64, with func(S, float64) S) []S {
	out := make([]S, 0, len(stops))
	for i, s := range stops {
		v := value(s)
		switch {
		case v <= lo:
			if i+1 < len(stops) && value(stops[i+1]) <= lo {
				continue
			}
			out = append(out, with(s, lo))
		case v >= hi:
			if len(out) > 0 && value(out[len(out)-1]) >= hi {
				continue
			}
			out = append(out, with(s, hi))
		default:
			out = append(out, s)
		}
	}
	return out
}

func remap(v, oldLo, oldHi, lo, hi float64) float64 {
	return lo + (v-oldLo)/(oldHi-oldLo)*(hi-lo)
}

func normalizeRange(lo, hi float64) (float64, float64) {
	if !(hi > lo) {
		hi = lo + 1
	}
	return lo, hi
}

func validOpacity(s OpacityStop) error {
	if !finite(s.Value) {
		return errors.New("value is not finite")
	}
	if !(s.Opacity >= 0 && s.Opacity <= 1) {
		return fmt.Errorf("opacity %g outside [0,1]", s.Opacity)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// State is the serializable view of a Function.
type State struct {
	Preset       string        `json:"preset,omitempty"`
	Range        [2]float64    `json:"range"`
	ColorStops   []ColorStop   `json:"color_stops"`
	OpacityStops []OpacityStop `json:"opacity_stops"`
	Version      uint64        `json:"version"`
}

// State returns a copy of f's stops and metadata.
func (f *Function) State() State {
	return State{
		Preset:       f.preset,
		Range:        [2]float64{f.lo, f.hi},
		ColorStops:   f.ColorStops(),
		OpacityStops: f.OpacityStops(),
		Version:      f.version,
	}
}
