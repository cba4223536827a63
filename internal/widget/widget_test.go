package widget

import (
	"bytes"
	"errors"
	"image/png"
	"testing"

	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/volume"
)

type recorder struct {
	updates, renders int
	err              error
}

func (r *recorder) UpdateAppearance() error { r.updates++; return r.err }
func (r *recorder) Render() error { r.renders++; return nil }

func rampVolume(t *testing.T, lo, hi float32) *volume.ImageVolume {
	t.Helper()
	s := make([]float32, 64)
	for i := range s {
		s[i] = lo + (hi-lo)*float32(i)/63
	}
	v, err := volume.New("r", [3]int{4, 4, 4}, [3]float64{1, 1, 1}, [3]float64{}, s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestEdits_PushToPipeline(t *testing.T) {
	tf := transfer.NewDefault()
	rec := &recorder{}
	w := New(tf, rec, Options{RescaleColorMap: true})

	var seen []uint64
	w.OnChange(func(s transfer.State) { seen = append(seen, s.Version) })

	idx, err := w.AddPoint(100, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Fatalf("index = %d", idx)
	}
	if err := w.MovePoint(1, 120, 0.25); err != nil {
		t.Fatal(err)
	}
	if err := w.SetPreset("Grayscale"); err != nil {
		t.Fatal(err)
	}
	if err := w.RemovePoint(1); err != nil {
		t.Fatal(err)
	}

	if rec.updates != 4 || rec.renders != 4 {
		t.Fatalf("updates=%d renders=%d, want 4 each", rec.updates, rec.renders)
	}
	if len(seen) != 4 || seen[3] != tf.Version() {
		t.Fatalf("observer saw %v", seen)
	}
	if tf.Preset() != "Grayscale" {
		t.Fatalf("preset = %q", tf.Preset())
	}
}

func TestEdits_InvalidLeavesFunction(t *testing.T) {
	tf := transfer.NewDefault()
	rec := &recorder{}
	w := New(tf, rec, Options{})
	before := tf.Version()

	if err := w.RemovePoint(0); !errors.Is(err, transfer.ErrTooFewStops) {
		t.Fatalf("RemovePoint = %v", err)
	}
	if err := w.SetPreset("nope"); !errors.Is(err, transfer.ErrUnknownPreset) {
		t.Fatalf("SetPreset = %v", err)
	}
	if err := w.MovePoint(5, 1, 1); !errors.Is(err, transfer.ErrStopIndex) {
		t.Fatalf("MovePoint = %v", err)
	}
	if tf.Version() != before || rec.updates != 0 {
		t.Fatal("rejected edits must not change anything")
	}
}

func TestEdits_PipelineErrorReported(t *testing.T) {
	boom := errors.New("lost context")
	w := New(transfer.NewDefault(), &recorder{err: boom}, Options{})
	if _, err := w.AddPoint(10, 0.1); !errors.Is(err, boom) {
		t.Fatalf("AddPoint = %v", err)
	}
}

func TestRefresh_RescalesAndHistograms(t *testing.T) {
	tf := transfer.NewDefault()
	rec := &recorder{}
	w := New(tf, rec, Options{RescaleColorMap: true})

	if err := w.Refresh(rampVolume(t, 0, 4095)); err != nil {
		t.Fatal(err)
	}
	if lo, hi := tf.Range(); lo != 0 || hi != 4095 {
		t.Fatalf("range = %g..%g", lo, hi)
	}
	cs := tf.ColorStops()
	if cs[len(cs)-1].Value != 4095 {
		t.Fatalf("colors not remapped: %+v", cs)
	}
	if rec.updates != 1 || rec.renders != 0 {
		t.Fatalf("refresh should update appearance without rendering, got %d/%d", rec.updates, rec.renders)
	}

	lo, hi, counts, ok := w.Histogram()
	if !ok || lo != 0 || hi != 4095 || len(counts) != Bins {
		t.Fatalf("histogram = %g %g %d %v", lo, hi, len(counts), ok)
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 64 {
		t.Fatalf("histogram total = %d", total)
	}
	if counts[0] != 1 || counts[Bins-1] != 1 {
		t.Fatalf("endpoint bins = %d, %d", counts[0], counts[Bins-1])
	}
}

func TestRefresh_ClampsEditedStops(t *testing.T) {
	tf := transfer.NewDefault()
	w := New(tf, nil, Options{RescaleColorMap: false})
	if err := w.SetOpacityStops([]transfer.OpacityStop{{Value: 0, Opacity: 0}, {Value: 50, Opacity: 0.4}, {Value: 255, Opacity: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Refresh(rampVolume(t, 10, 100)); err != nil {
		t.Fatal(err)
	}
	got := tf.OpacityStops()
	want := []transfer.OpacityStop{{Value: 10, Opacity: 0}, {Value: 50, Opacity: 0.4}, {Value: 100, Opacity: 1}}
	if len(got) != len(want) {
		t.Fatalf("stops = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stops = %+v, want %+v", got, want)
		}
	}
}

func TestImage(t *testing.T) {
	w := New(transfer.NewDefault(), nil, Options{Width: 200, Height: 80})
	if err := w.Refresh(rampVolume(t, 0, 255)); err != nil {
		t.Fatal(err)
	}
	data, err := w.Image()
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 80 {
		t.Fatalf("bounds = %v", b)
	}
}

func TestDispose(t *testing.T) {
	rec := &recorder{}
	w := New(transfer.NewDefault(), rec, Options{})
	calls := 0
	w.OnChange(func(transfer.State) { calls++ })
	w.Dispose()

	if _, err := w.AddPoint(1, 1); !errors.Is(err, ErrDisposed) {
		t.Fatalf("AddPoint after dispose = %v", err)
	}
	if _, err := w.Image(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Image after dispose = %v", err)
	}
	if calls != 0 || rec.updates != 0 {
		t.Fatal("disposed widget must not notify")
	}
}

func TestCheckpoint_UndoesRefresh(t *testing.T) {
	tf := transfer.NewDefault()
	rec := &recorder{}
	w := New(tf, rec, Options{RescaleColorMap: true})
	if err := w.Refresh(rampVolume(t, 0, 255)); err != nil {
		t.Fatal(err)
	}
	lo, hi, counts, _ := w.Histogram()
	stops := tf.OpacityStops()

	restore := w.Checkpoint()
	if err := w.Refresh(rampVolume(t, 10, 100)); err != nil {
		t.Fatal(err)
	}
	updates := rec.updates
	restore()

	glo, ghi, gcounts, ok := w.Histogram()
	if !ok || glo != lo || ghi != hi {
		t.Fatalf("histogram range = %g..%g, want %g..%g", glo, ghi, lo, hi)
	}
	for i := range counts {
		if gcounts[i] != counts[i] {
			t.Fatalf("bin %d = %d, want %d", i, gcounts[i], counts[i])
		}
	}
	if tlo, thi := tf.Range(); tlo != 0 || thi != 255 {
		t.Fatalf("function range = %g..%g", tlo, thi)
	}
	got := tf.OpacityStops()
	if len(got) != len(stops) || got[0] != stops[0] || got[len(got)-1] != stops[len(stops)-1] {
		t.Fatalf("opacity stops = %+v, want %+v", got, stops)
	}
	if rec.updates != updates+1 || rec.renders != 0 {
		t.Fatalf("restore should push appearance without rendering, got %d/%d", rec.updates-updates, rec.renders)
	}
}
