package viewport

import "testing"

func TestResize_NotifiesAndReportsChange(t *testing.T) {
	s, err := NewSurface(100, 50)
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}

	var calls [][2]int
	unsub := s.Subscribe(func(w, h int) { calls = append(calls, [2]int{w, h}) })

	changed, err := s.Resize(800, 600)
	if err != nil || !changed {
		t.Fatalf("first resize: changed=%v err=%v", changed, err)
	}
	changed, err = s.Resize(800, 600)
	if err != nil || changed {
		t.Fatalf("identical resize: changed=%v err=%v", changed, err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(calls))
	}
	if w, h := s.Size(); w != 800 || h != 600 {
		t.Fatalf("size = %dx%d", w, h)
	}

	unsub()
	unsub()
	if s.Listeners() != 0 {
		t.Fatalf("listeners = %d after unsubscribe", s.Listeners())
	}
	if _, err := s.Resize(10, 10); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatal("unsubscribed listener was called")
	}
}

func TestResize_RejectsInvalid(t *testing.T) {
	if _, err := NewSurface(0, 10); err == nil {
		t.Fatal("expected error for zero width")
	}
	s, _ := NewSurface(1, 1)
	if _, err := s.Resize(10, -1); err == nil {
		t.Fatal("expected error for negative height")
	}
	if w, h := s.Size(); w != 1 || h != 1 {
		t.Fatalf("invalid resize changed size to %dx%d", w, h)
	}
}
