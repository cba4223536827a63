// Package viewport owns the render target's pixel dimensions and notifies
// subscribers when the container is resized.
package viewport

import (
	"fmt"
	"sync"
)

// ResizeFunc is called with the new surface size.
type ResizeFunc func(width, height int)

// Surface is the render target. Its size is driven by the container.
type Surface struct {
	mu        sync.Mutex
	width     int
	height    int
	nextID    int
	listeners map[int]ResizeFunc
}

// NewSurface returns a surface with the given initial size.
func NewSurface(width, height int) (*Surface, error) {
	if err := validSize(width, height); err != nil {
		return nil, err
	}
	return &Surface{
		width:     width,
		height:    height,
		listeners: make(map[int]ResizeFunc),
	}, nil
}

func validSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport size %dx%d", width, height)
	}
	return nil
}

// Size returns the current pixel dimensions.
func (s *Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Subscribe registers fn for resize events. The returned function removes
// the subscription and may be called more than once.
func (s *Surface) Subscribe(fn ResizeFunc) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Listeners returns the number of active subscriptions.
func (s *Surface) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Resize records the container size and notifies subscribers. Listeners
// are notified even when the size is unchanged; changed reports whether
// the dimensions differ from the previous ones.
func (s *Surface) Resize(width, height int) (changed bool, err error) {
	if err := validSize(width, height); err != nil {
		return false, err
	}

	s.mu.Lock()
	changed = s.width != width || s.height != height
	s.width, s.height = width, height
	fns := make([]ResizeFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(width, height)
	}
	return changed, nil
}
