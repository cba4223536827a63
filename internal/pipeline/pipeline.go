// Package pipeline owns the renderer, scene, actor, mapper and camera for a
// single viewport and exposes the operations the loader and widget drive.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/volrnd/server/internal/cache"
	"github.com/volrnd/server/internal/camera"
	"github.com/volrnd/server/internal/render"
	"github.com/volrnd/server/internal/sampling"
	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/viewport"
	"github.com/volrnd/server/internal/volume"
)

// DefaultZoomFactor is applied after the camera is fit to a new volume.
const DefaultZoomFactor = 1.5

var (
	// ErrNotInitialized means the render target is gone: the pipeline was
	// torn down, or was never attached.
	ErrNotInitialized = errors.New("rendering pipeline not initialized")
	// ErrAlreadyDisposed is returned by a second Teardown.
	ErrAlreadyDisposed = errors.New("rendering pipeline already disposed")
	// ErrNoVolume is returned by operations that need a configured volume.
	ErrNoVolume = errors.New("no volume configured")
	// ErrNoFrame is returned by Frame before anything was rendered.
	ErrNoFrame = errors.New("no frame rendered yet")
)

// Error is a pipeline failure. Configure leaves the previous scene intact
// whenever it returns one.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("pipeline %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Options configures a pipeline.
type Options struct {
	// ID namespaces cached frames.
	ID            string
	ZoomFactor    float64
	Interpolation render.Interpolation
	// Frames caches encoded frames. Optional.
	Frames  *cache.Manager
	Encoder *render.Encoder
}

type renderKey struct {
	version uint64
	cam     camera.Camera
	width   int
	height  int
}

// Pipeline is driven from the controller's event loop. The mutex guards
// readers such as Frame against a concurrent teardown.
type Pipeline struct {
	mu       sync.Mutex
	opts     Options
	renderer render.Renderer
	camera   camera.Controller
	surface  *viewport.Surface
	scene    *render.Scene
	tf       *transfer.Function
	params   sampling.Parameters

	width, height int
	version       uint64
	frameSeq      uint64
	last          renderKey
	rendered      bool
	disposed      bool
}

// New creates the scene and attaches the renderer to surface.
func New(renderer render.Renderer, cam camera.Controller, surface *viewport.Surface, opts Options) (*Pipeline, error) {
	if renderer == nil || cam == nil || surface == nil {
		return nil, &Error{Op: "setup", Err: ErrNotInitialized}
	}
	if opts.ID == "" {
		opts.ID = "main"
	}
	if !(opts.ZoomFactor > 0) {
		opts.ZoomFactor = DefaultZoomFactor
	}
	if opts.Encoder == nil {
		opts.Encoder = render.NewEncoder()
	}

	scene := renderer.CreateScene()
	if err := renderer.AttachToSurface(surface); err != nil {
		return nil, &Error{Op: "setup", Err: err}
	}
	w, h := surface.Size()
	renderer.SetViewportSize(w, h)

	return &Pipeline{
		opts:     opts,
		renderer: renderer,
		camera:   cam,
		surface:  surface,
		scene:    scene,
		width:    w,
		height:   h,
	}, nil
}

// Configure binds vol, tf and params to the actor. Everything is validated
// and the new actor is built before the scene is touched, so a failure
// leaves the previous configuration in place.
func (p *Pipeline) Configure(vol *volume.ImageVolume, tf *transfer.Function, params sampling.Parameters) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return &Error{Op: "configure", Err: ErrNotInitialized}
	}
	switch {
	case vol == nil || vol.Len() == 0:
		return &Error{Op: "configure", Err: ErrNoVolume}
	case tf == nil:
		return &Error{Op: "configure", Err: errors.New("nil transfer function")}
	case !(params.SampleDistance > 0) || !(params.OpacityUnitDistance > 0):
		return &Error{Op: "configure", Err: fmt.Errorf("invalid sampling parameters %+v", params)}
	}

	actor := &render.Actor{
		Mapper: render.Mapper{
			Input:                     vol,
			SampleDistance:            params.SampleDistance,
			AutoAdjustSampleDistances: params.AutoAdjustSampleDistances,
		},
		Property: render.Property{
			Transfer:                  tf.Snapshot(),
			ScalarOpacityUnitDistance: params.OpacityUnitDistance,
			Interpolation:             p.opts.Interpolation,
		},
	}

	p.scene.Actor = actor
	p.tf = tf
	p.params = params
	p.version++
	return nil
}

// UpdateAppearance re-reads the bound transfer function into the actor's
// property. Volume and mapper are left alone.
func (p *Pipeline) UpdateAppearance() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return &Error{Op: "update appearance", Err: ErrNotInitialized}
	}
	if p.scene.Actor == nil || p.tf == nil {
		return nil
	}
	actor := *p.scene.Actor
	actor.Property.Transfer = p.tf.Snapshot()
	p.scene.Actor = &actor
	p.version++
	return nil
}

// Render draws a frame synchronously. If neither the scene, the camera nor
// the viewport changed since the last frame, nothing is redrawn.
func (p *Pipeline) Render() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return &Error{Op: "render", Err: ErrNotInitialized}
	}
	key := renderKey{version: p.version, cam: p.camera.Camera(), width: p.width, height: p.height}
	if p.rendered && key == p.last {
		return nil
	}
	if err := p.renderer.Render(p.scene, key.cam); err != nil {
		return &Error{Op: "render", Err: err}
	}
	p.last = key
	p.rendered = true
	p.frameSeq++
	return nil
}

// Resize sets the renderer's viewport size for the next Render.
func (p *Pipeline) Resize(width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return &Error{Op: "resize", Err: ErrNotInitialized}
	}
	if width <= 0 || height <= 0 {
		return &Error{Op: "resize", Err: fmt.Errorf("invalid size %dx%d", width, height)}
	}
	p.width, p.height = width, height
	p.renderer.SetViewportSize(width, height)
	return nil
}

// ResetCamera fits the camera to the configured volume and applies the zoom
// factor.
func (p *Pipeline) ResetCamera() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return &Error{Op: "reset camera", Err: ErrNotInitialized}
	}
	if p.scene.Actor == nil {
		return &Error{Op: "reset camera", Err: ErrNoVolume}
	}
	p.camera.Fit(p.scene.Actor.Mapper.Input.Bounds())
	p.camera.Zoom(p.opts.ZoomFactor)
	return nil
}

// Frame returns the last rendered frame as PNG.
func (p *Pipeline) Frame() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil, &Error{Op: "frame", Err: ErrNotInitialized}
	}
	if !p.rendered {
		return nil, &Error{Op: "frame", Err: ErrNoFrame}
	}

	key := cache.FrameKey(p.opts.ID, p.frameSeq, p.last.width, p.last.height)
	if p.opts.Frames != nil {
		if data, ok := p.opts.Frames.GetFrame(key); ok {
			return data, nil
		}
	}

	img := p.renderer.Image()
	if img == nil {
		return nil, &Error{Op: "frame", Err: ErrNoFrame}
	}
	data, err := p.opts.Encoder.Encode(img)
	if err != nil {
		return nil, &Error{Op: "frame", Err: err}
	}
	if p.opts.Frames != nil {
		if err := p.opts.Frames.SetFrame(key, data); err != nil {
			log.Printf("[Pipeline] frame cache set failed: %v", err)
		}
	}
	return data, nil
}

// Teardown releases the renderer. A second call returns ErrAlreadyDisposed.
func (p *Pipeline) Teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return ErrAlreadyDisposed
	}
	p.disposed = true
	p.scene.Actor = nil
	p.tf = nil
	if err := p.renderer.Dispose(); err != nil {
		return &Error{Op: "teardown", Err: err}
	}
	return nil
}

// Volume returns the configured volume, or nil.
func (p *Pipeline) Volume() *volume.ImageVolume {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scene.Actor == nil {
		return nil
	}
	return p.scene.Actor.Mapper.Input
}

// Checkpoint captures the actor, the bound transfer function, the sampling
// parameters and the camera. The returned function puts them back and
// invalidates the last frame; it does nothing after Teardown.
func (p *Pipeline) Checkpoint() (restore func()) {
	p.mu.Lock()
	actor, tf, params := p.scene.Actor, p.tf, p.params
	cam := p.camera.Camera()
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.disposed {
			return
		}
		p.scene.Actor = actor
		p.tf = tf
		p.params = params
		p.camera.SetCamera(cam)
		p.version++
	}
}

// Parameters returns the sampling parameters of the current configuration.
func (p *Pipeline) Parameters() sampling.Parameters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// SceneVersion counts Configure and UpdateAppearance calls.
func (p *Pipeline) SceneVersion() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Size returns the viewport size used by the next render.
func (p *Pipeline) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

// Disposed reports whether Teardown ran.
func (p *Pipeline) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}
