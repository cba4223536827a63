// Package controller owns the viewer's lifecycle: it builds the rendering
// pipeline, routes every load through the loader and serializes all state
// changes on a single event loop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/volrnd/server/internal/cache"
	"github.com/volrnd/server/internal/camera"
	"github.com/volrnd/server/internal/loader"
	"github.com/volrnd/server/internal/pipeline"
	"github.com/volrnd/server/internal/render"
	"github.com/volrnd/server/internal/topology"
	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/viewport"
	"github.com/volrnd/server/internal/volume"
	"github.com/volrnd/server/internal/widget"
)

var (
	// ErrDisposed is returned by every call after Dispose.
	ErrDisposed = errors.New("controller disposed")
	// ErrNotMounted is returned by calls that need the pipeline before Mount.
	ErrNotMounted = errors.New("controller not mounted")
	// ErrAlreadyMounted is returned by a second Mount.
	ErrAlreadyMounted = errors.New("controller already mounted")
	// ErrNothingToReload is returned by Reload before any load was issued.
	ErrNothingToReload = errors.New("nothing to reload")
	// ErrGraphPending is returned by ExtremumGraph while the graph of the
	// volume on screen is still being computed.
	ErrGraphPending = errors.New("extremum graph not ready")
)

const pipelineID = "main"

// Options configures a Controller.
type Options struct {
	Width  int
	Height int
	Render render.Config
	// ZoomFactor is applied after every camera reset.
	ZoomFactor    float64
	Interpolation render.Interpolation
	// Colormap names the initial color preset; empty keeps the default.
	Colormap string
	Widget   widget.Options
	// DefaultURL is loaded right after Mount. Empty skips the initial load.
	DefaultURL string
	// AllowRemoteFetch lets LoadURL reach http and https URLs other than
	// DefaultURL.
	AllowRemoteFetch bool
	// DataDir confines LoadURL's file:// URLs and plain paths.
	DataDir      string
	FetchTimeout time.Duration
	MaxBytes     int64
	Cache        *cache.Manager
	Client       *http.Client
	// ExtremumGraph tunes the join tree computed after each load.
	ExtremumGraph topology.Options
	// NewRenderer builds the renderer; defaults to the CPU ray caster.
	NewRenderer func(render.Config) render.Renderer
}

// source remembers where a load came from so it can be reissued.
type source struct {
	name      string
	url       bool
	isDefault bool
	format    string
	buf       []byte
}

func (s *source) pending() string {
	switch {
	case s.isDefault:
		return "Fetching default data..."
	case s.url:
		return fmt.Sprintf("Fetching %s...", s.name)
	}
	return fmt.Sprintf("Reading %s...", s.name)
}

// Controller drives the pipeline from one event loop goroutine. Public
// methods post closures to the loop and wait for them; load acquisition
// and decoding run on their own goroutines and post the apply step back.
type Controller struct {
	opts     Options
	actions  chan func()
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the loop.
	ctx         context.Context
	cancel      context.CancelFunc
	state       State
	message     string
	outcome     *loader.Outcome
	errKind     string
	lastErr     error
	discarded   uint64
	last        *source
	surface     *viewport.Surface
	trackball   *camera.Trackball
	pipeline    *pipeline.Pipeline
	tf          *transfer.Function
	widget      *widget.Widget
	loader      *loader.Loader
	unsubscribe func()
	// graph and graphErr belong to graphFor, the volume they were computed
	// from.
	graph    *topology.Graph
	graphErr error
	graphFor *volume.ImageVolume

	// final is written by the loop before it exits.
	final Status
}

// New creates a controller in the Uninitialized state and starts its loop.
func New(opts Options) *Controller {
	if opts.Width <= 0 {
		opts.Width = 800
	}
	if opts.Height <= 0 {
		opts.Height = 600
	}
	if opts.NewRenderer == nil {
		opts.NewRenderer = func(cfg render.Config) render.Renderer { return render.NewRayCaster(cfg) }
	}
	c := &Controller{
		opts:    opts,
		actions: make(chan func()),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		state:   Uninitialized,
		message: "Initializing...",
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.done)
	for fn := range c.actions {
		fn()
		if c.state == Disposed {
			c.final = c.snapshot()
			close(c.stopCh)
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.actions <- func() { fn(); close(finished) }:
	case <-c.stopCh:
		return ErrDisposed
	}
	<-finished
	return nil
}

// post queues fn on the loop without waiting. It is dropped once the loop
// has stopped.
func (c *Controller) post(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.stopCh:
	}
}

// Mount builds the renderer, camera, pipeline, transfer function and
// widget, subscribes to viewport resizes and issues the default load.
func (c *Controller) Mount(ctx context.Context) error {
	var err error
	var start *source
	var ticket loader.Ticket
	if derr := c.do(func() {
		if c.state != Uninitialized {
			err = ErrAlreadyMounted
			return
		}
		if err = c.setup(ctx); err != nil {
			c.state = Error
			c.errKind = KindPipeline
			c.message = "Error: Renderer setup failed"
			c.lastErr = err
			log.Printf("[Controller] setup failed: %v", err)
			return
		}
		if c.opts.DefaultURL != "" {
			start = &source{name: c.opts.DefaultURL, url: true, isDefault: true, format: loader.DetectFormat(c.opts.DefaultURL)}
			ticket = c.begin(start)
		}
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	if start != nil {
		go c.acquire(ticket, start)
	}
	return nil
}

func (c *Controller) setup(ctx context.Context) error {
	c.state = SettingUp
	c.message = "Setting up renderer..."

	surface, err := viewport.NewSurface(c.opts.Width, c.opts.Height)
	if err != nil {
		return err
	}
	tb := camera.NewTrackball()
	p, err := pipeline.New(c.opts.NewRenderer(c.opts.Render), tb, surface, pipeline.Options{
		ID:            pipelineID,
		ZoomFactor:    c.opts.ZoomFactor,
		Interpolation: c.opts.Interpolation,
		Frames:        c.opts.Cache,
	})
	if err != nil {
		return err
	}

	tf := transfer.NewDefault()
	if c.opts.Colormap != "" {
		lo, hi := tf.Range()
		if err := tf.ApplyPreset(c.opts.Colormap, lo, hi); err != nil {
			p.Teardown()
			return err
		}
	}
	w := widget.New(tf, p, c.opts.Widget)

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.surface = surface
	c.trackball = tb
	c.pipeline = p
	c.tf = tf
	c.widget = w
	c.loader = loader.New(p, w, tf, loader.Options{
		Volumes:      c.opts.Cache,
		Client:       c.opts.Client,
		FetchTimeout: c.opts.FetchTimeout,
		MaxBytes:     c.opts.MaxBytes,
		DefaultURL:   c.opts.DefaultURL,
		AllowRemote:  c.opts.AllowRemoteFetch,
		DataDir:      c.opts.DataDir,
	})
	c.unsubscribe = surface.Subscribe(c.onResize)

	if err := p.Render(); err != nil {
		log.Printf("[Controller] initial render failed: %v", err)
	}
	c.state = AwaitingFirstLoad
	c.message = "Waiting for data..."
	log.Printf("[Controller] mounted %dx%d viewport", c.opts.Width, c.opts.Height)
	return nil
}

// begin issues a ticket for src and moves to Loading. Runs on the loop.
func (c *Controller) begin(src *source) loader.Ticket {
	t := c.loader.Begin()
	c.state = Loading
	c.message = src.pending()
	c.errKind = ""
	c.lastErr = nil
	c.last = src
	log.Printf("[Controller] load %d: %s", t, src.name)
	return t
}

// acquire fetches and decodes off the loop, then posts the apply step.
func (c *Controller) acquire(t loader.Ticket, src *source) {
	buf := src.buf
	var err error
	if src.url {
		buf, err = c.loader.FetchDefault(c.ctx, src.name)
	}
	if !c.loader.Current(t) {
		c.post(func() { c.discard(t) })
		return
	}

	var vol *volume.ImageVolume
	if err == nil {
		c.post(func() {
			if c.loader.Current(t) {
				c.message = "Parsing data..."
			}
		})
		vol, err = c.loader.Decode(buf, src.format)
	}
	c.post(func() { c.complete(t, vol, err) })
}

func (c *Controller) discard(t loader.Ticket) {
	c.discarded++
	log.Printf("[Controller] discarding stale load %d (latest %d)", t, c.loader.Latest())
}

// complete applies a finished load if it is still the newest request.
func (c *Controller) complete(t loader.Ticket, vol *volume.ImageVolume, err error) {
	if !c.loader.Current(t) {
		c.discard(t)
		return
	}
	var out loader.Outcome
	if err == nil {
		out, err = c.loader.Apply(vol)
	}
	if err != nil {
		c.state = Error
		c.errKind, c.message = describe(err)
		c.lastErr = err
		log.Printf("[Controller] load %d failed: %v", t, err)
		return
	}
	c.state = Ready
	c.outcome = &out
	c.message = "Loaded: " + out.DimensionString()
	log.Printf("[Controller] load %d ready: %s", t, out.DimensionString())
	go c.analyze(vol)
}

// analyze computes the extremum graph of vol off the loop. The result is
// kept only if vol is still the volume on screen.
func (c *Controller) analyze(vol *volume.ImageVolume) {
	start := time.Now()
	g, err := topology.JoinTree(vol, c.opts.ExtremumGraph)
	c.post(func() {
		if c.pipeline == nil || c.pipeline.Volume() != vol {
			return
		}
		c.graph, c.graphErr, c.graphFor = g, err, vol
		if err != nil {
			log.Printf("[Controller] extremum graph failed: %v", err)
			return
		}
		minima, saddles, maxima := g.Counts()
		log.Printf("[Controller] extremum graph: %d minima, %d saddles, %d maxima in %v",
			minima, saddles, maxima, time.Since(start).Round(time.Millisecond))
	})
}

// LoadFile reads r on the caller's goroutine, then decodes and applies it
// in the background. It returns the request's sequence number.
func (c *Controller) LoadFile(name string, r io.Reader, format string) (uint64, error) {
	var ldr *loader.Loader
	if err := c.do(func() { ldr = c.loader }); err != nil {
		return 0, err
	}
	if ldr == nil {
		return 0, ErrNotMounted
	}
	buf, err := ldr.FromLocalFile(r, name)
	if err != nil {
		return 0, err
	}
	if format == "" {
		format = loader.DetectFormat(name)
	}
	return c.start(&source{name: name, format: format, buf: buf})
}

// LoadURL fetches rawURL in the background. Sources outside the fetch
// policy are refused with loader.ErrSourceNotAllowed before any state
// changes.
func (c *Controller) LoadURL(rawURL string) (uint64, error) {
	var ldr *loader.Loader
	if err := c.do(func() { ldr = c.loader }); err != nil {
		return 0, err
	}
	if ldr == nil {
		return 0, ErrNotMounted
	}
	if err := ldr.CheckSource(rawURL); err != nil {
		return 0, err
	}
	return c.start(&source{name: rawURL, url: true, format: loader.DetectFormat(rawURL)})
}

// Reload reissues the most recent request.
func (c *Controller) Reload() (uint64, error) {
	return c.start(nil)
}

func (c *Controller) start(src *source) (uint64, error) {
	var t loader.Ticket
	var err error
	if derr := c.do(func() {
		switch c.state {
		case Uninitialized, SettingUp:
			err = ErrNotMounted
			return
		}
		if c.loader == nil {
			err = ErrNotMounted
			return
		}
		if src == nil {
			if c.last == nil {
				err = ErrNothingToReload
				return
			}
			src = c.last
		}
		t = c.begin(src)
	}); derr != nil {
		return 0, derr
	}
	if err != nil {
		return 0, err
	}
	go c.acquire(t, src)
	return uint64(t), nil
}

// Resize forwards a container resize to the viewport surface.
func (c *Controller) Resize(width, height int) error {
	var err error
	if derr := c.do(func() {
		if c.surface == nil {
			err = ErrNotMounted
			return
		}
		_, err = c.surface.Resize(width, height)
	}); derr != nil {
		return derr
	}
	return err
}

// onResize runs on the loop, synchronously from Surface.Resize.
func (c *Controller) onResize(width, height int) {
	if err := c.pipeline.Resize(width, height); err != nil {
		log.Printf("[Controller] resize failed: %v", err)
		return
	}
	if err := c.pipeline.Render(); err != nil {
		log.Printf("[Controller] render after resize failed: %v", err)
	}
}

// Dispose tears everything down. It is safe to call more than once and
// from any state; completions arriving afterwards are dropped.
func (c *Controller) Dispose() {
	c.stopOnce.Do(func() {
		c.do(c.teardown)
	})
	<-c.done
}

func (c *Controller) teardown() {
	if c.loader != nil {
		c.loader.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.widget != nil {
		c.widget.Dispose()
	}
	if c.pipeline != nil {
		if err := c.pipeline.Teardown(); err != nil && !errors.Is(err, pipeline.ErrAlreadyDisposed) {
			log.Printf("[Controller] pipeline teardown: %v", err)
		}
	}
	c.state = Disposed
	c.message = "Disposed"
	log.Printf("[Controller] disposed")
}

func (c *Controller) snapshot() Status {
	st := Status{
		State:     c.state,
		Message:   c.message,
		ErrorKind: c.errKind,
		Discarded: c.discarded,
	}
	if c.outcome != nil {
		out := *c.outcome
		st.Volume = &out
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	if c.loader != nil {
		st.Sequence = uint64(c.loader.Latest())
	}
	if c.surface != nil {
		w, h := c.surface.Size()
		st.Viewport = [2]int{w, h}
	}
	return st
}

// Status returns the current snapshot; after Dispose it returns the final one.
func (c *Controller) Status() Status {
	var st Status
	if err := c.do(func() { st = c.snapshot() }); err != nil {
		return c.final
	}
	return st
}

// withPipeline runs fn on the loop once the pipeline exists.
func (c *Controller) withPipeline(fn func() error) error {
	var err error
	if derr := c.do(func() {
		if c.pipeline == nil {
			err = ErrNotMounted
			return
		}
		err = fn()
	}); derr != nil {
		return derr
	}
	return err
}

// Frame returns the current frame as PNG.
func (c *Controller) Frame() ([]byte, error) {
	var data []byte
	err := c.withPipeline(func() error {
		if err := c.pipeline.Render(); err != nil {
			return err
		}
		var err error
		data, err = c.pipeline.Frame()
		return err
	})
	return data, err
}

// WidgetImage returns the transfer-function editor as PNG.
func (c *Controller) WidgetImage() ([]byte, error) {
	var data []byte
	err := c.withPipeline(func() error {
		w, h := c.widget.Size()
		key := cache.WidgetKey(pipelineID, c.widget.Revision(), w, h)
		if c.opts.Cache != nil {
			if cached, ok := c.opts.Cache.GetFrame(key); ok {
				data = cached
				return nil
			}
		}
		var err error
		if data, err = c.widget.Image(); err != nil {
			return err
		}
		if c.opts.Cache != nil {
			if err := c.opts.Cache.SetFrame(key, data); err != nil {
				log.Printf("[Controller] widget cache set failed: %v", err)
			}
		}
		return nil
	})
	return data, err
}

// TransferFunction returns the bound transfer function's state.
func (c *Controller) TransferFunction() (transfer.State, error) {
	var st transfer.State
	err := c.withPipeline(func() error {
		st = c.widget.State()
		return nil
	})
	return st, err
}

// Histogram returns the widget's data range and histogram.
func (c *Controller) Histogram() (lo, hi float64, counts []int, err error) {
	err = c.withPipeline(func() error {
		var ok bool
		lo, hi, counts, ok = c.widget.Histogram()
		if !ok {
			counts = nil
		}
		return nil
	})
	return lo, hi, counts, err
}

// SetTransferFunction replaces color and/or opacity stops. Nil slices are
// left alone. Opacity is validated before colors are touched.
func (c *Controller) SetTransferFunction(colors []transfer.ColorStop, opacity []transfer.OpacityStop) error {
	return c.withPipeline(func() error {
		if opacity != nil {
			if err := c.widget.SetOpacityStops(opacity); err != nil {
				return err
			}
		}
		if colors != nil {
			return c.widget.SetColorStops(colors)
		}
		return nil
	})
}

// SetPreset applies a named colormap.
func (c *Controller) SetPreset(name string) error {
	return c.withPipeline(func() error { return c.widget.SetPreset(name) })
}

// AddPoint inserts an opacity control point.
func (c *Controller) AddPoint(value, opacity float64) (int, error) {
	var idx int
	err := c.withPipeline(func() error {
		var err error
		idx, err = c.widget.AddPoint(value, opacity)
		return err
	})
	return idx, err
}

// MovePoint moves opacity control point i.
func (c *Controller) MovePoint(i int, value, opacity float64) error {
	return c.withPipeline(func() error { return c.widget.MovePoint(i, value, opacity) })
}

// RemovePoint deletes opacity control point i.
func (c *Controller) RemovePoint(i int) error {
	return c.withPipeline(func() error { return c.widget.RemovePoint(i) })
}

// Orbit rotates the camera by azimuth and elevation degrees.
func (c *Controller) Orbit(azimuth, elevation float64) error {
	return c.withPipeline(func() error {
		c.trackball.Orbit(azimuth, elevation)
		return c.pipeline.Render()
	})
}

// Zoom scales the view angle; factors above one zoom in.
func (c *Controller) Zoom(factor float64) error {
	return c.withPipeline(func() error {
		c.trackball.Zoom(factor)
		return c.pipeline.Render()
	})
}

// Pan shifts the camera in the view plane.
func (c *Controller) Pan(dx, dy float64) error {
	return c.withPipeline(func() error {
		c.trackball.Pan(dx, dy)
		return c.pipeline.Render()
	})
}

// ResetCamera fits the camera to the current volume.
func (c *Controller) ResetCamera() error {
	return c.withPipeline(func() error {
		if err := c.pipeline.ResetCamera(); err != nil {
			return err
		}
		return c.pipeline.Render()
	})
}

// ExtremumGraph returns the join tree of the volume on screen. It fails
// with pipeline.ErrNoVolume before the first load and ErrGraphPending
// while the graph is being computed.
func (c *Controller) ExtremumGraph() (*topology.Graph, error) {
	var g *topology.Graph
	err := c.withPipeline(func() error {
		vol := c.pipeline.Volume()
		switch {
		case vol == nil:
			return &pipeline.Error{Op: "extremum graph", Err: pipeline.ErrNoVolume}
		case c.graphFor != vol:
			return ErrGraphPending
		}
		g = c.graph
		return c.graphErr
	})
	return g, err
}

// Camera returns the current camera.
func (c *Controller) Camera() (camera.Camera, error) {
	var cam camera.Camera
	err := c.withPipeline(func() error {
		cam = c.trackball.Camera()
		return nil
	})
	return cam, err
}
