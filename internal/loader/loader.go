// Package loader acquires volume bytes, decodes them and applies the result
// to the rendering pipeline. Every load is tagged with a ticket so that only
// the most recent request may touch the pipeline.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/volrnd/server/internal/cache"
	"github.com/volrnd/server/internal/data/raw"
	"github.com/volrnd/server/internal/data/vti"
	"github.com/volrnd/server/internal/pipeline"
	"github.com/volrnd/server/internal/sampling"
	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/volume"
)

var (
	// ErrTooLarge is returned when a source exceeds the configured size limit.
	ErrTooLarge = errors.New("volume exceeds size limit")
	// ErrSourceNotAllowed is returned for URLs and paths outside the fetch
	// policy.
	ErrSourceNotAllowed = errors.New("source not allowed")
)

// NetworkError reports a failed default-data fetch.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Ticket identifies one load request.
type Ticket uint64

// Outcome describes a volume that was applied to the pipeline.
type Outcome struct {
	Name        string              `json:"name"`
	Dimensions  [3]int              `json:"dimensions"`
	Spacing     [3]float64          `json:"spacing"`
	Origin      [3]float64          `json:"origin"`
	ScalarRange [2]float64          `json:"scalar_range"`
	Sampling    sampling.Parameters `json:"sampling"`
}

// DimensionString formats the dimensions as "AxBxC".
func (o Outcome) DimensionString() string {
	return fmt.Sprintf("%dx%dx%d", o.Dimensions[0], o.Dimensions[1], o.Dimensions[2])
}

// Refresher rescales the editing surface to a new volume; the transfer
// function widget implements it. Checkpoint returns a function that undoes
// later Refresh calls.
type Refresher interface {
	Refresh(vol *volume.ImageVolume) error
	Checkpoint() (restore func())
}

// Options configures a Loader.
type Options struct {
	// Volumes memoizes decoded buffers. Optional.
	Volumes      *cache.Manager
	Client       *http.Client
	FetchTimeout time.Duration
	// MaxBytes bounds fetched and uploaded sources. Zero means no limit.
	MaxBytes int64
	// DefaultURL is always fetchable, whatever the policy below says.
	DefaultURL string
	// AllowRemote permits http and https sources.
	AllowRemote bool
	// DataDir is the only directory file:// URLs and plain paths may read
	// from. Empty forbids local reads.
	DataDir string
}

// Loader turns bytes into a configured pipeline.
type Loader struct {
	pipeline *pipeline.Pipeline
	widget   Refresher
	tf       *transfer.Function
	opts     Options
	seq      atomic.Uint64
	alive    atomic.Bool
}

// New returns a live loader bound to p, w and tf.
func New(p *pipeline.Pipeline, w Refresher, tf *transfer.Function, opts Options) *Loader {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = time.Minute
	}
	l := &Loader{pipeline: p, widget: w, tf: tf, opts: opts}
	l.alive.Store(true)
	return l
}

// Begin issues the ticket for a new request. Earlier tickets become stale.
func (l *Loader) Begin() Ticket {
	return Ticket(l.seq.Add(1))
}

// Current reports whether t is the newest ticket and the loader is alive.
func (l *Loader) Current(t Ticket) bool {
	return l.alive.Load() && uint64(t) == l.seq.Load()
}

// Latest returns the newest ticket issued.
func (l *Loader) Latest() Ticket { return Ticket(l.seq.Load()) }

// Alive reports whether Close has not been called.
func (l *Loader) Alive() bool { return l.alive.Load() }

// Close marks the loader dead; no ticket is current afterwards.
func (l *Loader) Close() {
	l.alive.Store(false)
}

// DetectFormat guesses the format string for a source name. It returns an
// empty string when the name says nothing, in which case Decode sniffs.
func DetectFormat(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".vti":
		return vti.Format
	}
	if h, ok := raw.HeaderFromName(name); ok {
		return h.String()
	}
	return ""
}

func decoderFor(buf []byte, format string) (volume.Decoder, string, error) {
	switch {
	case format == vti.Format:
		return vti.Decoder{}, format, nil
	case strings.HasPrefix(format, raw.Format):
		h, err := raw.ParseFormat(format)
		if err != nil {
			return nil, "", &volume.DecodeError{Format: raw.Format, Err: err}
		}
		return raw.Decoder{Header: h}, h.String(), nil
	case format == "":
		head := bytes.TrimSpace(buf[:min(len(buf), 512)])
		if bytes.HasPrefix(head, []byte("<?xml")) || bytes.HasPrefix(head, []byte("<VTKFile")) {
			return vti.Decoder{}, vti.Format, nil
		}
		return nil, "", volume.Decodef("", "unrecognized volume format")
	}
	return nil, "", volume.Decodef(format, "unsupported format")
}

// Decode parses buf. It touches no pipeline state and may run on any
// goroutine. Results are memoized by content and format.
func (l *Loader) Decode(buf []byte, format string) (*volume.ImageVolume, error) {
	if len(buf) == 0 {
		return nil, volume.Decodef(format, "empty buffer")
	}
	dec, format, err := decoderFor(buf, format)
	if err != nil {
		return nil, err
	}

	var key string
	if l.opts.Volumes != nil {
		key = cache.VolumeKey(format, buf)
		if vol, ok := l.opts.Volumes.GetVolume(key); ok {
			return vol, nil
		}
	}

	vol, err := dec.Decode(buf)
	if err != nil {
		return nil, err
	}
	if vol.Len() == 0 {
		return nil, volume.Decodef(format, "volume has no samples")
	}
	if l.opts.Volumes != nil {
		l.opts.Volumes.SetVolume(key, vol)
	}
	return vol, nil
}

// Apply computes sampling, configures the pipeline, refreshes the widget,
// resets the camera and renders. It must run where the pipeline is owned.
// On any failure the previous volume, transfer function and camera stay in
// place.
func (l *Loader) Apply(vol *volume.ImageVolume) (Outcome, error) {
	params, err := sampling.Compute(vol)
	if err != nil {
		return Outcome{}, err
	}

	restorePipeline := l.pipeline.Checkpoint()
	var restoreTF func()
	if l.widget != nil {
		restoreTF = l.widget.Checkpoint()
	} else {
		snap := l.tf.Snapshot()
		restoreTF = func() { l.tf.Restore(snap) }
	}

	if err := l.pipeline.Configure(vol, l.tf, params); err != nil {
		return Outcome{}, err
	}
	if err := l.commit(vol); err != nil {
		restorePipeline()
		restoreTF()
		log.Printf("[Loader] apply failed, previous volume kept: %v", err)
		return Outcome{}, err
	}

	lo, hi := vol.ScalarRange()
	return Outcome{
		Name:        vol.Name(),
		Dimensions:  vol.Dimensions(),
		Spacing:     vol.Spacing(),
		Origin:      vol.Origin(),
		ScalarRange: [2]float64{lo, hi},
		Sampling:    params,
	}, nil
}

func (l *Loader) commit(vol *volume.ImageVolume) error {
	if l.widget != nil {
		if err := l.widget.Refresh(vol); err != nil {
			return err
		}
	}
	if err := l.pipeline.ResetCamera(); err != nil {
		return err
	}
	return l.pipeline.Render()
}

// LoadFromBuffer decodes buf and applies it.
func (l *Loader) LoadFromBuffer(buf []byte, format string) (Outcome, error) {
	vol, err := l.Decode(buf, format)
	if err != nil {
		return Outcome{}, err
	}
	return l.Apply(vol)
}

// CheckSource reports whether rawURL may be fetched. The configured default
// URL always may; http(s) needs AllowRemote; file:// URLs and plain paths
// must resolve inside DataDir.
func (l *Loader) CheckSource(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrSourceNotAllowed)
	}
	if l.opts.DefaultURL != "" && rawURL == l.opts.DefaultURL {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceNotAllowed, err)
	}
	switch u.Scheme {
	case "http", "https":
		if !l.opts.AllowRemote {
			return fmt.Errorf("%w: remote fetch is disabled", ErrSourceNotAllowed)
		}
		return nil
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return fmt.Errorf("%w: file host %q", ErrSourceNotAllowed, u.Host)
		}
		return l.checkPath(u.Path)
	case "":
		return l.checkPath(rawURL)
	}
	return fmt.Errorf("%w: scheme %q", ErrSourceNotAllowed, u.Scheme)
}

func (l *Loader) checkPath(path string) error {
	if l.opts.DataDir == "" {
		return fmt.Errorf("%w: local reads are disabled", ErrSourceNotAllowed)
	}
	root, err := resolve(l.opts.DataDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceNotAllowed, err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	target, err := resolve(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceNotAllowed, err)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is outside the data directory", ErrSourceNotAllowed, path)
	}
	return nil
}

// resolve returns the absolute, symlink-free form of path. Missing trailing
// elements are appended to the deepest ancestor that exists.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rest := ""
	for dir := abs; ; {
		if r, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(r, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// FetchDefault retrieves the bytes at rawURL after CheckSource: http(s)
// URLs are fetched, file:// URLs and plain paths are read from disk, plain
// relative paths from DataDir.
func (l *Loader) FetchDefault(ctx context.Context, rawURL string) ([]byte, error) {
	if err := l.CheckSource(rawURL); err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}

	switch u.Scheme {
	case "http", "https":
		return l.fetchHTTP(ctx, rawURL)
	case "file":
		return l.readPath(rawURL, u.Path)
	case "":
		path := rawURL
		if !filepath.IsAbs(path) && l.opts.DataDir != "" {
			path = filepath.Join(l.opts.DataDir, path)
		}
		return l.readPath(rawURL, path)
	}
	return nil, &NetworkError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
}

func (l *Loader) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	resp, err := l.opts.Client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &NetworkError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	buf, err := l.readAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	log.Printf("[Loader] fetched %s (%d bytes)", rawURL, len(buf))
	return buf, nil
}

func (l *Loader) readPath(rawURL, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	defer f.Close()
	buf, err := l.readAll(f)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	return buf, nil
}

// FromLocalFile reads a user-supplied file.
func (l *Loader) FromLocalFile(r io.Reader, name string) ([]byte, error) {
	buf, err := l.readAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return buf, nil
}

func (l *Loader) readAll(r io.Reader) ([]byte, error) {
	if l.opts.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	buf, err := io.ReadAll(io.LimitReader(r, l.opts.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > l.opts.MaxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, l.opts.MaxBytes)
	}
	return buf, nil
}
