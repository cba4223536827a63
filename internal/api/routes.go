// Package api provides HTTP handlers for the volume viewer server.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/volrnd/server/internal/controller"
	"github.com/volrnd/server/internal/data/raw"
	"github.com/volrnd/server/internal/loader"
	"github.com/volrnd/server/internal/pipeline"
	"github.com/volrnd/server/internal/topology"
	"github.com/volrnd/server/internal/transfer"
	"github.com/volrnd/server/internal/widget"
	"github.com/volrnd/server/pkg/colormap"
)

const (
	// maxMultipartMemory is the part of a multipart upload kept in memory;
	// the rest spills to temporary files.
	maxMultipartMemory = 32 << 20
	// DefaultMaxUploadBytes caps upload bodies when RouterConfig leaves
	// MaxUploadBytes unset.
	DefaultMaxUploadBytes = 512 << 20
	// uploadOverhead covers multipart boundaries and form fields on top of
	// the volume itself.
	uploadOverhead = 1 << 20
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Controller  *controller.Controller
	CORSOrigins []string
	Title       string
	// MaxUploadBytes bounds the volume in an upload request.
	MaxUploadBytes int64
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cfg.Controller
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusHandler(c, cfg.Title))
		r.Get("/presets", presetsHandler)

		maxUpload := cfg.MaxUploadBytes
		if maxUpload <= 0 {
			maxUpload = DefaultMaxUploadBytes
		}
		r.With(middleware.RequestSize(maxUpload+uploadOverhead)).
			Post("/volume", volumeUploadHandler(c))
		r.Post("/volume/fetch", volumeFetchHandler(c))
		r.Post("/volume/reload", volumeReloadHandler(c))

		r.Get("/frame.png", frameHandler(c))
		r.Get("/widget.png", widgetImageHandler(c))
		r.Get("/extremum-graph", extremumGraphHandler(c))
		r.Put("/viewport", viewportHandler(c))

		r.Route("/transfer-function", func(r chi.Router) {
			r.Get("/", transferFunctionHandler(c))
			r.Put("/", transferFunctionUpdateHandler(c))
			r.Put("/preset", presetUpdateHandler(c))
			r.Post("/points", pointAddHandler(c))
			r.Patch("/points/{index}", pointMoveHandler(c))
			r.Delete("/points/{index}", pointRemoveHandler(c))
		})

		r.Route("/camera", func(r chi.Router) {
			r.Get("/", cameraHandler(c))
			r.Post("/orbit", cameraOrbitHandler(c))
			r.Post("/zoom", cameraZoomHandler(c))
			r.Post("/pan", cameraPanHandler(c))
			r.Post("/reset", cameraResetHandler(c))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps controller and pipeline errors to HTTP status codes.
// Anything unrecognized gets fallback.
func errorStatus(err error, fallback int) int {
	switch {
	case errors.Is(err, controller.ErrDisposed), errors.Is(err, controller.ErrNotMounted):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrNothingToReload), errors.Is(err, pipeline.ErrNoVolume):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrNoFrame):
		return http.StatusNotFound
	case errors.Is(err, loader.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, loader.ErrSourceNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, controller.ErrGraphPending):
		return http.StatusServiceUnavailable
	case errors.Is(err, topology.ErrTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrStopIndex):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrTooFewStops), errors.Is(err, transfer.ErrUnknownPreset):
		return http.StatusBadRequest
	case errors.Is(err, widget.ErrDisposed), errors.Is(err, pipeline.ErrNotInitialized):
		return http.StatusServiceUnavailable
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	return fallback
}

func writeError(w http.ResponseWriter, err error, fallback int) {
	http.Error(w, err.Error(), errorStatus(err, fallback))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type statusResponse struct {
	Title string `json:"title,omitempty"`
	controller.Status
}

func statusHandler(c *controller.Controller, title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Title: title, Status: c.Status()})
	}
}

func presetsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default": colormap.DefaultName,
		"presets": colormap.Names(),
	})
}

func loadAccepted(w http.ResponseWriter, seq uint64) {
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"sequence": seq,
	})
}

// volumeUploadHandler accepts a volume either as the raw request body or as
// the "file" part of a multipart form. Raw buffers take their geometry from
// a "header" YAML part or from the dims/spacing/origin/type/order query
// parameters. Bodies over the route's size limit are refused with 413.
func volumeUploadHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		name := strings.TrimSpace(query.Get("name"))
		format, err := formatFromQuery(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		body := io.Reader(r.Body)
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "multipart/form-data" {
			if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
				http.Error(w, "invalid multipart form: "+err.Error(), errorStatus(err, http.StatusBadRequest))
				return
			}
			defer r.MultipartForm.RemoveAll()

			file, fh, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "missing form file: file", http.StatusBadRequest)
				return
			}
			defer file.Close()
			body = file
			if name == "" {
				name = fh.Filename
			}

			if hdr := r.FormValue("header"); hdr != "" {
				h, err := raw.ParseHeader([]byte(hdr))
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				format = h.String()
			} else if f := r.FormValue("format"); f != "" && format == "" {
				format = f
			}
		}
		if name == "" {
			name = "upload"
		}

		seq, err := c.LoadFile(name, body, format)
		if err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		loadAccepted(w, seq)
	}
}

// formatFromQuery resolves the "format" query parameter. The raw geometry
// parameters imply the raw format and are validated here.
func formatFromQuery(q url.Values) (string, error) {
	format := strings.TrimSpace(q.Get("format"))
	fields := []string{}
	for _, key := range []string{"dims", "spacing", "origin", "type", "order"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			fields = append(fields, key+"="+v)
		}
	}
	if len(fields) == 0 {
		return format, nil
	}
	if format != "" && format != raw.Format {
		return "", errors.New("raw geometry parameters require format=raw")
	}
	if n := strings.TrimSpace(q.Get("name")); n != "" {
		fields = append(fields, "name="+n)
	}
	h, err := raw.ParseFormat(strings.Join(append([]string{raw.Format}, fields...), ";"))
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

type fetchRequest struct {
	URL string `json:"url"`
}

func volumeFetchHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req fetchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		seq, err := c.LoadURL(req.URL)
		if err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		loadAccepted(w, seq)
	}
}

func volumeReloadHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, err := c.Reload()
		if err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		loadAccepted(w, seq)
	}
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func frameHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := c.Frame()
		if err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writePNG(w, data)
	}
}

func widgetImageHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := c.WidgetImage()
		if err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writePNG(w, data)
	}
}

func extremumGraphHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := c.ExtremumGraph()
		if errors.Is(err, controller.ErrGraphPending) {
			w.Header().Set("Retry-After", "1")
		}
		if err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

type viewportRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func viewportHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req viewportRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := c.Resize(req.Width, req.Height); err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, c.Status())
	}
}

type histogramResponse struct {
	Range  [2]float64 `json:"range"`
	Counts []int      `json:"counts"`
}

type transferFunctionResponse struct {
	transfer.State
	Histogram *histogramResponse `json:"histogram,omitempty"`
}

func writeTransferFunction(w http.ResponseWriter, c *controller.Controller) {
	st, err := c.TransferFunction()
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	resp := transferFunctionResponse{State: st}
	lo, hi, counts, err := c.Histogram()
	if err == nil && counts != nil {
		resp.Histogram = &histogramResponse{Range: [2]float64{lo, hi}, Counts: counts}
	}
	writeJSON(w, http.StatusOK, resp)
}

func transferFunctionHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeTransferFunction(w, c)
	}
}

type transferFunctionRequest struct {
	ColorStops   []transfer.ColorStop   `json:"color_stops"`
	OpacityStops []transfer.OpacityStop `json:"opacity_stops"`
}

func transferFunctionUpdateHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferFunctionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ColorStops == nil && req.OpacityStops == nil {
			http.Error(w, "color_stops or opacity_stops is required", http.StatusBadRequest)
			return
		}
		if err := c.SetTransferFunction(req.ColorStops, req.OpacityStops); err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		writeTransferFunction(w, c)
	}
}

type presetRequest struct {
	Name string `json:"name"`
}

func presetUpdateHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req presetRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := c.SetPreset(req.Name); err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		writeTransferFunction(w, c)
	}
}

type pointRequest struct {
	Value   *float64 `json:"value"`
	Opacity *float64 `json:"opacity"`
}

func (p pointRequest) validate(w http.ResponseWriter) bool {
	if p.Value == nil || p.Opacity == nil {
		http.Error(w, "value and opacity are required", http.StatusBadRequest)
		return false
	}
	return true
}

func pointIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return 0, false
	}
	return i, true
}

func pointAddHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pointRequest
		if !decodeBody(w, r, &req) || !req.validate(w) {
			return
		}
		idx, err := c.AddPoint(*req.Value, *req.Opacity)
		if err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"index": idx,
		})
	}
}

func pointMoveHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, ok := pointIndex(w, r)
		if !ok {
			return
		}
		var req pointRequest
		if !decodeBody(w, r, &req) || !req.validate(w) {
			return
		}
		if err := c.MovePoint(idx, *req.Value, *req.Opacity); err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		writeTransferFunction(w, c)
	}
}

func pointRemoveHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, ok := pointIndex(w, r)
		if !ok {
			return
		}
		if err := c.RemovePoint(idx); err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		writeTransferFunction(w, c)
	}
}

func writeCamera(w http.ResponseWriter, c *controller.Controller) {
	cam, err := c.Camera()
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

func cameraHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeCamera(w, c)
	}
}

type orbitRequest struct {
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
}

func cameraOrbitHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orbitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := c.Orbit(req.Azimuth, req.Elevation); err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writeCamera(w, c)
	}
}

type zoomRequest struct {
	Factor float64 `json:"factor"`
}

func cameraZoomHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req zoomRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if !(req.Factor > 0) {
			http.Error(w, "factor must be positive", http.StatusBadRequest)
			return
		}
		if err := c.Zoom(req.Factor); err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writeCamera(w, c)
	}
}

type panRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func cameraPanHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req panRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := c.Pan(req.DX, req.DY); err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writeCamera(w, c)
	}
}

func cameraResetHandler(c *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.ResetCamera(); err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writeCamera(w, c)
	}
}
