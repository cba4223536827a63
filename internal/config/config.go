// Package config handles configuration loading for the volume viewer server.
package config

import (
	"fmt"
	"image/color"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Widget WidgetConfig `yaml:"widget"`

	ExtremumGraph ExtremumGraphConfig `yaml:"extremum_graph"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	// DefaultURL is fetched once setup completes. It may be an http(s) URL,
	// a file:// URL or a local path. Empty disables the initial load.
	DefaultURL          string `yaml:"default_url"`
	MaxUploadMB         int    `yaml:"max_upload_mb"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
	// AllowRemoteFetch lets clients ask the server to fetch arbitrary
	// http(s) URLs. Off by default.
	AllowRemoteFetch bool `yaml:"allow_remote_fetch"`
	// DataDir is the only directory client-supplied paths may read from.
	DataDir string `yaml:"data_dir"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	FrameSizeMB     int `yaml:"frame_size_mb"`
	FrameTTLMinutes int `yaml:"frame_ttl_minutes"`
	VolumeEntries   int `yaml:"volume_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	Background string  `yaml:"background"`
	Downsample int     `yaml:"downsample"`
	Workers    int     `yaml:"workers"`
	CameraZoom float64 `yaml:"camera_zoom"`
	Colormap   string  `yaml:"colormap"`
	Outline    bool    `yaml:"outline"`
}

// WidgetConfig contains transfer-function widget settings.
type WidgetConfig struct {
	Width           int   `yaml:"width"`
	Height          int   `yaml:"height"`
	RescaleColorMap *bool `yaml:"rescale_color_map"`
}

// ExtremumGraphConfig tunes the join tree computed for each loaded volume.
type ExtremumGraphConfig struct {
	// MinPersistence drops minima whose branch spans no more than this
	// fraction of the scalar range.
	MinPersistence float64 `yaml:"min_persistence"`
	MaxVertices    int     `yaml:"max_vertices"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if _, err := cfg.Render.BackgroundColor(); err != nil {
		return nil, err
	}
	if p := cfg.ExtremumGraph.MinPersistence; p < 0 || p > 1 {
		return nil, fmt.Errorf("invalid extremum_graph.min_persistence %g: want 0..1", p)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	rescale := true
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Volume Viewer",
		},
		Data: DataConfig{
			DefaultURL:          "./data/head-binary.vti",
			MaxUploadMB:         512,
			FetchTimeoutSeconds: 60,
			DataDir:             "./data",
		},
		Cache: CacheConfig{
			FrameSizeMB:     256,
			FrameTTLMinutes: 10,
			VolumeEntries:   4,
		},
		Render: RenderConfig{
			Width:      800,
			Height:     600,
			Background: "#000000",
			Downsample: 1,
			CameraZoom: 1.5,
			Colormap:   "Cool to Warm",
		},
		Widget: WidgetConfig{
			Width:           400,
			Height:          150,
			RescaleColorMap: &rescale,
		},
		ExtremumGraph: ExtremumGraphConfig{
			MaxVertices: 1 << 24,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Data.MaxUploadMB == 0 {
		cfg.Data.MaxUploadMB = defaults.Data.MaxUploadMB
	}
	if cfg.Data.FetchTimeoutSeconds == 0 {
		cfg.Data.FetchTimeoutSeconds = defaults.Data.FetchTimeoutSeconds
	}
	if cfg.Data.DataDir == "" {
		cfg.Data.DataDir = defaults.Data.DataDir
	}
	if cfg.Cache.FrameSizeMB == 0 {
		cfg.Cache.FrameSizeMB = defaults.Cache.FrameSizeMB
	}
	if cfg.Cache.FrameTTLMinutes == 0 {
		cfg.Cache.FrameTTLMinutes = defaults.Cache.FrameTTLMinutes
	}
	if cfg.Cache.VolumeEntries == 0 {
		cfg.Cache.VolumeEntries = defaults.Cache.VolumeEntries
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.Background == "" {
		cfg.Render.Background = defaults.Render.Background
	}
	if cfg.Render.Downsample == 0 {
		cfg.Render.Downsample = defaults.Render.Downsample
	}
	if cfg.Render.CameraZoom == 0 {
		cfg.Render.CameraZoom = defaults.Render.CameraZoom
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Widget.Width == 0 {
		cfg.Widget.Width = defaults.Widget.Width
	}
	if cfg.Widget.Height == 0 {
		cfg.Widget.Height = defaults.Widget.Height
	}
	if cfg.Widget.RescaleColorMap == nil {
		cfg.Widget.RescaleColorMap = defaults.Widget.RescaleColorMap
	}
	if cfg.ExtremumGraph.MaxVertices == 0 {
		cfg.ExtremumGraph.MaxVertices = defaults.ExtremumGraph.MaxVertices
	}
}

// BackgroundColor parses the "#rrggbb" background setting.
func (r RenderConfig) BackgroundColor() (color.RGBA, error) {
	s := strings.TrimPrefix(strings.TrimSpace(r.Background), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid render.background %q: want #rrggbb", r.Background)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid render.background %q: %w", r.Background, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// RescaleColors reports whether the widget remaps the color preset to each
// newly loaded scalar range.
func (w WidgetConfig) RescaleColors() bool {
	return w.RescaleColorMap == nil || *w.RescaleColorMap
}
