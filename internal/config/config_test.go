package config

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_FullFile(t *testing.T) {
	content := `
server:
  port: 9000
  cors_origins: ["http://example.org"]
data:
  default_url: "http://localhost:9000/data/head.vti"
  max_upload_mb: 64
  allow_remote_fetch: true
  data_dir: /srv/volumes
render:
  width: 640
  height: 480
  background: "#102030"
  downsample: 2
  camera_zoom: 2
widget:
  width: 300
  rescale_color_map: false
extremum_graph:
  min_persistence: 0.05
  max_vertices: 1000000
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Data.DefaultURL != "http://localhost:9000/data/head.vti" {
		t.Errorf("unexpected default_url: %s", cfg.Data.DefaultURL)
	}
	if !cfg.Data.AllowRemoteFetch || cfg.Data.DataDir != "/srv/volumes" {
		t.Errorf("unexpected fetch policy: remote=%v dir=%q", cfg.Data.AllowRemoteFetch, cfg.Data.DataDir)
	}
	if cfg.Render.Width != 640 || cfg.Render.Height != 480 {
		t.Errorf("unexpected render size %dx%d", cfg.Render.Width, cfg.Render.Height)
	}
	bg, err := cfg.Render.BackgroundColor()
	if err != nil {
		t.Fatal(err)
	}
	if bg != (color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 255}) {
		t.Errorf("unexpected background %+v", bg)
	}
	if cfg.Widget.RescaleColors() {
		t.Error("rescale_color_map: false should be honoured")
	}
	if cfg.Widget.Height != 150 {
		t.Errorf("expected default widget height 150, got %d", cfg.Widget.Height)
	}
	if cfg.ExtremumGraph.MinPersistence != 0.05 || cfg.ExtremumGraph.MaxVertices != 1000000 {
		t.Errorf("unexpected extremum_graph %+v", cfg.ExtremumGraph)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.FrameSizeMB != 256 {
		t.Errorf("expected default frame cache size 256, got %d", cfg.Cache.FrameSizeMB)
	}
	if cfg.Render.CameraZoom != 1.5 {
		t.Errorf("expected default camera zoom 1.5, got %g", cfg.Render.CameraZoom)
	}
	if cfg.Render.Colormap != "Cool to Warm" {
		t.Errorf("unexpected colormap %q", cfg.Render.Colormap)
	}
	if !cfg.Widget.RescaleColors() {
		t.Error("color map rescaling should default to on")
	}
	// A config file without default_url disables the initial fetch.
	if cfg.Data.DefaultURL != "" {
		t.Errorf("expected empty default_url, got %q", cfg.Data.DefaultURL)
	}
	if cfg.Data.AllowRemoteFetch || cfg.Data.DataDir != "./data" {
		t.Errorf("remote fetch should default off under ./data, got remote=%v dir=%q", cfg.Data.AllowRemoteFetch, cfg.Data.DataDir)
	}
	if cfg.ExtremumGraph.MinPersistence != 0 || cfg.ExtremumGraph.MaxVertices != 1<<24 {
		t.Errorf("unexpected extremum_graph defaults %+v", cfg.ExtremumGraph)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Data.DefaultURL != "./data/head-binary.vti" {
		t.Errorf("unexpected default url %q", cfg.Data.DefaultURL)
	}
	if cfg.Widget.Width != 400 || cfg.Widget.Height != 150 {
		t.Errorf("unexpected widget size %dx%d", cfg.Widget.Width, cfg.Widget.Height)
	}
}

func TestLoad_BadBackground(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("render:\n  background: \"blue\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid background")
	}
}

func TestLoad_BadPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("extremum_graph:\n  min_persistence: 1.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for min_persistence above 1")
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
