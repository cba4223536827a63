// Package cache provides caching for rendered frames and decoded volumes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/volrnd/server/internal/volume"
)

// Config contains cache configuration.
type Config struct {
	FrameCacheSizeMB int
	FrameTTL         time.Duration
	VolumeEntries    int
}

// Manager manages the frame and volume caches.
type Manager struct {
	frameCache  *bigcache.BigCache
	volumeCache *lru.Cache[string, *volume.ImageVolume]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.FrameTTL <= 0 {
		cfg.FrameTTL = time.Minute
	}
	if cfg.VolumeEntries <= 0 {
		cfg.VolumeEntries = 1
	}

	// Configure frame cache
	frameCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.FrameTTL,
		CleanWindow:        cfg.FrameTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       512 * 1024, // 512KB per encoded frame
		HardMaxCacheSize:   cfg.FrameCacheSizeMB,
		Verbose:            false,
	}

	frameCache, err := bigcache.New(context.Background(), frameCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	// Create volume cache
	volumeCache, err := lru.New[string, *volume.ImageVolume](cfg.VolumeEntries)
	if err != nil {
		frameCache.Close()
		return nil, fmt.Errorf("failed to create volume cache: %w", err)
	}

	return &Manager{
		frameCache:  frameCache,
		volumeCache: volumeCache,
	}, nil
}

// GetFrame retrieves an encoded frame from cache.
func (m *Manager) GetFrame(key string) ([]byte, bool) {
	data, err := m.frameCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFrame stores an encoded frame in cache.
func (m *Manager) SetFrame(key string, data []byte) error {
	return m.frameCache.Set(key, data)
}

// GetVolume retrieves a decoded volume from cache.
func (m *Manager) GetVolume(key string) (*volume.ImageVolume, bool) {
	return m.volumeCache.Get(key)
}

// SetVolume stores a decoded volume in cache.
func (m *Manager) SetVolume(key string, v *volume.ImageVolume) {
	m.volumeCache.Add(key, v)
}

// FrameKey generates a cache key for a rendered frame.
func FrameKey(pipelineID string, sceneVersion uint64, width, height int) string {
	return fmt.Sprintf("frame:%s:%d:%dx%d", pipelineID, sceneVersion, width, height)
}

// WidgetKey generates a cache key for a transfer-function widget image.
func WidgetKey(pipelineID string, tfVersion uint64, width, height int) string {
	return fmt.Sprintf("widget:%s:%d:%dx%d", pipelineID, tfVersion, width, height)
}

// VolumeKey generates a cache key for a decoded buffer.
func VolumeKey(format string, buf []byte) string {
	sum := sha256.Sum256(buf)
	return format + ":" + hex.EncodeToString(sum[:])
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frame_cache_len":  m.frameCache.Len(),
		"frame_cache_cap":  m.frameCache.Capacity(),
		"volume_cache_len": m.volumeCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.volumeCache.Purge()
	return m.frameCache.Close()
}
