// Package respcache persists projected documents on disk between requests.
//
// The cache stores, per (backend, image, version), the exact document a
// client asking for that entity would receive. It is a projection cache, not
// an upstream-truth cache: entries carry no TTL and are refreshed by deleting
// the directory.
package respcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/metrics"
)

// Cache is the on-disk document store. Reads never fail the request; a
// missing or corrupt file is simply a miss, and corrupt files are evicted so
// they heal on the next write. Concurrent writers may race on the same file;
// last writer wins. A nil *Cache is valid and caches nothing.
type Cache struct {
	root    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// AllVersions is the version key under which a resource's full version
// collection is cached.
const AllVersions = "_all_versions_"

// New opens (creating if needed) a cache rooted at root.
func New(root string, logger *slog.Logger, m *metrics.Metrics) (*Cache, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{root: root, logger: logger, metrics: m}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	if c == nil {
		return ""
	}
	return c.root
}

// Read returns the cached document for the triple, or ok=false on any miss.
func (c *Cache) Read(backend, image, version string) (*core.Doc, bool) {
	if c == nil {
		return nil, false
	}
	path := c.path(backend, image, version)
	data, err := os.ReadFile(path)
	if err != nil {
		c.metrics.ObserveCache(metrics.CacheMiss)
		c.logger.Debug("cache miss", "backend", backend, "image", image, "version", version)
		return nil, false
	}
	doc := core.NewDoc()
	if err := json.Unmarshal(data, doc); err != nil {
		// Evict so the bad entry heals on the next write.
		os.Remove(path)
		c.metrics.ObserveCache(metrics.CacheMiss)
		c.logger.Warn("cache entry corrupt, evicted", "path", path, "error", err)
		return nil, false
	}
	c.metrics.ObserveCache(metrics.CacheHit)
	c.logger.Debug("cache hit", "backend", backend, "image", image, "version", version)
	return doc, true
}

// Write stores the document for the triple. Failures are logged, never
// surfaced.
func (c *Cache) Write(backend, image, version string, doc *core.Doc) {
	if c == nil {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		c.metrics.ObserveCache(metrics.CacheWriteError)
		c.logger.Warn("cache write failed", "error", err)
		return
	}
	path := c.path(backend, image, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		c.metrics.ObserveCache(metrics.CacheWriteError)
		c.logger.Warn("cache write failed", "path", path, "error", err)
		return
	}
	if err := writeFileAtomic(path, data); err != nil {
		c.metrics.ObserveCache(metrics.CacheWriteError)
		c.logger.Warn("cache write failed", "path", path, "error", err)
		return
	}
	c.metrics.ObserveCache(metrics.CacheWrite)
	c.logger.Debug("cache write", "backend", backend, "image", image, "version", version)
}

// Purge removes every entry and leaves an empty cache directory behind.
func (c *Cache) Purge() error {
	if c == nil {
		return nil
	}
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	if err := os.MkdirAll(c.root, 0o700); err != nil {
		return fmt.Errorf("recreate cache directory: %w", err)
	}
	return nil
}

func (c *Cache) path(backend, image, version string) string {
	if version == "" {
		version = AllVersions
	}
	image = strings.ReplaceAll(image, "/", "_")
	return filepath.Join(c.root, sanitize(backend), sanitize(image), sanitize(version)+".json")
}

// sanitize reduces a key segment to a safe filename: anything outside
// [a-zA-Z0-9._-] becomes an underscore, and segments that are empty or pure
// dots are replaced entirely.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
