package ociwrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xregistry/ociwrap/internal/respcache"
)

// CacheInfo contains statistics about a response cache directory.
type CacheInfo struct {
	// Path is the absolute path to the cache directory.
	Path string
	// TotalSize is the sum of all cached document sizes in bytes.
	TotalSize int64
	// EntryCount is the number of cached documents.
	EntryCount int
	// Entries describes each cached document, oldest first.
	Entries []CacheEntry
}

// CacheEntry describes a single cached response document.
type CacheEntry struct {
	// Backend, Image and Version identify the projected entity, in their
	// sanitized on-disk form.
	Backend string
	Image   string
	Version string
	// Size is the document size in bytes.
	Size int64
	// Written is when the document was projected.
	Written time.Time
}

// CachePruneOptions configures cache pruning behavior.
type CachePruneOptions struct {
	// MaxSize is the maximum total cache size in bytes. Oldest documents
	// are evicted until the cache is under this limit. Zero means no limit.
	MaxSize int64

	// MaxAge is the maximum document age. Documents projected before the
	// cutoff are evicted. Zero means no age limit.
	MaxAge time.Duration
}

// CachePruneResult contains statistics about a prune operation.
type CachePruneResult struct {
	EntriesRemoved   int
	BytesRemoved     int64
	EntriesRemaining int
	BytesRemaining   int64
}

// CacheStats returns statistics about the response cache at the given path.
// If the cache directory doesn't exist, returns an empty CacheInfo.
func CacheStats(path string) (*CacheInfo, error) {
	absPath, err := resolveCachePath(path)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(absPath); os.IsNotExist(statErr) {
		return &CacheInfo{Path: absPath}, nil
	}

	c, err := respcache.New(absPath, slog.New(slog.DiscardHandler), nil)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	entries, err := c.Entries()
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	info := &CacheInfo{
		Path:       absPath,
		EntryCount: len(entries),
		Entries:    make([]CacheEntry, len(entries)),
	}
	for i, e := range entries {
		info.TotalSize += e.Size
		info.Entries[i] = CacheEntry{
			Backend: e.Backend,
			Image:   e.Image,
			Version: e.Version,
			Size:    e.Size,
			Written: e.Written,
		}
	}
	return info, nil
}

// CacheClear removes all documents from the cache at the given path.
// Returns nil if the cache directory doesn't exist.
func CacheClear(path string) error {
	absPath, err := resolveCachePath(path)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(absPath); os.IsNotExist(statErr) {
		return nil
	}

	c, err := respcache.New(absPath, slog.New(slog.DiscardHandler), nil)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	if err := c.Purge(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// CachePrune evicts documents based on the provided options. Documents
// exceeding MaxAge are removed first, then the oldest documents until
// the cache fits MaxSize. Returns empty statistics if the cache
// directory doesn't exist.
func CachePrune(path string, opts CachePruneOptions) (*CachePruneResult, error) {
	absPath, err := resolveCachePath(path)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(absPath); os.IsNotExist(statErr) {
		return &CachePruneResult{}, nil
	}

	c, err := respcache.New(absPath, slog.New(slog.DiscardHandler), nil)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	result, err := c.Prune(respcache.PruneOptions{
		MaxSize: opts.MaxSize,
		MaxAge:  opts.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("prune cache: %w", err)
	}

	return &CachePruneResult{
		EntriesRemoved:   result.EntriesRemoved,
		BytesRemoved:     result.BytesRemoved,
		EntriesRemaining: result.EntriesRemaining,
		BytesRemaining:   result.BytesRemaining,
	}, nil
}

// resolveCachePath expands ~ and converts to absolute path.
func resolveCachePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("cache path is empty")
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return absPath, nil
}
