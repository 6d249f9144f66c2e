package respcache

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry describes one cached document file. Key segments are reported in
// their sanitized on-disk form.
type Entry struct {
	Backend string
	Image   string
	Version string
	Size    int64
	// Written is the file modification time. Entries are never touched on
	// read, so this is the projection time.
	Written time.Time
}

// PruneOptions configures cache pruning behavior.
type PruneOptions struct {
	// MaxSize is the maximum total cache size in bytes. Oldest entries are
	// evicted until the cache is under this limit. Zero means no size limit.
	MaxSize int64

	// MaxAge is the maximum entry age, measured from the write time. Zero
	// means no age limit.
	MaxAge time.Duration
}

// PruneResult contains statistics about a prune operation.
type PruneResult struct {
	EntriesRemoved   int
	BytesRemoved     int64
	EntriesRemaining int
	BytesRemaining   int64
}

// Entries lists every cached document, oldest first.
func (c *Cache) Entries() ([]Entry, error) {
	if c == nil {
		return nil, nil
	}
	var entries []Entry
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return err
		}
		info, err := d.Info()
		if err != nil {
			// Entry vanished mid-walk; a concurrent purge is fine.
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		entries = append(entries, Entry{
			Backend: parts[0],
			Image:   parts[1],
			Version: strings.TrimSuffix(parts[2], ".json"),
			Size:    info.Size(),
			Written: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Written.Before(entries[j].Written) })
	return entries, nil
}

// Prune evicts entries past MaxAge, then the oldest entries until the
// cache fits MaxSize. Returns statistics about the operation.
func (c *Cache) Prune(opts PruneOptions) (PruneResult, error) {
	var result PruneResult
	if c == nil {
		return result, nil
	}

	entries, err := c.Entries()
	if err != nil {
		return result, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	cutoff := time.Time{}
	if opts.MaxAge > 0 {
		cutoff = time.Now().Add(-opts.MaxAge)
	}

	for _, e := range entries {
		expired := !cutoff.IsZero() && e.Written.Before(cutoff)
		oversize := opts.MaxSize > 0 && total-result.BytesRemoved > opts.MaxSize
		if !expired && !oversize {
			result.EntriesRemaining++
			continue
		}
		path := filepath.Join(c.root, e.Backend, e.Image, e.Version+".json")
		if err := os.Remove(path); err != nil {
			c.logger.Warn("prune remove failed", "path", path, "error", err)
			result.EntriesRemaining++
			continue
		}
		result.EntriesRemoved++
		result.BytesRemoved += e.Size
	}
	result.BytesRemaining = total - result.BytesRemoved

	c.logger.Debug("cache pruned",
		"removed", result.EntriesRemoved,
		"bytes_removed", result.BytesRemoved,
		"remaining", result.EntriesRemaining,
		"bytes_remaining", result.BytesRemaining)
	return result, nil
}
