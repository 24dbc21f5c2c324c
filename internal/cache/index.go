package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

const indexFile = "index.json"

// loadIndex reads the advisory index, falling back to a directory scan
// when it is missing or unreadable. The index only accelerates startup;
// the entry files are authoritative.
func (c *Cache) loadIndex() map[Key]*entryMeta {
	path := filepath.Join(c.cfg.Dir, indexFile)
	data, err := os.ReadFile(path)
	if err == nil {
		meta := make(map[Key]*entryMeta)
		if err := json.Unmarshal(data, &meta); err == nil {
			return c.pruneStale(meta)
		}
		c.log.Warn("cache index unreadable, rebuilding from directory listing")
	}
	return c.scanDir()
}

// pruneStale drops index entries whose file vanished since the index was
// written.
func (c *Cache) pruneStale(meta map[Key]*entryMeta) map[Key]*entryMeta {
	for key := range meta {
		if _, err := os.Stat(entryPath(c.cfg.Dir, key)); err != nil {
			delete(meta, key)
		}
	}
	return meta
}

// scanDir rebuilds metadata from the entry files themselves. Access
// times fall back to file modification times.
func (c *Cache) scanDir() map[Key]*entryMeta {
	meta := make(map[Key]*entryMeta)
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return meta
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), entryExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := Key(strings.TrimSuffix(e.Name(), entryExt))
		meta[key] = &entryMeta{
			Size:       info.Size(),
			CreatedAt:  info.ModTime(),
			LastAccess: info.ModTime(),
		}
	}
	return meta
}

func (c *Cache) saveIndexLocked() error {
	data, err := json.MarshalIndent(c.meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cfg.Dir, indexFile), data, 0o644)
}
