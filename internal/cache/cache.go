// Package cache implements the tiered result cache for rendered speech:
// an item-bounded in-memory LRU in front of a byte-budgeted disk tier of
// compressed PCM entries. Every failure below the Lookup/Store surface
// degrades to a miss or a memory-only entry; callers never see cache
// infrastructure errors.
package cache

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/sonoralabs/sonora-core/internal/audio"
	"github.com/sonoralabs/sonora-core/internal/config"
)

// evictTargetRatio is the watermark eviction shrinks the disk tier to
// once the byte ceiling is crossed.
const evictTargetRatio = 0.8

type entryMeta struct {
	Size       int64     `json:"size"`
	SampleRate int       `json:"sample_rate"`
	Text       string    `json:"text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Stats is a point-in-time snapshot of cache counters and tier sizes.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	MemoryItems int     `json:"memory_items"`
	DiskItems   int     `json:"disk_items"`
	DiskBytes   int64   `json:"disk_bytes"`
}

// Cache is safe for concurrent use by all sessions. The mutex covers
// metadata and counters only; PCM copies and compression happen outside
// it so one session's store never stalls another's lookup.
type Cache struct {
	cfg config.CacheConfig
	log *slog.Logger

	mem *lru.Cache[Key, audio.Buffer]
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.Mutex
	meta   map[Key]*entryMeta
	hits   int64
	misses int64

	clock func() time.Time
}

// Open initializes both tiers. The on-disk index is advisory: when it is
// missing or unreadable the metadata is rebuilt from a directory listing.
func Open(cfg config.CacheConfig, log *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	mem, err := lru.New[Key, audio.Buffer](cfg.MaxMemoryItems)
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c := &Cache{
		cfg:   cfg,
		log:   log.With(slog.String("component", "tts-cache")),
		mem:   mem,
		enc:   enc,
		dec:   dec,
		clock: time.Now,
	}

	c.meta = c.loadIndex()
	c.log.Info("tts cache opened",
		slog.Int("disk_items", len(c.meta)),
		slog.String("dir", cfg.Dir))
	return c, nil
}

// Close persists the advisory index and releases the codecs.
func (c *Cache) Close() error {
	c.mu.Lock()
	err := c.saveIndexLocked()
	c.mu.Unlock()
	c.enc.Close()
	c.dec.Close()
	return err
}

// Lookup checks the memory tier, then the disk tier. Disk hits are
// promoted into memory. The returned buffer is an owned copy; mutating
// or streaming it cannot race with eviction. A corrupt disk entry is
// deleted and reported as a miss.
func (c *Cache) Lookup(key Key) (audio.Buffer, bool) {
	if buf, ok := c.mem.Get(key); ok {
		c.mu.Lock()
		c.hits++
		if m, ok := c.meta[key]; ok {
			m.LastAccess = c.clock()
		}
		c.mu.Unlock()
		return buf.Clone(), true
	}

	data, err := os.ReadFile(entryPath(c.cfg.Dir, key))
	if err != nil {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return audio.Buffer{}, false
	}

	buf, _, err := decodeEntry(c.dec, data)
	if err != nil {
		c.log.Warn("corrupt cache entry dropped",
			slog.String("key", string(key)),
			slog.String("error", err.Error()))
		c.dropEntry(key)
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return audio.Buffer{}, false
	}

	c.mem.Add(key, buf.Clone())
	c.mu.Lock()
	c.hits++
	if m, ok := c.meta[key]; ok {
		m.LastAccess = c.clock()
	} else {
		// Entry existed on disk without index metadata (index was
		// stale); adopt it so eviction can account for it.
		c.meta[key] = &entryMeta{
			Size:       int64(len(data)),
			SampleRate: buf.SampleRate,
			CreatedAt:  c.clock(),
			LastAccess: c.clock(),
		}
	}
	c.mu.Unlock()
	return buf, true
}

// Store writes through to both tiers. A disk failure (full disk,
// permissions) leaves the entry memory-only and is logged, not returned.
func (c *Cache) Store(key Key, buf audio.Buffer, text string) {
	if len(buf.PCM) == 0 || buf.SampleRate <= 0 {
		return
	}

	c.mem.Add(key, buf.Clone())

	now := c.clock()
	data, err := encodeEntry(c.enc, buf, entryHeader{
		SampleRate: buf.SampleRate,
		Text:       text,
		CreatedAt:  now.Unix(),
	})
	if err == nil {
		err = writeEntryFile(entryPath(c.cfg.Dir, key), data)
	}
	if err != nil {
		c.log.Warn("disk tier store failed, keeping entry memory-only",
			slog.String("key", string(key)),
			slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	if r := []rune(text); len(r) > headerTextLimit {
		text = string(r[:headerTextLimit])
	}
	c.meta[key] = &entryMeta{
		Size:       int64(len(data)),
		SampleRate: buf.SampleRate,
		Text:       text,
		CreatedAt:  now,
		LastAccess: now,
	}
	c.mu.Unlock()

	c.evictIfOverBudget()
}

// evictIfOverBudget deletes least-recently-accessed disk entries until
// usage drops to the watermark. Metadata is removed only for entries
// whose file deletion succeeded, so the two can never diverge.
func (c *Cache) evictIfOverBudget() {
	c.mu.Lock()
	var total int64
	for _, m := range c.meta {
		total += m.Size
	}
	if total <= c.cfg.MaxDiskBytes {
		c.mu.Unlock()
		return
	}

	type candidate struct {
		key    Key
		size   int64
		access time.Time
	}
	candidates := make([]candidate, 0, len(c.meta))
	for k, m := range c.meta {
		candidates = append(candidates, candidate{key: k, size: m.Size, access: m.LastAccess})
	}
	c.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].access.Before(candidates[j].access)
	})

	target := int64(float64(c.cfg.MaxDiskBytes) * evictTargetRatio)
	var evicted int
	for _, cand := range candidates {
		if total <= target {
			break
		}
		if err := os.Remove(entryPath(c.cfg.Dir, cand.key)); err != nil && !os.IsNotExist(err) {
			c.log.Warn("cache eviction delete failed, keeping metadata",
				slog.String("key", string(cand.key)),
				slog.String("error", err.Error()))
			continue
		}
		c.mu.Lock()
		delete(c.meta, cand.key)
		c.mu.Unlock()
		c.mem.Remove(cand.key)
		total -= cand.size
		evicted++
	}

	c.mu.Lock()
	if err := c.saveIndexLocked(); err != nil {
		c.log.Warn("cache index save failed", slog.String("error", err.Error()))
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.log.Info("cache evicted entries",
			slog.Int("evicted", evicted),
			slog.Int64("disk_bytes", total))
	}
}

// dropEntry removes a single entry from every tier, used for corrupt
// files.
func (c *Cache) dropEntry(key Key) {
	c.mem.Remove(key)
	if err := os.Remove(entryPath(c.cfg.Dir, key)); err != nil && !os.IsNotExist(err) {
		c.log.Warn("failed to remove corrupt cache entry",
			slog.String("key", string(key)),
			slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	delete(c.meta, key)
	c.mu.Unlock()
}

// Clear drops both tiers. Counters survive so hit rates stay monotonic
// across administrative clears.
func (c *Cache) Clear() error {
	c.mem.Purge()

	c.mu.Lock()
	keys := make([]Key, 0, len(c.meta))
	for k := range c.meta {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := os.Remove(entryPath(c.cfg.Dir, k)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.mu.Lock()
		delete(c.meta, k)
		c.mu.Unlock()
	}

	c.mu.Lock()
	if err := c.saveIndexLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.mu.Unlock()
	return firstErr
}

// Stats returns a snapshot; counters may trail in-flight operations by
// at most one.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var diskBytes int64
	for _, m := range c.meta {
		diskBytes += m.Size
	}
	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		MemoryItems: c.mem.Len(),
		DiskItems:   len(c.meta),
		DiskBytes:   diskBytes,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
