// Package cache is the restore cache: a size- and TTL-bounded directory of recalled objects that
// serves every read of a restored cold object.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/zombar/coldstore/internal/meta"
)

const (
	dataExt = ".data"
	metaExt = ".meta"
	tmpExt  = ".tmp"
)

// Config configures a Cache.
type Config struct {
	Path         string
	MaxSizeBytes int64
	TTL          time.Duration
	Policy       string
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries   int
	Bytes     int64
	MaxBytes  int64
	Hits      uint64
	Misses    uint64
	Evictions uint64

	VolumeTotalBytes     int64
	VolumeUsedBytes      int64
	VolumeAvailableBytes int64
}

// record is the on-disk index record stored next to each data file.
type record struct {
	Bucket   string    `json:"bucket"`
	Key      string    `json:"key"`
	Version  string    `json:"version,omitempty"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	CachedAt time.Time `json:"cached_at"`
	Checksum string    `json:"checksum"`
}

type entry struct {
	id       meta.ObjectID
	size     int64
	cachedAt time.Time
	checksum string
}

// Cache maps object identities to files under a directory.
type Cache struct {
	dir    string
	max    int64
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   policy
	size    int64

	fills singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Open creates the cache directory if needed and rebuilds the index from the index records found
// there. Orphaned data, orphaned records and staging files are removed.
func Open(cfg Config) (*Cache, error) {
	if cfg.Path == "" {
		return nil, errors.New("cache: path required")
	}
	if cfg.MaxSizeBytes <= 0 {
		return nil, errors.New("cache: max size must be positive")
	}
	order, err := newPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("%w: create cache dir: %v", meta.ErrCacheIO, err)
	}
	c := &Cache{
		dir:     cfg.Path,
		max:     cfg.MaxSizeBytes,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  cfg.Logger.With().Str("component", "cache").Logger(),
		entries: make(map[string]*entry),
		order:   order,
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) dataPath(key string) string { return filepath.Join(c.dir, key+dataExt) }
func (c *Cache) metaPath(key string) string { return filepath.Join(c.dir, key+metaExt) }

func (c *Cache) rebuild() error {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("%w: scan cache dir: %v", meta.ErrCacheIO, err)
	}
	names := make(map[string]bool, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			names[d.Name()] = true
		}
	}

	var (
		loaded  []*entry
		removed int
	)
	for name := range names {
		switch {
		case strings.HasSuffix(name, tmpExt):
			c.unlink(filepath.Join(c.dir, name))
			removed++
		case strings.HasSuffix(name, dataExt):
			if !names[strings.TrimSuffix(name, dataExt)+metaExt] {
				c.unlink(filepath.Join(c.dir, name))
				removed++
			}
		case strings.HasSuffix(name, metaExt):
			key := strings.TrimSuffix(name, metaExt)
			e, err := c.load(key)
			if err != nil {
				c.logger.Warn().Err(err).Str("entry", key).Msg("dropping unreadable cache entry")
				c.unlink(c.metaPath(key))
				c.unlink(c.dataPath(key))
				removed++
				continue
			}
			loaded = append(loaded, e)
		}
	}

	// Oldest first so recency-based policies start from cached_at order.
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].cachedAt.Before(loaded[j].cachedAt) })
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range loaded {
		key := e.id.Digest()
		c.entries[key] = e
		c.order.add(key, e.cachedAt)
		c.size += e.size
	}
	c.reclaim(0)

	c.logger.Info().
		Int("entries", len(c.entries)).
		Str("size", humanize.IBytes(uint64(c.size))).
		Int("removed", removed).
		Msg("cache index rebuilt")
	return nil
}

// load reads an index record and checks it against its data file.
func (c *Cache) load(key string) (*entry, error) {
	data, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse index record: %w", err)
	}
	id := meta.ObjectID{Bucket: rec.Bucket, Key: rec.Key, Version: rec.Version}
	if id.Digest() != key {
		return nil, errors.New("index record does not match file name")
	}
	fi, err := os.Stat(c.dataPath(key))
	if err != nil {
		return nil, err
	}
	if fi.Size() != rec.Size {
		return nil, fmt.Errorf("data file is %d bytes, record says %d", fi.Size(), rec.Size)
	}
	return &entry{id: id, size: rec.Size, cachedAt: rec.CachedAt, checksum: rec.Checksum}, nil
}

func (c *Cache) expired(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.cachedAt) > c.ttl
}

// Get returns the cached bytes of id. Expired and missing entries report false.
func (c *Cache) Get(ctx context.Context, id meta.ObjectID) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	key := id.Digest()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.expired(e) {
		c.misses.Add(1)
		return nil, false, nil
	}

	data, err := os.ReadFile(c.dataPath(key))
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Warn().Str("object", id.String()).Msg("cache file vanished, dropping entry")
		c.mu.Lock()
		if c.entries[key] == e {
			c.drop(key)
			c.unlink(c.metaPath(key))
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s: %v", meta.ErrCacheIO, id, err)
	}

	c.mu.Lock()
	if c.entries[key] == e {
		c.order.touch(key)
	}
	c.mu.Unlock()
	c.hits.Add(1)
	return data, true, nil
}

// Contains reports whether a live, unexpired entry exists for id.
func (c *Cache) Contains(id meta.ObjectID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id.Digest()]
	return ok && !c.expired(e)
}

// Put stores data for id, evicting by policy until it fits. Fills for one identity are
// serialised; a fill that finds an identical live entry leaves it in place.
func (c *Cache) Put(ctx context.Context, id meta.ObjectID, data []byte) error {
	size := int64(len(data))
	if size > c.max {
		return fmt.Errorf("%w: %s is %s, capacity %s", meta.ErrCacheTooSmall, id,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(c.max)))
	}
	key := id.Digest()
	sum := meta.Checksum(data)
	_, err, _ := c.fills.Do(key, func() (any, error) {
		return nil, c.fill(ctx, id, key, data, sum)
	})
	return err
}

func (c *Cache) fill(ctx context.Context, id meta.ObjectID, key string, data []byte, sum string) error {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && e.checksum == sum && !c.expired(e) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := c.now().UTC()
	rec, err := json.Marshal(record{
		Bucket:   id.Bucket,
		Key:      id.Key,
		Version:  id.Version,
		Path:     key + dataExt,
		Size:     int64(len(data)),
		CachedAt: now,
		Checksum: sum,
	})
	if err != nil {
		return fmt.Errorf("%w: encode index record: %v", meta.ErrCacheIO, err)
	}
	dataTmp, err := c.stage(key, data)
	if err != nil {
		return err
	}
	metaTmp, err := c.stage(key, rec)
	if err != nil {
		c.unlink(dataTmp)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.drop(key)
		c.logger.Debug().Str("object", id.String()).Str("old_checksum", old.checksum).Msg("replacing cache entry")
	}
	c.reclaim(int64(len(data)))

	if err := os.Rename(dataTmp, c.dataPath(key)); err != nil {
		c.unlink(dataTmp)
		c.unlink(metaTmp)
		c.unlink(c.metaPath(key))
		return fmt.Errorf("%w: publish %s: %v", meta.ErrCacheIO, id, err)
	}
	if err := os.Rename(metaTmp, c.metaPath(key)); err != nil {
		c.unlink(metaTmp)
		c.unlink(c.dataPath(key))
		return fmt.Errorf("%w: publish %s: %v", meta.ErrCacheIO, id, err)
	}
	c.entries[key] = &entry{id: id, size: int64(len(data)), cachedAt: now, checksum: sum}
	c.order.add(key, now)
	c.size += int64(len(data))
	return nil
}

// stage writes data to a temporary file in the cache directory.
func (c *Cache) stage(key string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(c.dir, key+".*"+tmpExt)
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", meta.ErrCacheIO, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		c.unlink(tmp.Name())
		return "", fmt.Errorf("%w: write temp file: %v", meta.ErrCacheIO, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		c.unlink(tmp.Name())
		return "", fmt.Errorf("%w: sync temp file: %v", meta.ErrCacheIO, err)
	}
	if err := tmp.Close(); err != nil {
		c.unlink(tmp.Name())
		return "", fmt.Errorf("%w: close temp file: %v", meta.ErrCacheIO, err)
	}
	return tmp.Name(), nil
}

// reclaim evicts entries by policy until need more bytes fit. Caller holds c.mu.
func (c *Cache) reclaim(need int64) {
	for c.size+need > c.max {
		key, ok := c.order.victim()
		if !ok {
			return
		}
		c.drop(key)
		c.unlink(c.dataPath(key))
		c.unlink(c.metaPath(key))
		c.evictions.Add(1)
	}
}

// drop removes key from the index. Caller holds c.mu.
func (c *Cache) drop(key string) {
	if e, ok := c.entries[key]; ok {
		c.size -= e.size
		delete(c.entries, key)
	}
	c.order.remove(key)
}

func (c *Cache) unlink(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn().Err(err).Str("path", path).Msg("failed to remove cache file")
	}
}

// Evict removes the entry for id. Evicting an absent entry is not an error.
func (c *Cache) Evict(id meta.ObjectID) error {
	key := id.Digest()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return nil
	}
	c.drop(key)
	for _, p := range []string{c.dataPath(key), c.metaPath(key)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: evict %s: %v", meta.ErrCacheIO, id, err)
		}
	}
	c.evictions.Add(1)
	return nil
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		n    int
		errs []error
	)
	for key, e := range c.entries {
		if !c.expired(e) {
			continue
		}
		c.drop(key)
		for _, p := range []string{c.dataPath(key), c.metaPath(key)} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		n++
	}
	if n > 0 {
		c.evictions.Add(uint64(n))
		c.logger.Debug().Int("entries", n).Msg("swept expired cache entries")
	}
	if len(errs) > 0 {
		return n, fmt.Errorf("%w: %w", meta.ErrCacheIO, errors.Join(errs...))
	}
	return n, nil
}

// Stats returns current usage counters and the volume statistics of the cache directory.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		Entries:  len(c.entries),
		Bytes:    c.size,
		MaxBytes: c.max,
	}
	c.mu.RUnlock()
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	if total, used, avail, err := VolumeStats(c.dir); err == nil {
		s.VolumeTotalBytes, s.VolumeUsedBytes, s.VolumeAvailableBytes = total, used, avail
	}
	return s
}
