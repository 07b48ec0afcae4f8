package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CacheSnapshot is a point-in-time view of the restore cache.
type CacheSnapshot struct {
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

// TapeSnapshot is the state of one cartridge.
type TapeSnapshot struct {
	ID        string
	Status    string
	UsedBytes int64
}

// CacheStats provides cache snapshots.
type CacheStats interface {
	Snapshot() CacheSnapshot
}

// TapeInventory lists cartridges.
type TapeInventory interface {
	Snapshot(ctx context.Context) ([]TapeSnapshot, error)
}

// CacheStatsFunc adapts a function to CacheStats.
type CacheStatsFunc func() CacheSnapshot

// Snapshot calls f.
func (f CacheStatsFunc) Snapshot() CacheSnapshot { return f() }

// TapeInventoryFunc adapts a function to TapeInventory.
type TapeInventoryFunc func(ctx context.Context) ([]TapeSnapshot, error)

// Snapshot calls f.
func (f TapeInventoryFunc) Snapshot(ctx context.Context) ([]TapeSnapshot, error) { return f(ctx) }

// TapeStatuses are the label values of coldstore_tape_status.
var TapeStatuses = []string{"ONLINE", "OFFLINE", "UNKNOWN", "ERROR"}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Cache  CacheStats
	Tapes  TapeInventory
	Logger zerolog.Logger
}

// Collector periodically copies component stats into metrics.
type Collector struct {
	metrics *Metrics
	cache   CacheStats
	tapes   TapeInventory
	logger  zerolog.Logger

	// Last cache counters for delta calculation
	lastCache CacheSnapshot
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		cache:   cfg.Cache,
		tapes:   cfg.Tapes,
		logger:  cfg.Logger.With().Str("component", "metrics").Logger(),
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	c.collectCacheStats()
	c.collectTapeStats(ctx)
}

func (c *Collector) collectCacheStats() {
	if c.cache == nil {
		return
	}
	s := c.cache.Snapshot()

	c.metrics.CacheEntries.Set(float64(s.Entries))
	c.metrics.CacheBytes.Set(float64(s.Bytes))
	c.metrics.CacheCapacity.Set(float64(s.MaxBytes))
	c.metrics.CacheVolumeTotal.Set(float64(s.VolumeTotalBytes))
	c.metrics.CacheVolumeUsed.Set(float64(s.VolumeUsedBytes))
	c.metrics.CacheVolumeAvailable.Set(float64(s.VolumeAvailableBytes))

	if s.Hits > c.lastCache.Hits {
		c.metrics.CacheHits.Add(float64(s.Hits - c.lastCache.Hits))
	}
	if s.Misses > c.lastCache.Misses {
		c.metrics.CacheMisses.Add(float64(s.Misses - c.lastCache.Misses))
	}
	if s.Evictions > c.lastCache.Evictions {
		c.metrics.CacheEvictions.Add(float64(s.Evictions - c.lastCache.Evictions))
	}
	c.lastCache = s
}

func (c *Collector) collectTapeStats(ctx context.Context) {
	if c.tapes == nil {
		return
	}
	tapes, err := c.tapes.Snapshot(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("tape inventory unavailable")
		return
	}
	for _, t := range tapes {
		for _, st := range TapeStatuses {
			v := 0.0
			if st == t.Status {
				v = 1
			}
			c.metrics.TapeStatus.WithLabelValues(t.ID, st).Set(v)
		}
		c.metrics.TapeUsed.WithLabelValues(t.ID).Set(float64(t.UsedBytes))
	}
}

// Run collects every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
