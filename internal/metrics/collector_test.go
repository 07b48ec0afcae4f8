package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCache struct {
	mu   sync.Mutex
	snap CacheSnapshot
}

func (m *mockCache) Snapshot() CacheSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *mockCache) set(s CacheSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
}

func newCollector(t *testing.T, cfg CollectorConfig) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Logger = zerolog.Nop()
	return NewCollector(New(reg), cfg), reg
}

func value(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	m := find(t, reg, name, labels)
	require.NotNil(t, m, "metric %s%v not found", name, labels)
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestCollector_CollectCacheStats(t *testing.T) {
	cache := &mockCache{snap: CacheSnapshot{
		Entries: 3, Bytes: 300, MaxBytes: 1000, Hits: 5, Misses: 2, Evictions: 1,
		VolumeTotalBytes: 10000, VolumeUsedBytes: 4000, VolumeAvailableBytes: 6000,
	}}
	c, reg := newCollector(t, CollectorConfig{Cache: cache})
	c.Collect(context.Background())

	assert.Equal(t, 3.0, value(t, reg, "coldstore_cache_entries", nil))
	assert.Equal(t, 300.0, value(t, reg, "coldstore_cache_bytes", nil))
	assert.Equal(t, 1000.0, value(t, reg, "coldstore_cache_capacity_bytes", nil))
	assert.Equal(t, 5.0, value(t, reg, "coldstore_cache_hits_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "coldstore_cache_misses_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "coldstore_cache_evictions_total", nil))
	assert.Equal(t, 6000.0, value(t, reg, "coldstore_cache_volume_available_bytes", nil))
}

func TestCollector_DeltaCalculation(t *testing.T) {
	cache := &mockCache{snap: CacheSnapshot{Hits: 10}}
	c, reg := newCollector(t, CollectorConfig{Cache: cache})

	c.Collect(context.Background())
	c.Collect(context.Background())
	assert.Equal(t, 10.0, value(t, reg, "coldstore_cache_hits_total", nil), "unchanged stats add nothing")

	cache.set(CacheSnapshot{Hits: 25})
	c.Collect(context.Background())
	assert.Equal(t, 25.0, value(t, reg, "coldstore_cache_hits_total", nil))
}

func TestCollector_CollectTapeStats(t *testing.T) {
	tapes := TapeInventoryFunc(func(context.Context) ([]TapeSnapshot, error) {
		return []TapeSnapshot{
			{ID: "T1", Status: "ONLINE", UsedBytes: 512},
			{ID: "T2", Status: "OFFLINE"},
		}, nil
	})
	c, reg := newCollector(t, CollectorConfig{Tapes: tapes})
	c.Collect(context.Background())

	assert.Equal(t, 1.0, value(t, reg, "coldstore_tape_status", map[string]string{"tape": "T1", "status": "ONLINE"}))
	assert.Equal(t, 0.0, value(t, reg, "coldstore_tape_status", map[string]string{"tape": "T1", "status": "OFFLINE"}))
	assert.Equal(t, 1.0, value(t, reg, "coldstore_tape_status", map[string]string{"tape": "T2", "status": "OFFLINE"}))
	assert.Equal(t, 512.0, value(t, reg, "coldstore_tape_used_bytes", map[string]string{"tape": "T1"}))
}

func TestCollector_TapeInventoryError(t *testing.T) {
	tapes := TapeInventoryFunc(func(context.Context) ([]TapeSnapshot, error) {
		return nil, errors.New("metadata down")
	})
	c, reg := newCollector(t, CollectorConfig{Tapes: tapes})
	c.Collect(context.Background())
	assert.Nil(t, find(t, reg, "coldstore_tape_used_bytes", nil))
}

func TestCollector_NilComponents(t *testing.T) {
	c, _ := newCollector(t, CollectorConfig{})
	assert.NotPanics(t, func() { c.Collect(context.Background()) })

	nilMetrics := NewCollector(nil, CollectorConfig{Cache: &mockCache{}})
	assert.NotPanics(t, func() { nilMetrics.Collect(context.Background()) })
}

func TestCollector_Run(t *testing.T) {
	cache := &mockCache{snap: CacheSnapshot{Entries: 1}}
	c, reg := newCollector(t, CollectorConfig{Cache: CacheStatsFunc(cache.Snapshot)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	cache.set(CacheSnapshot{Entries: 7})
	require.Eventually(t, func() bool {
		return value(t, reg, "coldstore_cache_entries", nil) == 7
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
