package cache

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Eviction policy names accepted by Config.Policy.
const (
	PolicyLRU = "lru"
	PolicyLFU = "lfu"
	PolicyTTL = "ttl"
)

// policy orders entries for eviction. Implementations are not safe for concurrent use; the
// cache calls them under its index lock.
type policy interface {
	add(key string, cachedAt time.Time)
	touch(key string)
	remove(key string)
	// victim returns the next key to evict without removing it.
	victim() (string, bool)
}

func newPolicy(name string) (policy, error) {
	switch strings.ToLower(name) {
	case "", PolicyLRU:
		return newLRU(), nil
	case PolicyLFU:
		return &lfu{entries: make(map[string]*lfuEntry)}, nil
	case PolicyTTL:
		return &ttlOrder{cachedAt: make(map[string]time.Time)}, nil
	}
	return nil, fmt.Errorf("unknown eviction policy %q", name)
}

// lru keeps recency in a simplelru list sized so that it never evicts on its own.
type lru struct {
	list *simplelru.LRU[string, struct{}]
}

func newLRU() *lru {
	l, _ := simplelru.NewLRU[string, struct{}](math.MaxInt32, nil)
	return &lru{list: l}
}

func (p *lru) add(key string, _ time.Time) { p.list.Add(key, struct{}{}) }
func (p *lru) touch(key string)            { p.list.Get(key) }
func (p *lru) remove(key string)           { p.list.Remove(key) }

func (p *lru) victim() (string, bool) {
	key, _, ok := p.list.GetOldest()
	return key, ok
}

// lfu evicts the least frequently used entry; ties go to the entry accessed longest ago.
type lfu struct {
	entries map[string]*lfuEntry
	clock   uint64
}

type lfuEntry struct {
	hits uint64
	seq  uint64
}

func (p *lfu) add(key string, _ time.Time) {
	p.clock++
	p.entries[key] = &lfuEntry{hits: 1, seq: p.clock}
}

func (p *lfu) touch(key string) {
	if e, ok := p.entries[key]; ok {
		p.clock++
		e.hits++
		e.seq = p.clock
	}
}

func (p *lfu) remove(key string) { delete(p.entries, key) }

func (p *lfu) victim() (string, bool) {
	var (
		best string
		low  *lfuEntry
	)
	for k, e := range p.entries {
		if low == nil || e.hits < low.hits || (e.hits == low.hits && e.seq < low.seq) {
			best, low = k, e
		}
	}
	return best, low != nil
}

// ttlOrder evicts the entry cached longest ago regardless of access.
type ttlOrder struct {
	cachedAt map[string]time.Time
}

func (p *ttlOrder) add(key string, cachedAt time.Time) { p.cachedAt[key] = cachedAt }
func (p *ttlOrder) touch(string)                        {}
func (p *ttlOrder) remove(key string)                   { delete(p.cachedAt, key) }

func (p *ttlOrder) victim() (string, bool) {
	var (
		best   string
		oldest time.Time
		found  bool
	)
	for k, t := range p.cachedAt {
		if !found || t.Before(oldest) || (t.Equal(oldest) && k < best) {
			best, oldest, found = k, t, true
		}
	}
	return best, found
}
