package recurrence

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"
)

// CacheConfig sizes an ExpansionCache.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	// CleanupInterval is how often expired expansions are swept.
	CleanupInterval time.Duration
}

var DefaultCacheConfig = CacheConfig{
	TTL:             15 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: 5 * time.Minute,
}

// CacheStats is a point-in-time view of an ExpansionCache.
type CacheStats struct {
	TotalEntries   int
	ExpiredEntries int
	ActiveEntries  int
	Hits, Misses   uint64
}

type expansion struct {
	key       string
	instants  []time.Time
	expiresAt time.Time
}

// ExpansionCache memoizes Planner.Between results per recurrence and window.
// Entries are kept in recency order; the least recently read one is dropped
// once MaxEntries is exceeded.
type ExpansionCache struct {
	mu      sync.Mutex
	byKey   map[string]*list.Element
	recency *list.List // front is most recent
	cfg     CacheConfig
	now     func() time.Time

	hits, misses uint64

	done     chan struct{}
	doneOnce sync.Once
}

func NewExpansionCache(cfg CacheConfig) *ExpansionCache {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCacheConfig.CleanupInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig.TTL
	}
	c := &ExpansionCache{
		byKey:   make(map[string]*list.Element),
		recency: list.New(),
		cfg:     cfg,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepEvery(cfg.CleanupInterval)
	return c
}

// expansionKey covers every input the expansion depends on. The zone name
// is included because one instant expands differently per zone.
func expansionKey(rec Recurrence, from, to time.Time) string {
	h := sha256.New()
	field := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	stamp := func(t time.Time) { field(t.Format(time.RFC3339Nano)) }

	field(rec.Rule.String())
	stamp(rec.Anchor)
	field(rec.Anchor.Location().String())
	field(strconv.FormatBool(rec.AllDay))
	field(strconv.Itoa(len(rec.RDates)))
	for _, rd := range rec.RDates {
		stamp(rd)
	}
	stamp(from)
	stamp(to)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached expansion.
func (c *ExpansionCache) Get(rec Recurrence, from, to time.Time) ([]time.Time, bool) {
	key := expansionKey(rec, from, to)

	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*expansion)
	if c.now().After(e.expiresAt) {
		c.remove(el)
		c.misses++
		return nil, false
	}
	c.recency.MoveToFront(el)
	c.hits++
	return append([]time.Time(nil), e.instants...), true
}

func (c *ExpansionCache) Set(rec Recurrence, from, to time.Time, instants []time.Time) {
	e := &expansion{
		key:      expansionKey(rec, from, to),
		instants: append([]time.Time(nil), instants...),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.expiresAt = c.now().Add(c.cfg.TTL)
	if el, ok := c.byKey[e.key]; ok {
		el.Value = e
		c.recency.MoveToFront(el)
		return
	}
	c.byKey[e.key] = c.recency.PushFront(e)
	for c.cfg.MaxEntries > 0 && c.recency.Len() > c.cfg.MaxEntries {
		c.remove(c.recency.Back())
	}
}

func (c *ExpansionCache) remove(el *list.Element) {
	c.recency.Remove(el)
	delete(c.byKey, el.Value.(*expansion).key)
}

// sweep drops expired entries. Callers hold mu.
func (c *ExpansionCache) sweep() {
	now := c.now()
	for el := c.recency.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*expansion).expiresAt) {
			c.remove(el)
		}
		el = prev
	}
}

func (c *ExpansionCache) sweepEvery(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.mu.Lock()
			c.sweep()
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweeper and empties the cache. Repeated calls are no-ops.
func (c *ExpansionCache) Close() {
	c.doneOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	c.byKey = make(map[string]*list.Element)
	c.recency.Init()
	c.mu.Unlock()
}

func (c *ExpansionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{TotalEntries: c.recency.Len(), Hits: c.hits, Misses: c.misses}
	now := c.now()
	for el := c.recency.Front(); el != nil; el = el.Next() {
		if now.After(el.Value.(*expansion).expiresAt) {
			s.ExpiredEntries++
		}
	}
	s.ActiveEntries = s.TotalEntries - s.ExpiredEntries
	return s
}
