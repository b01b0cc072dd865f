// Package cache keeps computed measure columns per query scope and user so that
// later queries over the same scope only compute the measures they lack.
package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"mdquery/internal/domain"
	"mdquery/internal/table"
)

// Key identifies a cache entry: the measure-less scope of a query and the user
// issuing it.
type Key struct {
	Scope string
	User  string
}

// NewKey derives the key of s for user.
func NewKey(s *domain.QueryScope, user string) Key {
	return Key{Scope: s.CacheScope().Fingerprint(), User: user}
}

// Stats reports cache activity for one user.
type Stats struct {
	Hits      int64 `json:"hitCount"`
	Misses    int64 `json:"missCount"`
	Entries   int64 `json:"entryCount"`
	Evictions int64 `json:"evictionCount"`
}

// Options bounds the cache. A zero MaxEntries or TTL disables that bound.
type Options struct {
	MaxEntries int
	TTL        time.Duration
}

// QueryCache is safe for concurrent use. The cache mutex guards the entry map,
// the LRU list and the counters; each entry carries its own lock.
type QueryCache struct {
	mu      sync.Mutex
	entries map[Key]*list.Element
	lru     *list.List
	stats   map[string]*Stats
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
}

type entry struct {
	key       Key
	expiresAt time.Time

	mu      sync.RWMutex
	base    *table.ColumnarTable
	dict    *table.PointDictionary
	columns map[string]column
}

type column struct {
	header  table.Header
	measure domain.Measure
	values  []any
}

// New creates a QueryCache. A nil logger falls back to slog.Default.
func New(opts Options, logger *slog.Logger) *QueryCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryCache{
		entries: make(map[Key]*list.Element),
		lru:     list.New(),
		stats:   make(map[string]*Stats),
		opts:    opts,
		now:     time.Now,
		logger:  logger,
	}
}

// lookup returns the live entry for key, dropping it when expired.
// Callers hold c.mu.
func (c *QueryCache) lookup(key Key) *entry {
	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.remove(el)
		c.userStats(key.User).Evictions++
		return nil
	}
	c.lru.MoveToFront(el)
	return e
}

// getOrCreate returns the entry for key, creating and linking it when absent.
func (c *QueryCache) getOrCreate(key Key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(key); e != nil {
		return e
	}
	e := &entry{key: key, columns: map[string]column{}}
	if c.opts.TTL > 0 {
		e.expiresAt = c.now().Add(c.opts.TTL)
	}
	c.entries[key] = c.lru.PushFront(e)
	c.userStats(key.User).Entries++

	for c.opts.MaxEntries > 0 && c.lru.Len() > c.opts.MaxEntries {
		oldest := c.lru.Back()
		evicted := oldest.Value.(*entry).key
		c.remove(oldest)
		c.userStats(evicted.User).Evictions++
		c.logger.Debug("cache entry evicted", "user", evicted.User)
	}
	return e
}

// remove unlinks el. Callers hold c.mu.
func (c *QueryCache) remove(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
	c.userStats(e.key.User).Entries--
}

func (c *QueryCache) userStats(user string) *Stats {
	s, ok := c.stats[user]
	if !ok {
		s = &Stats{}
		c.stats[user] = s
	}
	return s
}

// Contains reports whether the column of m is cached under key and records a
// hit or a miss.
func (c *QueryCache) Contains(m domain.Measure, key Key) bool {
	c.mu.Lock()
	e := c.lookup(key)
	c.mu.Unlock()

	found := false
	if e != nil {
		e.mu.RLock()
		_, found = e.columns[domain.MeasureFingerprint(m)]
		e.mu.RUnlock()
	}

	c.mu.Lock()
	if found {
		c.userStats(key.User).Hits++
	} else {
		c.userStats(key.User).Misses++
	}
	c.mu.Unlock()
	return found
}

// CreateRawResult returns a copy of the cached dimension rows of key without
// measure columns, or false when nothing is cached yet.
func (c *QueryCache) CreateRawResult(key Key) (*table.ColumnarTable, bool) {
	c.mu.Lock()
	e := c.lookup(key)
	c.mu.Unlock()
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.base == nil {
		return nil, false
	}
	return e.base.Clone(), true
}

// ContributeToCache stores the columns of measures found in result. Rows are
// keyed by their dimension tuple; the first contribution fixes the tuples of
// the entry and a later contribution replaces the column of the same measure.
func (c *QueryCache) ContributeToCache(result *table.ColumnarTable, measures []domain.Measure, key Key) error {
	resultDict, err := result.PointDictionary()
	if err != nil {
		return err
	}
	e := c.getOrCreate(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.base == nil {
		var names []string
		for _, i := range result.DimensionIndexes() {
			names = append(names, result.Headers()[i].Name)
		}
		base, err := result.Project(names)
		if err != nil {
			return err
		}
		e.base = base.Clone()
		if e.dict, err = e.base.PointDictionary(); err != nil {
			return err
		}
	}

	for _, m := range measures {
		i := result.ColumnIndex(m.Alias())
		if i < 0 {
			continue
		}
		src, _ := result.Column(i)
		values := make([]any, e.base.Count())
		for r := range values {
			if rr, ok := resultDict.Lookup(e.dict.Point(r)); ok {
				values[r] = src[rr]
			}
		}
		e.columns[domain.MeasureFingerprint(m)] = column{header: result.Headers()[i], measure: m, values: values}
	}
	return nil
}

// ContributeToResult appends to result the cached columns of measures it does
// not hold yet, aligned on the dimension tuples of result. It returns the
// measures it could not serve, which happens when the entry was cleared,
// expired or evicted after Contains reported them.
func (c *QueryCache) ContributeToResult(result *table.ColumnarTable, measures []domain.Measure, key Key) ([]domain.Measure, error) {
	var pending []domain.Measure
	for _, m := range measures {
		if result.ColumnIndex(m.Alias()) < 0 {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	e := c.lookup(key)
	c.mu.Unlock()
	if e == nil {
		return pending, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dict == nil {
		return pending, nil
	}
	var unserved []domain.Measure
	for _, m := range pending {
		col, ok := e.columns[domain.MeasureFingerprint(m)]
		if !ok {
			unserved = append(unserved, m)
			continue
		}
		values := make([]any, result.Count())
		for r := range values {
			if cr, ok := e.dict.Lookup(result.Point(r)); ok {
				values[r] = col.values[cr]
			}
		}
		if err := result.AddAggregates(col.header, col.measure, values); err != nil {
			return nil, err
		}
	}
	return unserved, nil
}

// ClearUser drops every entry of user.
func (c *QueryCache) ClearUser(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if key.User == user {
			c.remove(el)
		}
	}
}

// Clear drops every entry.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, el := range c.entries {
		c.remove(el)
	}
}

// Sweep drops expired entries and returns how many were removed.
func (c *QueryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for key, el := range c.entries {
		e := el.Value.(*entry)
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			c.remove(el)
			c.userStats(key.User).Evictions++
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the counters of user.
func (c *QueryCache) Stats(user string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.userStats(user)
}

// Len is the number of live entries across users.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
