package schedule

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/teambition/rrule-go"
)

// ruleCache is a small in-memory LRU of compiled recurrence rules, keyed by
// schedule id plus a hash of the spec and DTSTART. Parsing an RRULE is cheap
// but not free, and the tick re-resolves the same schedules every minute.
// Concurrency: methods are safe for concurrent use.
type ruleCache struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List               // front = most-recently used
	items map[string]*list.Element // key -> element

	hits   atomic.Uint64
	misses atomic.Uint64
	evicts atomic.Uint64
}

type ruleEntry struct {
	key  string
	rule *rrule.RRule
}

const defaultRuleCacheCapacity = 1000

func newRuleCache(capacity int) *ruleCache {
	if capacity <= 0 {
		capacity = defaultRuleCacheCapacity
	}
	return &ruleCache{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

// ruleCacheKey builds the cache key for a schedule's compiled rule. The spec
// hash keeps a stale compilation from surviving a spec edit.
func ruleCacheKey(scheduleID, spec, dtstart string) string {
	h := fnv.New64a()
	h.Write([]byte(spec))
	h.Write([]byte{0})
	h.Write([]byte(dtstart))
	return scheduleID + ":" + formatUint(h.Sum64())
}

func formatUint(v uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 0, 16)
	for i := 60; i >= 0; i -= 4 {
		buf = append(buf, digits[(v>>uint(i))&0xf])
	}
	return string(buf)
}

func (c *ruleCache) Get(key string) (*rrule.RRule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	ent, entryOK := el.Value.(*ruleEntry)
	if !entryOK {
		c.removeElement(el)
		c.misses.Add(1)
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits.Add(1)
	return ent.rule, true
}

func (c *ruleCache) Set(key string, rule *rrule.RRule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.items[key]; found {
		if ent, entryOK := el.Value.(*ruleEntry); entryOK {
			ent.rule = rule
			c.ll.MoveToFront(el)
			return
		}
		c.removeElement(el)
	}

	el := c.ll.PushFront(&ruleEntry{key: key, rule: rule})
	c.items[key] = el
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
		c.evicts.Add(1)
	}
}

func (c *ruleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// RuleCacheStats are simple counters for observability.
type RuleCacheStats struct {
	Hits, Misses, Evictions uint64
	Size, Capacity          int
}

func (c *ruleCache) Stats() RuleCacheStats {
	return RuleCacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evicts.Load(),
		Size:      c.Len(),
		Capacity:  c.cap,
	}
}

func (c *ruleCache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	if ent, ok := el.Value.(*ruleEntry); ok {
		delete(c.items, ent.key)
		return
	}
	for k, v := range c.items {
		if v == el {
			delete(c.items, k)
			break
		}
	}
}
